package server

import (
	"errors"
	"fmt"
	"html/template"
	"io"
	"math/rand"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/DynQR/internal/analytics"
	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/blob"
	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/redirect"
	"github.com/dharsanguruparan/DynQR/internal/render"
	"github.com/dharsanguruparan/DynQR/internal/seed"
)

// headData feeds the shared page header.
type headData struct {
	Title   string
	Refresh string
}

func seconds(d time.Duration) int {
	return int(d.Round(time.Second) / time.Second)
}

var templateFuncs = template.FuncMap{
	"head": func(title string, refresh ...string) headData {
		h := headData{Title: title}
		if len(refresh) > 0 {
			h.Refresh = refresh[0]
		}
		return h
	},
	"refresh": func(d time.Duration, target string) string {
		return fmt.Sprintf("%d;url=%s", seconds(d), target)
	},
	"seconds": seconds,
	"add":     func(a, b int) int { return a + b },
	"fmtTime": func(t time.Time) string { return t.Local().Format("2006-01-02 15:04") },
	"pct": func(v, max int) int {
		if max <= 0 {
			return 0
		}
		return v * 100 / max
	},
}

// formState echoes the generator form back to the visitor.
type formState struct {
	Name            string
	URL             string
	Size            string
	Color           string
	BackgroundColor string
	Level           string
	Margin          string
	LogoSize        string
}

func defaultForm() formState {
	d := model.DefaultStyle()
	return formState{
		Size:            strconv.Itoa(d.Size),
		Color:           d.Color,
		BackgroundColor: d.BackgroundColor,
		Level:           string(d.ErrorCorrectionLevel),
		Margin:          strconv.Itoa(d.Margin),
	}
}

func formFrom(in formInput) formState {
	f := defaultForm()
	f.Name = in.get("name")
	f.URL = in.get("url")
	for field, dst := range map[string]*string{
		"size":                 &f.Size,
		"color":                &f.Color,
		"backgroundColor":      &f.BackgroundColor,
		"errorCorrectionLevel": &f.Level,
		"margin":               &f.Margin,
		"logoSize":             &f.LogoSize,
	} {
		if in.has(field) {
			*dst = in.get(field)
		}
	}
	return f
}

type indexPage struct {
	Records []recordView
	Current *recordView
	Form    formState
	Levels  []model.ErrorCorrection
	Error   string
}

func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.pages.ExecuteTemplate(w, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "render page", "page", name, "error", err)
	}
}

// pageError writes a plain-text error with the status mapped from err.
func (s *Server) pageError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, apperr.Message(err), status)
}

func (s *Server) renderIndex(w http.ResponseWriter, r *http.Request, status int, form formState, msg string) {
	page := indexPage{
		Records: s.views(r, s.store.List()),
		Form:    form,
		Levels:  []model.ErrorCorrection{model.LevelLow, model.LevelMedium, model.LevelQuartile, model.LevelHigh},
		Error:   msg,
	}
	if cur, ok := s.store.Current(); ok {
		v := s.view(r, cur)
		page.Current = &v
	}
	s.renderPage(w, r, status, "index.html", page)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.renderIndex(w, r, http.StatusOK, defaultForm(), "")
}

func (s *Server) handleCreateForm(w http.ResponseWriter, r *http.Request) {
	in, err := s.readForm(w, r)
	if err != nil {
		s.renderIndex(w, r, apperr.HTTPStatus(err), formFrom(in), apperr.Message(err))
		return
	}
	o, err := overridesFromForm(in)
	if err == nil {
		_, err = s.createRecord(r.Context(), in.get("name"), in.get("url"), o, in.logo)
	}
	if err != nil {
		s.renderIndex(w, r, apperr.HTTPStatus(err), formFrom(in), apperr.Message(err))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleDemoForm(w http.ResponseWriter, r *http.Request) {
	if _, err := s.seedDemo(r); err != nil {
		s.renderIndex(w, r, apperr.HTTPStatus(err), defaultForm(), apperr.Message(err))
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) seedDemo(r *http.Request) ([]model.Record, error) {
	now := s.now()
	rng := rand.New(rand.NewSource(now.UnixNano()))
	return seed.Demo(r.Context(), s.store, rng, now)
}

func (s *Server) handleSelectForm(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Select(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.pageError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleURLForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.pageError(w, r, apperr.Validation("malformed form"))
		return
	}
	err := s.setTarget(r.Context(), chi.URLParam(r, "id"), r.PostForm.Get("url"))
	if errors.Is(err, apperr.ErrValidation) {
		s.renderIndex(w, r, http.StatusBadRequest, defaultForm(), apperr.Message(err))
		return
	}
	if err != nil {
		s.pageError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type deletePage struct {
	Record recordView
}

func (s *Server) handleDeleteConfirm(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.pageError(w, r, err)
		return
	}
	s.renderPage(w, r, http.StatusOK, "delete.html", deletePage{Record: s.view(r, rec)})
}

func (s *Server) handleDeleteForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.pageError(w, r, apperr.Validation("malformed form"))
		return
	}
	id := chi.URLParam(r, "id")
	if r.PostForm.Get("confirm") != "yes" {
		http.Redirect(w, r, "/qrcodes/"+id+"/delete", http.StatusSeeOther)
		return
	}
	if _, err := s.lookup(id); err != nil {
		s.pageError(w, r, err)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.pageError(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.pageError(w, r, err)
		return
	}
	data, err := s.renderer.PNG(r.Context(), rec, s.origin(r))
	if err != nil {
		s.pageError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", render.Filename(rec.Name)+".png"))
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleLogo(w http.ResponseWriter, r *http.Request) {
	key, ok := export.LogoKey(r.URL.Path)
	if !ok || s.logos == nil {
		http.NotFound(w, r)
		return
	}
	rc, err := s.logos.Open(r.Context(), key)
	if errors.Is(err, blob.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.pageError(w, r, apperr.StorageUnavailable("open logo", err))
		return
	}
	defer rc.Close()
	contentType := "image/jpeg"
	if strings.HasSuffix(key, ".png") {
		contentType = "image/png"
	}
	w.Header().Set("Content-Type", contentType)
	// Logo names are random and never reused.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = io.Copy(w, rc)
}

// handleDownload serves local blobs behind an HMAC-signed, expiring link.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, expires, signature := q.Get("key"), q.Get("expires"), q.Get("signature")
	if key == "" || expires == "" || signature == "" {
		http.Error(w, "missing parameters", http.StatusBadRequest)
		return
	}
	if s.signer == nil || s.downloads == nil || !s.signer.Verify(key, expires, signature, s.now()) {
		http.Error(w, "invalid or expired link", http.StatusUnauthorized)
		return
	}
	rc, err := s.downloads.Open(r.Context(), key)
	if errors.Is(err, blob.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.pageError(w, r, apperr.StorageUnavailable("open download", err))
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.downloadName(key)))
	_, _ = io.Copy(w, rc)
}

// downloadName names an export after its record's current name.
func (s *Server) downloadName(key string) string {
	if id, ok := export.RecordID(key); ok {
		if rec, ok := s.store.Get(id); ok {
			return export.Filename(rec)
		}
	}
	return path.Base(key)
}

type redirectPage struct {
	Code    string
	Outcome redirect.Outcome
	Delay   time.Duration
	Home    string
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	out := s.resolver.Resolve(r.Context(), code, r.UserAgent())
	if out.State != redirect.StateRedirecting {
		s.logger.InfoContext(r.Context(), "redirect failed", "code", code, "reason", out.Reason)
		s.renderPage(w, r, http.StatusNotFound, "failed.html", redirectPage{
			Code: code, Outcome: out, Delay: s.cfg.FailureDelay, Home: "/",
		})
		return
	}
	s.logger.InfoContext(r.Context(), "redirecting", "code", code, "record_id", out.Record.ID, "target", out.Target)
	w.Header().Set("Cache-Control", "no-store")
	s.renderPage(w, r, http.StatusOK, "redirect.html", redirectPage{
		Code: code, Outcome: out, Delay: s.cfg.RedirectDelay,
	})
}

// chart is the geometry of the daily line chart.
type chart struct {
	Width, Height int
	Points        string
	Max           int
	From, To      string
}

const (
	chartWidth   = 600
	chartHeight  = 180
	chartPadding = 20
)

func dailyChart(points []analytics.DailyPoint) chart {
	c := chart{Width: chartWidth, Height: chartHeight, Max: 1}
	for _, p := range points {
		if p.Scans > c.Max {
			c.Max = p.Scans
		}
	}
	if len(points) < 2 {
		return c
	}
	c.From, c.To = points[0].Label, points[len(points)-1].Label
	innerW := float64(chartWidth - 2*chartPadding)
	innerH := float64(chartHeight - 2*chartPadding)
	coords := make([]string, len(points))
	for i, p := range points {
		x := chartPadding + innerW*float64(i)/float64(len(points)-1)
		y := chartHeight - chartPadding - innerH*float64(p.Scans)/float64(c.Max)
		coords[i] = fmt.Sprintf("%.1f,%.1f", x, y)
	}
	c.Points = strings.Join(coords, " ")
	return c
}

type analyticsPage struct {
	Records   []model.Record
	Selected  string
	Days      int
	Windows   []int
	Report    analytics.Report
	Chart     chart
	HourlyMax int
	Current   *model.Record
	Ranking   []analytics.RankEntry
	Generated time.Time
}

func (s *Server) handleAnalyticsPage(w http.ResponseWriter, r *http.Request) {
	q, err := analyticsQuery(r)
	if err != nil {
		// Pages fall back to the default window instead of failing.
		q.Days = analytics.DefaultDays
	}
	now := s.now().Local()
	records := s.store.List()
	rep, err := analytics.Compute(records, q, now)
	if err != nil {
		s.pageError(w, r, err)
		return
	}
	page := analyticsPage{
		Records:   records,
		Selected:  q.RecordID,
		Days:      q.Days,
		Windows:   analytics.Windows,
		Report:    rep,
		Chart:     dailyChart(rep.Daily),
		HourlyMax: 1,
		Ranking:   rep.Ranking,
		Generated: now,
	}
	for _, h := range rep.Hourly {
		if h.Scans > page.HourlyMax {
			page.HourlyMax = h.Scans
		}
	}
	if q.RecordID != "" {
		if rec, ok := s.store.Get(q.RecordID); ok {
			page.Current = &rec
		}
	}
	s.renderPage(w, r, http.StatusOK, "analytics.html", page)
}

// analyticsQuery reads ?qr= and ?days=. "all" and an empty qr both mean
// every record.
func analyticsQuery(r *http.Request) (analytics.Query, error) {
	q := analytics.Query{RecordID: r.URL.Query().Get("qr"), Days: analytics.DefaultDays}
	if q.RecordID == "all" {
		q.RecordID = ""
	}
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || !analytics.ValidWindow(days) {
			return q, apperr.Validation("days must be one of 7, 30, 90")
		}
		q.Days = days
	}
	return q, nil
}
