package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/DynQR/internal/analytics"
	"github.com/dharsanguruparan/DynQR/internal/blob"
	"github.com/dharsanguruparan/DynQR/internal/config"
	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/processing"
	"github.com/dharsanguruparan/DynQR/internal/redirect"
	"github.com/dharsanguruparan/DynQR/internal/signing"
	"github.com/dharsanguruparan/DynQR/internal/store"
)

const origin = "https://qr.example"

// syncExports runs jobs inline so tests can observe the result.
type syncExports struct {
	exporter *export.Exporter
}

func (e syncExports) Enqueue(ctx context.Context, job export.Job) error {
	_, err := e.exporter.Run(ctx, job)
	return err
}

type fullQueue struct{}

func (fullQueue) Enqueue(context.Context, export.Job) error { return processing.ErrQueueFull }

type fixture struct {
	srv   *Server
	store *store.RecordStore
	now   time.Time
}

func codes() func() string {
	n := 123
	return func() string {
		c := fmt.Sprintf("abc%d", n)
		n++
		return c
	}
}

func newFixture(t *testing.T, exports func(*export.Exporter) export.Enqueuer) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		PublicOrigin:   origin,
		RedirectPrefix: "/r/",
		MaxLogoSize:    1 << 20,
		SignedURLTTL:   time.Minute,
		RedirectDelay:  2 * time.Second,
		FailureDelay:   5 * time.Second,
	}
	st, err := store.Open(ctx, store.NewMemoryBackend(), store.WithIDGenerators(nil, codes()), store.WithLogger(logger))
	require.NoError(t, err)

	signer := signing.NewSigner([]byte("test-secret"))
	blobs, err := blob.NewDir(t.TempDir(), signer)
	require.NoError(t, err)
	renderer := &export.Renderer{Logos: blobs, Prefix: cfg.RedirectPrefix, Logger: logger}
	exporter := export.NewExporter(st, renderer, blobs, logger)

	var queue export.Enqueuer = syncExports{exporter: exporter}
	if exports != nil {
		queue = exports(exporter)
	}
	now := model.Now()
	srv, err := New(Deps{
		Config:    cfg,
		Store:     st,
		Resolver:  redirect.NewResolver(st, redirect.Options{Attempts: 1, Backoff: time.Millisecond, Logger: logger}),
		Renderer:  renderer,
		Exporter:  exporter,
		Exports:   queue,
		Logos:     blobs,
		Downloads: blobs,
		Signer:    signer,
		Logger:    logger,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	return &fixture{srv: srv, store: st, now: now}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doJSON(t *testing.T, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	return f.do(t, method, target, body, "Content-Type", "application/json")
}

func (f *fixture) create(t *testing.T, name, target string) model.Record {
	t.Helper()
	rec, err := f.store.Create(context.Background(), name, target, model.StyleOverrides{})
	require.NoError(t, err)
	return rec
}

func postForm(f *fixture, t *testing.T, target string, values url.Values) *httptest.ResponseRecorder {
	return f.do(t, http.MethodPost, target, strings.NewReader(values.Encode()), "Content-Type", "application/x-www-form-urlencoded")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body.Error.Code
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCreateAPI(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.doJSON(t, http.MethodPost, "/api/qrcodes", map[string]any{
		"name":  "Site",
		"url":   "https://example.com",
		"style": map[string]any{"size": 300, "color": "#112233"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[recordView](t, rec)
	assert.Equal(t, "Site", v.Name)
	assert.Equal(t, "abc123", v.ShortCode)
	assert.Equal(t, origin+"/r/abc123", v.Link)
	assert.Equal(t, "https://example.com", v.OriginalURL)
	assert.Equal(t, "https://example.com", v.CurrentURL)
	assert.Equal(t, 300, v.Style.Size)
	assert.Equal(t, "#112233", v.Style.Color)
	assert.Equal(t, model.LevelMedium, v.Style.ErrorCorrectionLevel)

	got := f.do(t, http.MethodGet, "/api/qrcodes/"+v.ID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, v.ID, decode[recordView](t, got).ID)

	cur := f.do(t, http.MethodGet, "/api/qrcodes/current", nil)
	require.Equal(t, http.StatusOK, cur.Code)
	assert.Equal(t, v.ID, decode[recordView](t, cur).ID)

	list := decode[struct {
		Records []recordView `json:"records"`
	}](t, f.do(t, http.MethodGet, "/api/qrcodes", nil))
	assert.Len(t, list.Records, 1)
}

func TestCreateAPIValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []map[string]any{
		{"name": "", "url": "https://example.com"},
		{"name": "Site", "url": ""},
		{"name": "Site", "url": "not a url"},
		{"name": "Site", "url": "https://example.com", "style": map[string]any{"size": 50}},
		{"name": "Site", "url": "https://example.com", "style": map[string]any{"errorCorrectionLevel": "X"}},
	}
	for _, payload := range tests {
		rec := f.doJSON(t, http.MethodPost, "/api/qrcodes", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", payload)
		assert.Equal(t, "VALIDATION", errorCode(t, rec))
	}
	assert.Empty(t, f.store.List())

	rec := f.do(t, http.MethodPost, "/api/qrcodes", strings.NewReader("{"), "Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownRecord(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/api/qrcodes/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rec))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/qrcodes/current", nil).Code)
}

func TestPatchAPI(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Site", "https://example.com")

	rec := f.doJSON(t, http.MethodPatch, "/api/qrcodes/"+r.ID, map[string]any{
		"name":  "Renamed",
		"style": map[string]any{"size": 320},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[recordView](t, rec)
	assert.Equal(t, "Renamed", v.Name)
	assert.Equal(t, 320, v.Style.Size)
	assert.Equal(t, "#000000", v.Style.Color, "unset fields keep their value")

	rec = f.doJSON(t, http.MethodPatch, "/api/qrcodes/"+r.ID, map[string]any{"style": map[string]any{"margin": 11}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.doJSON(t, http.MethodPatch, "/api/qrcodes/"+r.ID, map[string]any{"name": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.doJSON(t, http.MethodPatch, "/api/qrcodes/missing", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetURLAPI(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Site", "https://example.com")

	rec := f.doJSON(t, http.MethodPut, "/api/qrcodes/"+r.ID+"/url", map[string]string{"url": "https://new.example"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[recordView](t, rec)
	assert.Equal(t, "https://new.example", v.CurrentURL)
	assert.Equal(t, "https://example.com", v.OriginalURL)
	assert.Equal(t, r.ShortCode, v.ShortCode)

	rec = f.doJSON(t, http.MethodPut, "/api/qrcodes/"+r.ID+"/url", map[string]string{"url": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.doJSON(t, http.MethodPut, "/api/qrcodes/missing/url", map[string]string{"url": "https://x.example"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteAPIRequiresConfirm(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Site", "https://example.com")

	rec := f.do(t, http.MethodDelete, "/api/qrcodes/"+r.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	_, ok := f.store.Get(r.ID)
	assert.True(t, ok)

	rec = f.do(t, http.MethodDelete, "/api/qrcodes/"+r.ID+"?confirm=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = f.store.Get(r.ID)
	assert.False(t, ok)

	rec = f.do(t, http.MethodDelete, "/api/qrcodes/"+r.ID+"?confirm=true", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelectAPI(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, "A", "https://a.example")
	f.create(t, "B", "https://b.example")

	rec := f.doJSON(t, http.MethodPut, "/api/qrcodes/current", map[string]string{"id": a.ID})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decode[recordView](t, rec).ID)

	rec = f.doJSON(t, http.MethodPut, "/api/qrcodes/current", map[string]string{"id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	cur, ok := f.store.Current()
	require.True(t, ok, "unknown id leaves the selection alone")
	assert.Equal(t, a.ID, cur.ID)

	rec = f.doJSON(t, http.MethodPut, "/api/qrcodes/current", map[string]string{"id": ""})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = f.store.Current()
	assert.False(t, ok)
}

func TestRedirectPage(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Site", "example.com")

	rec := f.do(t, http.MethodGet, "/r/"+r.ShortCode, nil, "User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `content="2;url=https://example.com"`)
	assert.Contains(t, body, `href="https://example.com"`)

	got, _ := f.store.Get(r.ID)
	require.Len(t, got.Scans, 1)
	assert.Equal(t, model.DeviceMobile, got.Scans[0].Device)
}

func TestRedirectPageFailures(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/r/abc123", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), redirect.ReasonNoState)

	f.create(t, "Site", "https://example.com")
	rec = f.do(t, http.MethodGet, "/r/zzz999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), redirect.ReasonNotFound)
	assert.Contains(t, rec.Body.String(), `content="5;url=/"`)
}

func TestResolveAPI(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Site", "https://example.com")

	rec := f.do(t, http.MethodGet, "/api/resolve/"+r.ShortCode, nil, "User-Agent", "curl/8")
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[resolveResponse](t, rec)
	assert.Equal(t, redirect.StateRedirecting, out.State)
	assert.Equal(t, "https://example.com", out.Target)
	assert.Equal(t, r.ID, out.RecordID)
	assert.Equal(t, int64(2000), out.DelayMS)

	rec = f.do(t, http.MethodGet, "/api/resolve/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, redirect.StateFailed, decode[resolveResponse](t, rec).State)
}

func TestIndexPage(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Load demo data")

	f.create(t, "Launch Page", "https://example.com")
	rec = f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Launch Page")
	assert.Contains(t, body, origin+"/r/abc123")
	assert.NotContains(t, body, "Load demo data")
}

func TestIndexRowActions(t *testing.T) {
	f := newFixture(t, nil)
	first := f.create(t, "First", "https://one.example")
	second := f.create(t, "Second", "https://two.example")

	rec := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	for _, r := range []model.Record{first, second} {
		assert.Contains(t, body, `data-copy="`+origin+"/r/"+r.ShortCode+`"`, r.Name)
		assert.Contains(t, body, `<a href="`+r.CurrentURL+`" target="_blank" rel="noopener">`, r.Name)
		assert.Contains(t, body, `action="/qrcodes/`+r.ID+`/url"`, r.Name)
	}
	assert.Equal(t, 2, strings.Count(body, `target="_blank"`))
}

func TestCreateForm(t *testing.T) {
	f := newFixture(t, nil)
	rec := postForm(f, t, "/", url.Values{
		"name":                 {"Form Code"},
		"url":                  {"https://form.example"},
		"size":                 {"250"},
		"errorCorrectionLevel": {"h"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())
	assert.Equal(t, "/", rec.Header().Get("Location"))

	cur, ok := f.store.Current()
	require.True(t, ok)
	assert.Equal(t, "Form Code", cur.Name)
	assert.Equal(t, 250, cur.Style.Size)
	assert.Equal(t, model.LevelHigh, cur.Style.ErrorCorrectionLevel)
}

func TestCreateFormRedisplaysOnError(t *testing.T) {
	f := newFixture(t, nil)
	rec := postForm(f, t, "/", url.Values{"name": {"Keep Me"}, "url": {""}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "name and target URL are required")
	assert.Contains(t, body, `value="Keep Me"`)
	assert.Empty(t, f.store.List())

	rec = postForm(f, t, "/", url.Values{"name": {"x"}, "url": {"https://x.example"}, "size": {"big"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartForm(t *testing.T, fields map[string]string, logo []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if logo != nil {
		part, err := mw.CreateFormFile("logo", "logo.png")
		require.NoError(t, err)
		_, err = part.Write(logo)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateFormWithLogo(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartForm(t, map[string]string{"name": "Logo", "url": "https://logo.example"}, pngBytes(t, color.NRGBA{B: 255, A: 255}))
	rec := f.do(t, http.MethodPost, "/", body, "Content-Type", ct)
	require.Equal(t, http.StatusSeeOther, rec.Code, rec.Body.String())

	cur, ok := f.store.Current()
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(cur.Style.LogoURL, "/logos/"), cur.Style.LogoURL)
	assert.True(t, strings.HasSuffix(cur.Style.LogoURL, ".png"), cur.Style.LogoURL)
	assert.Equal(t, 40, cur.Style.LogoSize, "a fifth of the default size")

	logo := f.do(t, http.MethodGet, cur.Style.LogoURL, nil)
	require.Equal(t, http.StatusOK, logo.Code)
	assert.Equal(t, "image/png", logo.Header().Get("Content-Type"))

	img := f.do(t, http.MethodGet, "/qrcodes/"+cur.ID+"/qr.png", nil)
	require.Equal(t, http.StatusOK, img.Code)
	decoded, err := png.Decode(img.Body)
	require.NoError(t, err)
	r, g, b, _ := decoded.At(100, 100).RGBA()
	assert.Equal(t, [3]uint32{0, 0, 0xffff}, [3]uint32{r, g, b}, "logo is centred on the code")
}

func TestCreateFormRejectsNonImageLogo(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartForm(t, map[string]string{"name": "Logo", "url": "https://logo.example"}, []byte("plain text, not an image"))
	rec := f.do(t, http.MethodPost, "/", body, "Content-Type", ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "logo must be a PNG or JPEG image")
	assert.Empty(t, f.store.List())
}

func TestLogoUploadAPI(t *testing.T) {
	f := newFixture(t, nil)
	body, ct := multipartForm(t, nil, pngBytes(t, color.Black))
	rec := f.do(t, http.MethodPost, "/api/logos", body, "Content-Type", ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	logoURL := decode[map[string]string](t, rec)["logoUrl"]
	assert.True(t, strings.HasPrefix(logoURL, "/logos/"))

	body, ct = multipartForm(t, map[string]string{"other": "x"}, nil)
	rec = f.do(t, http.MethodPost, "/api/logos", body, "Content-Type", ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/logos/missing.png", nil).Code)
}

func TestQRImageDownload(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "My Site!", "https://example.com")

	rec := f.do(t, http.MethodGet, "/qrcodes/"+r.ID+"/qr.png?download=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="My-Site.png"`)
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, img.Bounds().Dx())

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/qrcodes/missing/qr.png", nil).Code)
}

func TestURLForm(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Site", "https://example.com")

	rec := postForm(f, t, "/qrcodes/"+r.ID+"/url", url.Values{"url": {"https://moved.example"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	got, _ := f.store.Get(r.ID)
	assert.Equal(t, "https://moved.example", got.CurrentURL)

	rec = postForm(f, t, "/qrcodes/"+r.ID+"/url", url.Values{"url": {"moved"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	got, _ = f.store.Get(r.ID)
	assert.Equal(t, "https://moved.example", got.CurrentURL)
}

func TestSelectForm(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, "A", "https://a.example")
	f.create(t, "B", "https://b.example")

	rec := postForm(f, t, "/qrcodes/"+a.ID+"/select", url.Values{})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	cur, ok := f.store.Current()
	require.True(t, ok)
	assert.Equal(t, a.ID, cur.ID)
}

func TestDeleteFlow(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Doomed", "https://example.com")

	confirm := f.do(t, http.MethodGet, "/qrcodes/"+r.ID+"/delete", nil)
	require.Equal(t, http.StatusOK, confirm.Code)
	assert.Contains(t, confirm.Body.String(), "Doomed")

	rec := postForm(f, t, "/qrcodes/"+r.ID+"/delete", url.Values{})
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/qrcodes/"+r.ID+"/delete", rec.Header().Get("Location"))
	_, ok := f.store.Get(r.ID)
	assert.True(t, ok, "nothing is deleted without confirmation")

	rec = postForm(f, t, "/qrcodes/"+r.ID+"/delete", url.Values{"confirm": {"yes"}})
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	_, ok = f.store.Get(r.ID)
	assert.False(t, ok)
}

func TestAnalyticsAPI(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.create(t, "A", "https://a.example")
	b := f.create(t, "B", "https://b.example")
	for _, age := range []time.Duration{time.Hour, 3 * 24 * time.Hour, 20 * 24 * time.Hour} {
		require.NoError(t, f.store.AppendScan(ctx, a.ID, model.Scan{ID: age.String(), Timestamp: f.now.Add(-age), Device: model.DeviceMobile, IP: model.Unknown}))
	}

	rep := decode[analytics.Report](t, f.do(t, http.MethodGet, "/api/analytics", nil))
	assert.Equal(t, 7, rep.Days)
	assert.Equal(t, 2, rep.TotalScans)
	require.Len(t, rep.Ranking, 2)
	assert.Equal(t, a.ID, rep.Ranking[0].RecordID)

	rep = decode[analytics.Report](t, f.do(t, http.MethodGet, "/api/analytics?days=30&qr="+a.ID, nil))
	assert.Equal(t, 3, rep.TotalScans)
	assert.Len(t, rep.Daily, 30)
	assert.Empty(t, rep.Ranking)

	rep = decode[analytics.Report](t, f.do(t, http.MethodGet, "/api/analytics?qr="+b.ID, nil))
	assert.Equal(t, 0, rep.TotalScans)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/analytics?days=14", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/analytics?qr=missing", nil).Code)
}

func TestAnalyticsPage(t *testing.T) {
	f := newFixture(t, nil)
	a := f.create(t, "Tracked", "https://a.example")
	require.NoError(t, f.store.AppendScan(context.Background(), a.ID, model.Scan{ID: "s1", Timestamp: f.now.Add(-time.Hour), Device: model.DeviceDesktop, IP: "10.0.0.1"}))

	rec := f.do(t, http.MethodGet, "/analytics?qr=all&days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<polyline")
	assert.Contains(t, body, "Tracked")
	assert.Contains(t, body, "Desktop")

	rec = f.do(t, http.MethodGet, "/analytics?days=bogus", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "pages fall back to the default window")
}

func TestDailyChart(t *testing.T) {
	c := dailyChart([]analytics.DailyPoint{{Label: "06/01", Scans: 0}, {Label: "06/02", Scans: 4}})
	assert.Equal(t, 4, c.Max)
	assert.Equal(t, "20.0,160.0 580.0,20.0", c.Points)
	assert.Equal(t, "06/01", c.From)
	assert.Equal(t, "06/02", c.To)
}

func TestExportFlow(t *testing.T) {
	f := newFixture(t, nil)
	r := f.create(t, "Export Me", "https://example.com")

	rec := f.do(t, http.MethodGet, "/api/qrcodes/"+r.ID+"/export-url", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "nothing exported yet")

	rec = f.do(t, http.MethodPost, "/api/qrcodes/"+r.ID+"/export", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]string{"id": r.ID, "status": "queued"}, decode[map[string]string](t, rec))

	rec = f.do(t, http.MethodGet, "/api/qrcodes/"+r.ID+"/export-url", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	signed := decode[map[string]any](t, rec)["url"].(string)
	require.True(t, strings.HasPrefix(signed, origin+"/download?"), signed)

	local := strings.TrimPrefix(signed, origin)
	dl := f.do(t, http.MethodGet, local, nil)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "image/png", dl.Header().Get("Content-Type"))
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "Export-Me.png")
	_, err := png.Decode(dl.Body)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, f.doJSON(t, http.MethodPatch, "/api/qrcodes/"+r.ID, map[string]any{"name": "Renamed"}).Code)
	rec = f.do(t, http.MethodGet, "/api/qrcodes/"+r.ID+"/export-url", nil)
	require.Equal(t, http.StatusOK, rec.Code, "renaming keeps the export reachable")
	dl = f.do(t, http.MethodGet, local, nil)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Contains(t, dl.Header().Get("Content-Disposition"), `filename="Renamed.png"`)

	u, err := url.Parse(local)
	require.NoError(t, err)
	q := u.Query()
	q.Set("signature", strings.Repeat("0", 64))
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/download?"+q.Encode(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/download?key=x", nil).Code)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/qrcodes/missing/export", nil).Code)
}

func TestExportQueueFull(t *testing.T) {
	f := newFixture(t, func(*export.Exporter) export.Enqueuer { return fullQueue{} })
	r := f.create(t, "Busy", "https://example.com")
	rec := f.do(t, http.MethodPost, "/api/qrcodes/"+r.ID+"/export", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDemoAPI(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/demo", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	out := decode[struct {
		Records []recordView `json:"records"`
	}](t, rec)
	require.Len(t, out.Records, 3)
	assert.GreaterOrEqual(t, out.Records[0].ScanCount, 10)

	rec = f.do(t, http.MethodPost, "/api/demo", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodOptions, "/api/qrcodes", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginFromRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.srv.cfg.PublicOrigin = ""
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "qr.local:8080"
	assert.Equal(t, "http://qr.local:8080", f.srv.origin(req))
	req.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "https://qr.local:8080", f.srv.origin(req))
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	rec := f.create(t, "Live", "https://live.example")

	var data string
	for data == "" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.JSONEq(t, fmt.Sprintf(`{"kind":"created","recordId":%q}`, rec.ID), data)
}
