package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/DynQR/internal/analytics"
	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/processing"
	"github.com/dharsanguruparan/DynQR/internal/redirect"
)

const maxJSONBody = 64 << 10

// styleRequest is a partial style; absent fields keep their defaults.
type styleRequest struct {
	Size                 *int                   `json:"size"`
	Color                *string                `json:"color"`
	BackgroundColor      *string                `json:"backgroundColor"`
	ErrorCorrectionLevel *model.ErrorCorrection `json:"errorCorrectionLevel"`
	Margin               *int                   `json:"margin"`
	LogoURL              *string                `json:"logoUrl"`
	LogoSize             *int                   `json:"logoSize"`
}

func (r *styleRequest) overrides() model.StyleOverrides {
	if r == nil {
		return model.StyleOverrides{}
	}
	return model.StyleOverrides{
		Size:                 r.Size,
		Color:                r.Color,
		BackgroundColor:      r.BackgroundColor,
		ErrorCorrectionLevel: r.ErrorCorrectionLevel,
		Margin:               r.Margin,
		LogoURL:              r.LogoURL,
		LogoSize:             r.LogoSize,
	}
}

type createRequest struct {
	Name  string        `json:"name"`
	URL   string        `json:"url"`
	Style *styleRequest `json:"style"`
}

type patchRequest struct {
	Name  *string       `json:"name"`
	Style *styleRequest `json:"style"`
}

type urlRequest struct {
	URL string `json:"url"`
}

type selectRequest struct {
	ID string `json:"id"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("malformed JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) handleListAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"records": s.views(r, s.store.List())})
}

func (s *Server) handleGetAPI(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(r, rec))
}

func (s *Server) handleCreateAPI(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	rec, err := s.createRecord(r.Context(), req.Name, req.URL, req.Style.overrides(), nil)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, s.view(r, rec))
}

func (s *Server) handlePatchAPI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.lookup(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req patchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	var patch model.Patch
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			s.respondError(w, r, apperr.Validation("name must not be empty"))
			return
		}
		patch.Name = &name
	}
	if req.Style != nil {
		style := model.MergeStyle(rec.Style, req.Style.overrides())
		if err := model.ValidateStyle(style); err != nil {
			s.respondError(w, r, err)
			return
		}
		patch.Style = &style
	}
	if err := s.store.Update(r.Context(), id, patch); err != nil {
		s.respondError(w, r, err)
		return
	}
	rec, err = s.lookup(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(r, rec))
}

func (s *Server) handleSetURLAPI(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.setTarget(r.Context(), id, req.URL); err != nil {
		s.respondError(w, r, err)
		return
	}
	rec, err := s.lookup(id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, s.view(r, rec))
}

func (s *Server) handleDeleteAPI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("confirm") != "true" {
		s.respondError(w, r, apperr.Validation("deleting requires confirm=true"))
		return
	}
	if _, err := s.lookup(id); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentAPI(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.store.Current()
	if !ok {
		s.respondError(w, r, apperr.NotFound("no current qr code"))
		return
	}
	respondJSON(w, http.StatusOK, s.view(r, rec))
}

// handleSelectAPI changes the current record. An empty id clears it; unknown
// ids are rejected rather than silently clearing.
func (s *Server) handleSelectAPI(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.ID != "" {
		if _, err := s.lookup(req.ID); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if err := s.store.Select(r.Context(), req.ID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.ID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.handleCurrentAPI(w, r)
}

func (s *Server) handleExportAPI(w http.ResponseWriter, r *http.Request) {
	if s.exports == nil {
		s.respondError(w, r, apperr.NotFound("exports are disabled"))
		return
	}
	rec, err := s.lookup(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	err = s.exports.Enqueue(r.Context(), export.Job{RecordID: rec.ID, Origin: s.origin(r)})
	if errors.Is(err, processing.ErrQueueFull) {
		respondJSON(w, http.StatusServiceUnavailable, errorBody{Error: &apperr.Error{
			Code: apperr.CodeStorageUnavailable, Message: "export queue is full, retry later",
		}})
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID, "status": "queued"})
}

func (s *Server) handleExportURLAPI(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		s.respondError(w, r, apperr.NotFound("exports are disabled"))
		return
	}
	u, err := s.exporter.URL(r.Context(), chi.URLParam(r, "id"), s.cfg.SignedURLTTL)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if strings.HasPrefix(u, "/") {
		u = s.origin(r) + u
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":       u,
		"expiresIn": int(s.cfg.SignedURLTTL.Seconds()),
	})
}

// handleLogoUploadAPI stores a multipart "logo" part and returns the URL to
// put in a style's logoUrl.
func (s *Server) handleLogoUploadAPI(w http.ResponseWriter, r *http.Request) {
	in, err := s.readForm(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if in.logo == nil {
		s.respondError(w, r, apperr.Validation("missing logo part"))
		return
	}
	logoURL, err := s.saveLogo(r.Context(), in.logo)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"logoUrl": logoURL})
}

type resolveResponse struct {
	State    redirect.State `json:"state"`
	RecordID string         `json:"recordId,omitempty"`
	Target   string         `json:"target,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	DelayMS  int64          `json:"delayMs"`
	Trace    []string       `json:"trace"`
}

func (s *Server) handleResolveAPI(w http.ResponseWriter, r *http.Request) {
	out := s.resolver.Resolve(r.Context(), chi.URLParam(r, "code"), r.UserAgent())
	resp := resolveResponse{
		State:  out.State,
		Target: out.Target,
		Reason: out.Reason,
		Trace:  out.Trace,
	}
	status := http.StatusOK
	if out.State == redirect.StateRedirecting {
		resp.RecordID = out.Record.ID
		resp.DelayMS = s.cfg.RedirectDelay.Milliseconds()
	} else {
		status = http.StatusNotFound
		resp.DelayMS = s.cfg.FailureDelay.Milliseconds()
	}
	respondJSON(w, status, resp)
}

func (s *Server) handleAnalyticsAPI(w http.ResponseWriter, r *http.Request) {
	q, err := analyticsQuery(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if q.RecordID != "" {
		if _, err := s.lookup(q.RecordID); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	rep, err := analytics.Compute(s.store.List(), q, s.now())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDemoAPI(w http.ResponseWriter, r *http.Request) {
	recs, err := s.seedDemo(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"records": s.views(r, recs)})
}
