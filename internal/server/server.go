// Package server wires the HTTP routes: server-rendered pages, the JSON API,
// the short-link redirect and the live update stream.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/blob"
	"github.com/dharsanguruparan/DynQR/internal/config"
	"github.com/dharsanguruparan/DynQR/internal/export"
	"github.com/dharsanguruparan/DynQR/internal/logging"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/redirect"
	"github.com/dharsanguruparan/DynQR/internal/signing"
	"github.com/dharsanguruparan/DynQR/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

// Deps are the collaborators a Server needs. Exports may be nil, which
// disables the export endpoints.
type Deps struct {
	Config   *config.Config
	Store    store.Store
	Resolver *redirect.Resolver
	Renderer *export.Renderer
	Exporter *export.Exporter
	Exports  export.Enqueuer
	Logos    blob.Store
	// Downloads holds the objects served by /download.
	Downloads blob.Store
	Signer    *signing.Signer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server hosts the DynQR HTTP handlers.
type Server struct {
	cfg       *config.Config
	store     store.Store
	resolver  *redirect.Resolver
	renderer  *export.Renderer
	exporter  *export.Exporter
	exports   export.Enqueuer
	logos     blob.Store
	downloads blob.Store
	signer    *signing.Signer
	logger    *slog.Logger
	now       func() time.Time
	pages     *template.Template

	handlerOnce sync.Once
	handler     http.Handler
}

// New validates deps and parses the page templates.
func New(d Deps) (*Server, error) {
	if d.Config == nil || d.Store == nil || d.Resolver == nil || d.Renderer == nil {
		return nil, errors.New("server: config, store, resolver and renderer are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = model.Now
	}
	pages, err := template.New("pages").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Server{
		cfg:       d.Config,
		store:     d.Store,
		resolver:  d.Resolver,
		renderer:  d.Renderer,
		exporter:  d.Exporter,
		exports:   d.Exports,
		logos:     d.Logos,
		downloads: d.Downloads,
		signer:    d.Signer,
		logger:    d.Logger,
		now:       d.Now,
		pages:     pages,
	}, nil
}

// Serve launches the HTTP server until the context is cancelled, then shuts
// down with a five second grace period.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}()
	s.logger.Info("dynqr listening", "address", s.cfg.Address, "redirect_prefix", s.cfg.RedirectPrefix)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler, building it once.
func (s *Server) Handler() http.Handler {
	s.handlerOnce.Do(func() { s.handler = s.routes() })
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Get("/", s.handleIndex)
	r.Post("/", s.handleCreateForm)
	r.Post("/demo", s.handleDemoForm)
	r.Route("/qrcodes/{id}", func(r chi.Router) {
		r.Get("/qr.png", s.handleQRImage)
		r.Post("/select", s.handleSelectForm)
		r.Post("/url", s.handleURLForm)
		r.Get("/delete", s.handleDeleteConfirm)
		r.Post("/delete", s.handleDeleteForm)
	})
	r.Get("/analytics", s.handleAnalyticsPage)
	r.Get(s.cfg.RedirectPrefix+"{code}", s.handleRedirect)
	r.Get(export.LogoPath+"*", s.handleLogo)
	r.Get("/download", s.handleDownload)

	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Get("/qrcodes", s.handleListAPI)
		r.Post("/qrcodes", s.handleCreateAPI)
		r.Get("/qrcodes/current", s.handleCurrentAPI)
		r.Put("/qrcodes/current", s.handleSelectAPI)
		r.Get("/qrcodes/{id}", s.handleGetAPI)
		r.Patch("/qrcodes/{id}", s.handlePatchAPI)
		r.Put("/qrcodes/{id}/url", s.handleSetURLAPI)
		r.Delete("/qrcodes/{id}", s.handleDeleteAPI)
		r.Post("/qrcodes/{id}/export", s.handleExportAPI)
		r.Get("/qrcodes/{id}/export-url", s.handleExportURLAPI)
		r.Post("/logos", s.handleLogoUploadAPI)
		r.Get("/resolve/{code}", s.handleResolveAPI)
		r.Get("/analytics", s.handleAnalyticsAPI)
		r.Get("/events", s.handleEvents)
		r.Post("/demo", s.handleDemoAPI)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// origin is the scheme and host short links are built on: the configured
// public origin, else whatever the request arrived on.
func (s *Server) origin(r *http.Request) string {
	if s.cfg.PublicOrigin != "" {
		return s.cfg.PublicOrigin
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + r.Host
}

// recordView is a record plus the URLs derived for one request.
type recordView struct {
	model.Record
	Link      string `json:"link"`
	ImageURL  string `json:"imageUrl"`
	ScanCount int    `json:"scanCount"`
}

func (s *Server) view(r *http.Request, rec model.Record) recordView {
	return recordView{
		Record:    rec,
		Link:      redirect.Link(s.origin(r), s.cfg.RedirectPrefix, rec.ShortCode),
		ImageURL:  "/qrcodes/" + rec.ID + "/qr.png",
		ScanCount: len(rec.Scans),
	}
}

func (s *Server) views(r *http.Request, recs []model.Record) []recordView {
	out := make([]recordView, len(recs))
	for i, rec := range recs {
		out[i] = s.view(r, rec)
	}
	return out
}

type errorBody struct {
	Error *apperr.Error `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		slog.Error("encode json failed", "error", err)
	}
}

// respondError writes {"error":{"code","message"}} with the status mapped
// from the error code.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	respondJSON(w, status, errorBody{Error: &apperr.Error{Code: apperr.Code(err), Message: apperr.Message(err)}})
}

// requestLogger logs one line per request with the chi request id attached.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := logging.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
