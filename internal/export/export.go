// Package export renders records to PNG and stores the result in a blob
// store. The HTTP handlers, the in-process pool and the asynq worker share it.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/blob"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/redirect"
	"github.com/dharsanguruparan/DynQR/internal/render"
	"github.com/dharsanguruparan/DynQR/internal/store"
)

// LogoPath is the URL path under which uploaded logos are served. The blob
// key of a logo is its URL with the leading slash removed.
const LogoPath = "/logos/"

// Job asks for one record to be exported. Origin is the scheme and host the
// encoded short link points at.
type Job struct {
	RecordID string `json:"record_id"`
	Origin   string `json:"origin"`
}

// Runner executes one job, returning the stored blob key. *Exporter
// satisfies it.
type Runner interface {
	Run(ctx context.Context, job Job) (string, error)
}

// Enqueuer dispatches export jobs to a worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Key is the blob key of a record's export. It depends on the id alone so
// renaming a record keeps its export reachable.
func Key(recordID string) string {
	return path.Join("exports", recordID+".png")
}

// RecordID is the inverse of Key.
func RecordID(key string) (string, bool) {
	dir, file := path.Split(key)
	if dir != "exports/" || !strings.HasSuffix(file, ".png") {
		return "", false
	}
	id := strings.TrimSuffix(file, ".png")
	return id, id != ""
}

// Filename is the download name of a record's export.
func Filename(rec model.Record) string {
	return render.Filename(rec.Name) + ".png"
}

// LogoKey maps a style logo URL to its blob key. ok is false for URLs that
// do not point at an uploaded logo.
func LogoKey(logoURL string) (key string, ok bool) {
	if !strings.HasPrefix(logoURL, LogoPath) {
		return "", false
	}
	key, err := blob.CleanKey(strings.TrimPrefix(logoURL, "/"))
	if err != nil {
		return "", false
	}
	return key, true
}

// Renderer draws records, overlaying uploaded logos.
type Renderer struct {
	Logos  blob.Store
	Prefix string
	Logger *slog.Logger
}

// Image renders rec with its short link on origin as payload. A logo that
// cannot be loaded is skipped and logged.
func (r *Renderer) Image(ctx context.Context, rec model.Record, origin string) (image.Image, error) {
	link := redirect.Link(origin, r.Prefix, rec.ShortCode)
	return render.Render(link, rec.Style, r.logo(ctx, rec.Style.LogoURL))
}

// PNG renders rec and encodes it.
func (r *Renderer) PNG(ctx context.Context, rec model.Record, origin string) ([]byte, error) {
	img, err := r.Image(ctx, rec, origin)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := render.WritePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Renderer) logo(ctx context.Context, logoURL string) image.Image {
	if logoURL == "" || r.Logos == nil {
		return nil
	}
	key, ok := LogoKey(logoURL)
	if !ok {
		r.logger().WarnContext(ctx, "ignoring external logo", "logo_url", logoURL)
		return nil
	}
	rc, err := r.Logos.Open(ctx, key)
	if err != nil {
		r.logger().WarnContext(ctx, "logo unavailable", "key", key, "error", err)
		return nil
	}
	defer rc.Close()
	img, err := render.DecodeLogo(rc)
	if err != nil {
		r.logger().WarnContext(ctx, "logo undecodable", "key", key, "error", err)
		return nil
	}
	return img
}

func (r *Renderer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Exporter runs export jobs against a store.
type Exporter struct {
	store    store.Store
	renderer *Renderer
	out      blob.Store
	logger   *slog.Logger
}

// NewExporter wires an Exporter writing into out.
func NewExporter(s store.Store, renderer *Renderer, out blob.Store, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{store: s, renderer: renderer, out: out, logger: logger}
}

// record reads id after a reload, since the record may have been created or
// restyled by another process. A failed reload falls back to the table in
// memory.
func (e *Exporter) record(ctx context.Context, id string) (model.Record, error) {
	if err := e.store.Reload(ctx); err != nil {
		e.logger.WarnContext(ctx, "reload before export failed", "record_id", id, "error", err)
	}
	if rec, ok := e.store.Get(id); ok {
		return rec, nil
	}
	return model.Record{}, apperr.NotFound(fmt.Sprintf("qr code %s not found", id))
}

// Run renders the job's record and uploads it, returning the blob key.
func (e *Exporter) Run(ctx context.Context, job Job) (string, error) {
	rec, err := e.record(ctx, job.RecordID)
	if err != nil {
		return "", err
	}
	data, err := e.renderer.PNG(ctx, rec, job.Origin)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", rec.ID, err)
	}
	key := Key(rec.ID)
	if err := e.out.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "image/png"); err != nil {
		return "", fmt.Errorf("store export %s: %w", key, err)
	}
	e.logger.InfoContext(ctx, "export stored", "record_id", rec.ID, "key", key, "bytes", len(data))
	return key, nil
}

// URL returns a time-limited download URL for the record's latest export.
func (e *Exporter) URL(ctx context.Context, recordID string, ttl time.Duration) (string, error) {
	rec, ok := e.store.Get(recordID)
	if !ok {
		return "", apperr.NotFound("qr code not found")
	}
	key := Key(rec.ID)
	exists, err := e.out.Exists(ctx, key)
	if err != nil {
		return "", apperr.StorageUnavailable("check export", err)
	}
	if !exists {
		return "", apperr.NotFound("no export available yet")
	}
	return e.out.SignedURL(ctx, key, Filename(rec), ttl)
}

// IsPermanent reports whether retrying a failed Run cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation)
}
