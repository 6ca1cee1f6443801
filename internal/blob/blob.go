// Package blob stores opaque objects (logo uploads, rendered exports) under
// slash-separated keys.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dharsanguruparan/DynQR/internal/signing"
)

// ErrNotFound is returned when a key holds no object.
var ErrNotFound = errors.New("blob not found")

// Store is implemented by Dir and by s3storage.Storage.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// SignedURL returns a time-limited GET URL for key, downloaded as
	// filename. Dir returns a path relative to the server origin and leaves
	// naming to the handler serving it.
	SignedURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error)
}

// CleanKey rejects keys that could escape the store root.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return cleaned, nil
}

// Dir keeps objects as files below a root directory.
type Dir struct {
	root   string
	signer *signing.Signer
	now    func() time.Time
}

// NewDir creates root if needed.
func NewDir(root string, signer *signing.Signer) (*Dir, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Dir{root: root, signer: signer, now: time.Now}, nil
}

func (d *Dir) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(cleaned)), nil
}

// Put streams r into a temp file and renames it into place. size and
// contentType are unused on disk.
func (d *Dir) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	dst, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create blob parent: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("move blob: %w", err)
	}
	return nil
}

func (d *Dir) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (d *Dir) Exists(ctx context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

// SignedURL returns /download?key=...&expires=...&signature=...
func (d *Dir) SignedURL(ctx context.Context, key, filename string, ttl time.Duration) (string, error) {
	if _, err := CleanKey(key); err != nil {
		return "", err
	}
	q := d.signer.Query(key, ttl, d.now())
	return (&url.URL{Path: "/download", RawQuery: q.Encode()}).String(), nil
}
