package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/export"
)

// logoTypes maps the accepted sniffed content types to file extensions.
var logoTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
}

// logoUpload is a logo read from a multipart part but not yet stored.
type logoUpload struct {
	data        []byte
	contentType string
}

// formInput collects the text fields and the optional logo of a multipart
// or urlencoded form.
type formInput struct {
	values map[string]string
	logo   *logoUpload
}

func (f formInput) get(name string) string {
	return strings.TrimSpace(f.values[name])
}

// has reports whether the field was sent with a non-blank value.
func (f formInput) has(name string) bool {
	return f.get(name) != ""
}

const maxFieldBytes = 8 << 10

// readForm streams a multipart body part by part so the logo never sits in a
// temporary file; urlencoded bodies fall back to ParseForm.
func (s *Server) readForm(w http.ResponseWriter, r *http.Request) (formInput, error) {
	in := formInput{values: map[string]string{}}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxLogoSize+64<<10)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseForm(); err != nil {
			return in, apperr.Validation("malformed form")
		}
		for k := range r.PostForm {
			in.values[k] = r.PostForm.Get(k)
		}
		return in, nil
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return in, apperr.Validation("expecting multipart form")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return in, apperr.Validation("failed to read form")
		}
		if part.FormName() == "logo" {
			logo, err := s.readLogoPart(part)
			if err != nil {
				return in, err
			}
			in.logo = logo
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
		part.Close()
		if err != nil {
			return in, apperr.Validation("failed to read form")
		}
		in.values[part.FormName()] = string(value)
	}
	return in, nil
}

// readLogoPart buffers an uploaded logo, enforcing the size limit and
// sniffing the first 512 bytes. An empty part (no file chosen) yields nil.
func (s *Server) readLogoPart(part *multipart.Part) (*logoUpload, error) {
	defer part.Close()
	var data bytes.Buffer
	buf := make([]byte, 32*1024)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			if int64(data.Len()+n) > s.cfg.MaxLogoSize {
				return nil, apperr.Validation("logo exceeds size limit")
			}
			data.Write(buf[:n])
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return nil, apperr.Validation("failed to read logo")
		}
	}
	if data.Len() == 0 {
		return nil, nil
	}
	sniff := data.Bytes()
	if len(sniff) > 512 {
		sniff = sniff[:512]
	}
	contentType := http.DetectContentType(sniff)
	if _, ok := logoTypes[contentType]; !ok {
		return nil, apperr.Validation("logo must be a PNG or JPEG image")
	}
	return &logoUpload{data: data.Bytes(), contentType: contentType}, nil
}

// saveLogo stores the upload under a fresh key and returns the URL the style
// refers to it by.
func (s *Server) saveLogo(ctx context.Context, logo *logoUpload) (string, error) {
	if s.logos == nil {
		return "", apperr.Validation("logo uploads are disabled")
	}
	name := uuid.NewString() + logoTypes[logo.contentType]
	logoURL := export.LogoPath + name
	key, _ := export.LogoKey(logoURL)
	if err := s.logos.Put(ctx, key, bytes.NewReader(logo.data), int64(len(logo.data)), logo.contentType); err != nil {
		return "", apperr.StorageUnavailable("store logo", err)
	}
	s.logger.InfoContext(ctx, "logo stored", "key", key, "bytes", len(logo.data), "content_type", logo.contentType)
	return logoURL, nil
}
