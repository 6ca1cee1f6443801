package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
)

// createRecord validates the input, stores an uploaded logo and creates the
// record. A logo without an explicit size gets a fifth of the code size.
func (s *Server) createRecord(ctx context.Context, name, target string, o model.StyleOverrides, logo *logoUpload) (model.Record, error) {
	name, target = strings.TrimSpace(name), strings.TrimSpace(target)
	if err := model.ValidateNew(name, target); err != nil {
		return model.Record{}, err
	}
	if err := model.ValidateStyle(model.MergeStyle(model.DefaultStyle(), o)); err != nil {
		return model.Record{}, err
	}
	if logo != nil {
		logoURL, err := s.saveLogo(ctx, logo)
		if err != nil {
			return model.Record{}, err
		}
		o.LogoURL = &logoURL
	}
	if o.LogoURL != nil && *o.LogoURL != "" && o.LogoSize == nil {
		size := model.MergeStyle(model.DefaultStyle(), o).Size / 5
		o.LogoSize = &size
	}
	return s.store.Create(ctx, name, target, o)
}

// lookup returns the record or a not-found error.
func (s *Server) lookup(id string) (model.Record, error) {
	rec, ok := s.store.Get(id)
	if !ok {
		return model.Record{}, apperr.NotFound("qr code not found")
	}
	return rec, nil
}

// setTarget validates and applies a new redirect target.
func (s *Server) setTarget(ctx context.Context, id, target string) error {
	if _, err := s.lookup(id); err != nil {
		return err
	}
	target = strings.TrimSpace(target)
	if err := model.ValidateURL(target); err != nil {
		return err
	}
	return s.store.SetCurrentURL(ctx, id, target)
}

// overridesFromForm reads the style fields a form actually filled in.
func overridesFromForm(in formInput) (model.StyleOverrides, error) {
	var o model.StyleOverrides
	ints := []struct {
		field string
		dst   **int
	}{
		{"size", &o.Size},
		{"margin", &o.Margin},
		{"logoSize", &o.LogoSize},
	}
	for _, f := range ints {
		if !in.has(f.field) {
			continue
		}
		v, err := strconv.Atoi(in.get(f.field))
		if err != nil {
			return o, apperr.Validation(f.field + " must be a number")
		}
		*f.dst = &v
	}
	if in.has("color") {
		c := strings.ToLower(in.get("color"))
		o.Color = &c
	}
	if in.has("backgroundColor") {
		c := strings.ToLower(in.get("backgroundColor"))
		o.BackgroundColor = &c
	}
	if in.has("errorCorrectionLevel") {
		l := model.ErrorCorrection(strings.ToUpper(in.get("errorCorrectionLevel")))
		o.ErrorCorrectionLevel = &l
	}
	return o, nil
}
