package model

import (
	"net/url"
	"strings"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
)

// ValidateURL accepts only absolute URLs: a scheme plus either a host
// ("https://example.com") or an opaque part ("mailto:a@example.com").
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return apperr.Validation("target URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return apperr.Validation("target URL must be a valid absolute URL")
	}
	return nil
}

// ValidateNew checks the generator form input before a record is created.
func ValidateNew(name, rawURL string) error {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(rawURL) == "" {
		return apperr.Validation("name and target URL are required")
	}
	return ValidateURL(rawURL)
}

// ValidateStyle rejects styles that cannot be rendered.
func ValidateStyle(s Style) error {
	if s.Size < 100 || s.Size > 500 {
		return apperr.Validation("size must be between 100 and 500")
	}
	if s.Margin < 0 || s.Margin > 10 {
		return apperr.Validation("margin must be between 0 and 10")
	}
	if !s.ErrorCorrectionLevel.Valid() {
		return apperr.Validation("error correction level must be one of L, M, Q, H")
	}
	if !isHexColor(s.Color) || !isHexColor(s.BackgroundColor) {
		return apperr.Validation("colors must be #rrggbb")
	}
	if s.LogoSize < 0 || s.LogoSize > s.Size/2 {
		return apperr.Validation("logo size must be at most half the code size")
	}
	return nil
}

func isHexColor(c string) bool {
	if len(c) != 7 || c[0] != '#' {
		return false
	}
	for _, r := range c[1:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
