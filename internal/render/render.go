// Package render turns a record's payload and style into a PNG image.
package render

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
)

// DefaultLogoRatio sizes a logo relative to the code when LogoSize is unset.
const DefaultLogoRatio = 0.2

func recoveryLevel(l model.ErrorCorrection) qrcode.RecoveryLevel {
	switch l {
	case model.LevelLow:
		return qrcode.Low
	case model.LevelQuartile:
		return qrcode.High
	case model.LevelHigh:
		return qrcode.Highest
	default:
		return qrcode.Medium
	}
}

// Render encodes content as a square image of style.Size pixels with
// style.Margin quiet-zone modules on each side. A non-nil logo is scaled to
// the logo size and centred on a background-coloured plate.
func Render(content string, style model.Style, logo image.Image) (image.Image, error) {
	if style.Size <= 0 {
		return nil, apperr.Validation("size must be positive")
	}
	fg, err := ParseColor(style.Color)
	if err != nil {
		return nil, err
	}
	bg, err := ParseColor(style.BackgroundColor)
	if err != nil {
		return nil, err
	}
	q, err := qrcode.New(content, recoveryLevel(style.ErrorCorrectionLevel))
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	q.DisableBorder = true
	bitmap := q.Bitmap()

	margin := style.Margin
	if margin < 0 {
		margin = 0
	}
	modules := len(bitmap) + 2*margin
	size := style.Size
	canvas := imaging.New(size, size, bg)
	for y := 0; y < size; y++ {
		my := y*modules/size - margin
		if my < 0 || my >= len(bitmap) {
			continue
		}
		row := bitmap[my]
		for x := 0; x < size; x++ {
			mx := x*modules/size - margin
			if mx >= 0 && mx < len(row) && row[mx] {
				canvas.SetNRGBA(x, y, fg)
			}
		}
	}

	if logo == nil {
		return canvas, nil
	}
	logoSize := LogoSize(style)
	if logoSize <= 0 {
		return canvas, nil
	}
	var scaled *image.NRGBA
	if b := logo.Bounds(); b.Dx() >= b.Dy() {
		scaled = imaging.Resize(logo, logoSize, 0, imaging.Lanczos)
	} else {
		scaled = imaging.Resize(logo, 0, logoSize, imaging.Lanczos)
	}
	plate := imaging.New(scaled.Bounds().Dx(), scaled.Bounds().Dy(), bg)
	out := imaging.PasteCenter(canvas, plate)
	return imaging.OverlayCenter(out, scaled, 1.0), nil
}

// LogoSize is the logo edge length in pixels for style.
func LogoSize(style model.Style) int {
	if style.LogoSize > 0 {
		return style.LogoSize
	}
	return int(float64(style.Size) * DefaultLogoRatio)
}

// WritePNG encodes img as PNG.
func WritePNG(w io.Writer, img image.Image) error {
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

// DecodeLogo reads an uploaded logo image.
func DecodeLogo(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, apperr.Validation("logo must be a PNG or JPEG image")
	}
	return img, nil
}

// ParseColor parses "#rrggbb".
func ParseColor(hex string) (color.NRGBA, error) {
	if len(hex) != 7 || hex[0] != '#' {
		return color.NRGBA{}, apperr.Validation(fmt.Sprintf("invalid color %q", hex))
	}
	v, err := strconv.ParseUint(hex[1:], 16, 32)
	if err != nil {
		return color.NRGBA{}, apperr.Validation(fmt.Sprintf("invalid color %q", hex))
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// Filename derives the download file name (without extension) from a record
// name. Characters outside letters, digits, dot, dash and underscore become
// dashes; an empty result falls back to "qrcode".
func Filename(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "qrcode"
	}
	return out
}
