// Package model contains the record types shared by the store, the redirect
// handler, analytics and the HTTP layer. JSON field names follow the persisted
// state layout so old blobs decode without translation.
package model

import (
	"time"
)

// Device classes recorded on a scan.
const (
	DeviceMobile  = "Mobile"
	DeviceDesktop = "Desktop"
	// DeviceTablet only ever appears in seeded demo data.
	DeviceTablet = "Tablet"
)

// Unknown is the placeholder written to ip, country and city.
const Unknown = "unknown"

// ErrorCorrection is the QR error correction level.
type ErrorCorrection string

const (
	LevelLow      ErrorCorrection = "L"
	LevelMedium   ErrorCorrection = "M"
	LevelQuartile ErrorCorrection = "Q"
	LevelHigh     ErrorCorrection = "H"
)

// Valid reports whether l is one of L, M, Q, H.
func (l ErrorCorrection) Valid() bool {
	switch l {
	case LevelLow, LevelMedium, LevelQuartile, LevelHigh:
		return true
	}
	return false
}

// Style holds the visual rendering parameters of a code.
type Style struct {
	Size                 int             `json:"size"`
	Color                string          `json:"color"`
	BackgroundColor      string          `json:"backgroundColor"`
	ErrorCorrectionLevel ErrorCorrection `json:"errorCorrectionLevel"`
	Margin               int             `json:"margin"`
	LogoURL              string          `json:"logoUrl,omitempty"`
	LogoSize             int             `json:"logoSize,omitempty"`
}

// DefaultStyle returns the style every new record starts from.
func DefaultStyle() Style {
	return Style{
		Size:                 200,
		Color:                "#000000",
		BackgroundColor:      "#ffffff",
		ErrorCorrectionLevel: LevelMedium,
		Margin:               4,
	}
}

// StyleOverrides carries the style fields a caller explicitly set. Nil fields
// keep the base value.
type StyleOverrides struct {
	Size                 *int
	Color                *string
	BackgroundColor      *string
	ErrorCorrectionLevel *ErrorCorrection
	Margin               *int
	LogoURL              *string
	LogoSize             *int
}

// MergeStyle applies o on top of base.
func MergeStyle(base Style, o StyleOverrides) Style {
	out := base
	if o.Size != nil {
		out.Size = *o.Size
	}
	if o.Color != nil {
		out.Color = *o.Color
	}
	if o.BackgroundColor != nil {
		out.BackgroundColor = *o.BackgroundColor
	}
	if o.ErrorCorrectionLevel != nil {
		out.ErrorCorrectionLevel = *o.ErrorCorrectionLevel
	}
	if o.Margin != nil {
		out.Margin = *o.Margin
	}
	if o.LogoURL != nil {
		out.LogoURL = *o.LogoURL
	}
	if o.LogoSize != nil {
		out.LogoSize = *o.LogoSize
	}
	return out
}

// Scan is one recorded visit of a short link.
type Scan struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserAgent string    `json:"userAgent"`
	IP        string    `json:"ip"`
	Country   string    `json:"country,omitempty"`
	City      string    `json:"city,omitempty"`
	Device    string    `json:"device"`
}

// Record is a dynamic QR code. ID, OriginalURL, ShortCode and CreatedAt never
// change after creation; Scans is append-only.
type Record struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OriginalURL string    `json:"originalUrl"`
	CurrentURL  string    `json:"currentUrl"`
	ShortCode   string    `json:"shortCode"`
	CreatedAt   time.Time `json:"createdAt"`
	Style       Style     `json:"style"`
	Scans       []Scan    `json:"scans"`
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	out := r
	out.Scans = make([]Scan, len(r.Scans))
	copy(out.Scans, r.Scans)
	return out
}

// Patch lists the mutable fields Update may change.
type Patch struct {
	Name       *string
	CurrentURL *string
	Style      *Style
}

// Apply merges p into r.
func (p Patch) Apply(r *Record) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.CurrentURL != nil {
		r.CurrentURL = *p.CurrentURL
	}
	if p.Style != nil {
		r.Style = *p.Style
	}
}

// Now returns the current time in UTC at millisecond precision, the
// resolution timestamps are persisted with.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
