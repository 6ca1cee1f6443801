// Package seed fills an empty store with demo records and backdated scans.
package seed

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
	"github.com/dharsanguruparan/DynQR/internal/store"
)

type demo struct {
	name  string
	url   string
	color string
	size  int
}

var demos = []demo{
	{name: "Official Website", url: "https://example.com", color: "#1f2937", size: 200},
	{name: "Product Overview", url: "https://product.example.com", color: "#dc2626", size: 250},
	{name: "Contact Us", url: "https://contact.example.com", color: "#059669", size: 180},
}

var (
	devices   = []string{model.DeviceMobile, model.DeviceDesktop, model.DeviceTablet}
	countries = []string{"China", "United States", "Japan", "Germany"}
	cities    = []string{"Beijing", "Shanghai", "Guangzhou", "Shenzhen"}
)

// Demo creates three records with 10..59 scans each, spread over the 30 days
// before now. It refuses to touch a store that already has records.
func Demo(ctx context.Context, s store.Store, rng *rand.Rand, now time.Time) ([]model.Record, error) {
	if len(s.List()) > 0 {
		return nil, apperr.Conflict("demo data can only be added to an empty store")
	}
	bg := "#ffffff"
	out := make([]model.Record, 0, len(demos))
	for _, d := range demos {
		color, size := d.color, d.size
		rec, err := s.Create(ctx, d.name, d.url, model.StyleOverrides{
			Color:           &color,
			BackgroundColor: &bg,
			Size:            &size,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", d.name, err)
		}
		count := rng.Intn(50) + 10
		for i := 0; i < count; i++ {
			ts := now.AddDate(0, 0, -rng.Intn(30)).Add(-time.Duration(rng.Intn(24)) * time.Hour)
			sc := model.Scan{
				Timestamp: ts.UTC(),
				UserAgent: fmt.Sprintf("Demo User Agent %d", i),
				IP:        fmt.Sprintf("192.168.1.%d", rng.Intn(255)),
				Device:    devices[rng.Intn(len(devices))],
				Country:   countries[rng.Intn(len(countries))],
				City:      cities[rng.Intn(len(cities))],
			}
			if err := s.AppendScan(ctx, rec.ID, sc); err != nil {
				return nil, fmt.Errorf("add scan to %s: %w", d.name, err)
			}
		}
		rec, _ = s.Get(rec.ID)
		out = append(out, rec)
	}
	return out, nil
}
