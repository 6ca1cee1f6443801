// Package analytics derives scan statistics from records. Everything here is
// a pure function of its inputs.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/dharsanguruparan/DynQR/internal/apperr"
	"github.com/dharsanguruparan/DynQR/internal/model"
)

// Windows lists the accepted window lengths in days.
var Windows = []int{7, 30, 90}

// DefaultDays is the window used when none is requested.
const DefaultDays = 7

// Query selects the scope and window of a Report. An empty RecordID means
// every record.
type Query struct {
	RecordID string
	Days     int
}

// DailyPoint counts scans on one calendar day.
type DailyPoint struct {
	Label string `json:"label"`
	Date  string `json:"date"`
	Scans int    `json:"scans"`
}

// HourlyPoint counts scans in one hour of the day.
type HourlyPoint struct {
	Hour  int    `json:"hour"`
	Label string `json:"label"`
	Scans int    `json:"scans"`
}

// DeviceCount counts scans for one device class.
type DeviceCount struct {
	Device string `json:"device"`
	Count  int    `json:"count"`
}

// RankEntry is one row of the all-records ranking.
type RankEntry struct {
	RecordID    string `json:"recordId"`
	Name        string `json:"name"`
	ShortCode   string `json:"shortCode"`
	RecentScans int    `json:"recentScans"`
	TotalScans  int    `json:"totalScans"`
}

// Report is the analytics view model.
type Report struct {
	RecordID       string        `json:"recordId,omitempty"`
	Days           int           `json:"days"`
	TotalScans     int           `json:"totalScans"`
	UniqueDevices  int           `json:"uniqueDevices"`
	UniqueIPs      int           `json:"uniqueIps"`
	AvgScansPerDay int           `json:"avgScansPerDay"`
	Daily          []DailyPoint  `json:"daily"`
	Devices        []DeviceCount `json:"devices"`
	Hourly         []HourlyPoint `json:"hourly"`
	Ranking        []RankEntry   `json:"ranking,omitempty"`
}

// ValidWindow reports whether days is one of Windows.
func ValidWindow(days int) bool {
	for _, w := range Windows {
		if w == days {
			return true
		}
	}
	return false
}

// Compute builds the Report for q at instant now. Calendar days and hours are
// taken in now's location. A scan is inside the window when its timestamp is
// strictly after now minus q.Days days.
func Compute(records []model.Record, q Query, now time.Time) (Report, error) {
	if !ValidWindow(q.Days) {
		return Report{}, apperr.Validation("days must be one of 7, 30, 90")
	}
	loc := now.Location()
	cutoff := now.AddDate(0, 0, -q.Days)

	scope := records
	if q.RecordID != "" {
		scope = nil
		for _, r := range records {
			if r.ID == q.RecordID {
				scope = []model.Record{r}
				break
			}
		}
	}

	var inWindow []model.Scan
	for _, r := range scope {
		inWindow = append(inWindow, recent(r.Scans, cutoff)...)
	}

	rep := Report{
		RecordID:   q.RecordID,
		Days:       q.Days,
		TotalScans: len(inWindow),
		Devices:    []DeviceCount{},
	}

	devices := map[string]int{}
	ips := map[string]struct{}{}
	for _, sc := range inWindow {
		if _, seen := devices[sc.Device]; !seen {
			rep.Devices = append(rep.Devices, DeviceCount{Device: sc.Device})
		}
		devices[sc.Device]++
		ips[sc.IP] = struct{}{}
	}
	for i := range rep.Devices {
		rep.Devices[i].Count = devices[rep.Devices[i].Device]
	}
	rep.UniqueDevices = len(devices)
	rep.UniqueIPs = len(ips)
	rep.AvgScansPerDay = int(math.Floor(float64(rep.TotalScans)/float64(q.Days) + 0.5))

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	rep.Daily = make([]DailyPoint, q.Days)
	for i := 0; i < q.Days; i++ {
		start := today.AddDate(0, 0, i-(q.Days-1))
		end := start.AddDate(0, 0, 1)
		count := 0
		for _, sc := range inWindow {
			ts := sc.Timestamp.In(loc)
			if !ts.Before(start) && ts.Before(end) {
				count++
			}
		}
		rep.Daily[i] = DailyPoint{
			Label: start.Format("01/02"),
			Date:  start.Format("2006-01-02"),
			Scans: count,
		}
	}

	rep.Hourly = make([]HourlyPoint, 24)
	for h := range rep.Hourly {
		rep.Hourly[h] = HourlyPoint{Hour: h, Label: time.Date(2000, 1, 1, h, 0, 0, 0, time.UTC).Format("15:04")}
	}
	for _, sc := range inWindow {
		rep.Hourly[sc.Timestamp.In(loc).Hour()].Scans++
	}

	if q.RecordID == "" {
		rep.Ranking = Rank(records, cutoff)
	}
	return rep, nil
}

// Rank orders records by scans after cutoff, most first. Ties keep store
// order.
func Rank(records []model.Record, cutoff time.Time) []RankEntry {
	out := make([]RankEntry, len(records))
	for i, r := range records {
		out[i] = RankEntry{
			RecordID:    r.ID,
			Name:        r.Name,
			ShortCode:   r.ShortCode,
			RecentScans: len(recent(r.Scans, cutoff)),
			TotalScans:  len(r.Scans),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecentScans > out[j].RecentScans
	})
	return out
}

func recent(scans []model.Scan, cutoff time.Time) []model.Scan {
	var out []model.Scan
	for _, sc := range scans {
		if sc.Timestamp.After(cutoff) {
			out = append(out, sc)
		}
	}
	return out
}
