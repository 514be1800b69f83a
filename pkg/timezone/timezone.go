// Package timezone projects stored absolute instants into caller-selected
// display timezones and aggregates them into hour-of-day and day-of-week
// histograms. Display zones are identified by the short labels the API
// exposes (IST, CST, PST, EST); each maps to a real IANA zone whose current
// offset rules apply, so PST renders as UTC-7 during Pacific daylight time
// even though the label says "standard".
package timezone

import (
	"fmt"
	"sync"
	"time"
)

// DefaultLabel is the display zone used when a caller supplies an unknown or
// empty timezone label. The permissive fallback is deliberate: the API never
// rejects a request over a bad zone name.
const DefaultLabel = "IST"

// zoneNames maps display labels to IANA zone identifiers.
var zoneNames = map[string]string{
	"IST": "Asia/Kolkata",
	"CST": "Asia/Shanghai",
	"PST": "America/Los_Angeles",
	"EST": "America/New_York",
}

// DayNames are ISO-ordered weekday names (Monday first), matching the
// weekday histogram bucket order.
var DayNames = [7]string{
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
}

var (
	locMu sync.Mutex
	locs  = make(map[string]*time.Location)
)

// Normalize returns label if it names a known display zone, DefaultLabel
// otherwise.
func Normalize(label string) string {
	if _, ok := zoneNames[label]; ok {
		return label
	}
	return DefaultLabel
}

// Location resolves a display label to its IANA location. Unknown labels
// fall back to DefaultLabel; an error means the zone database itself is
// unusable.
func Location(label string) (*time.Location, error) {
	name, ok := zoneNames[label]
	if !ok {
		name = zoneNames[DefaultLabel]
	}

	locMu.Lock()
	defer locMu.Unlock()
	if loc, ok := locs[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading zone %s: %w", name, err)
	}
	locs[name] = loc
	return loc, nil
}

// Project re-expresses an absolute instant in the display zone named by
// label. Deterministic: the same instant and label always yield identical
// local date/time fields.
func Project(instant time.Time, label string) (time.Time, error) {
	loc, err := Location(label)
	if err != nil {
		return time.Time{}, err
	}
	return instant.In(loc), nil
}

// isoWeekday maps Go's Sunday-first weekday to ISO numbering (Monday=0).
func isoWeekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// DefaultWeekWindow returns the Monday-00:00:00 to Monday-00:00:00 half-open
// 7-day span containing now, computed in the display zone. The walk back to
// Monday and the truncation to midnight both happen in local time, so
// "current week" means the caller's week, not the storage zone's.
func DefaultWeekWindow(now time.Time, label string) (start, end time.Time, err error) {
	loc, err := Location(label)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	local := now.In(loc)
	start = time.Date(local.Year(), local.Month(), local.Day()-isoWeekday(local), 0, 0, 0, 0, loc)
	end = start.AddDate(0, 0, 7)
	return start, end, nil
}

// ParseRangeBound parses a caller-supplied range boundary. RFC 3339 strings
// (including a trailing Z or explicit offset) are honored as written;
// zone-less date or date-time strings are interpreted in the display zone.
func ParseRangeBound(s, label string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	loc, err := Location(label)
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable date %q", s)
}

// Distribution holds hour-of-day and day-of-week histograms for a set of
// instants projected into one display zone. Hourly is indexed by local hour,
// Weekday by ISO weekday (Monday=0).
type Distribution struct {
	BusiestDay  string
	Hourly      [24]int
	Weekday     [7]int
	BusiestHour int
}

// Bucket projects every instant into the display zone and counts local hour
// and weekday occurrences. The busiest hour and day are the buckets with the
// maximum count; ties go to the lowest index (hour 0 before hour 1, Monday
// before Tuesday). An empty input yields all-zero histograms with busiest
// hour 0 and Monday.
func Bucket(instants []time.Time, label string) (Distribution, error) {
	loc, err := Location(label)
	if err != nil {
		return Distribution{}, err
	}

	var dist Distribution
	for _, instant := range instants {
		local := instant.In(loc)
		dist.Hourly[local.Hour()]++
		dist.Weekday[isoWeekday(local)]++
	}

	busiestHour := 0
	for h := 1; h < len(dist.Hourly); h++ {
		if dist.Hourly[h] > dist.Hourly[busiestHour] {
			busiestHour = h
		}
	}
	busiestDay := 0
	for d := 1; d < len(dist.Weekday); d++ {
		if dist.Weekday[d] > dist.Weekday[busiestDay] {
			busiestDay = d
		}
	}
	dist.BusiestHour = busiestHour
	dist.BusiestDay = DayNames[busiestDay]
	return dist, nil
}

// HourlyMap returns the hourly histogram keyed by local hour, every bucket
// present. Suitable for direct JSON encoding.
func (d Distribution) HourlyMap() map[int]int {
	m := make(map[int]int, len(d.Hourly))
	for h, count := range d.Hourly {
		m[h] = count
	}
	return m
}

// WeekdayMap returns the weekday histogram keyed by day name, every bucket
// present.
func (d Distribution) WeekdayMap() map[string]int {
	m := make(map[string]int, len(d.Weekday))
	for i, count := range d.Weekday {
		m[DayNames[i]] = count
	}
	return m
}
