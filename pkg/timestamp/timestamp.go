// Package timestamp normalizes scraped Quora posted-at strings into absolute
// instants. Quora renders revision-log timestamps as local wall-clock time in
// the profile's display timezone; for the profile this project tracks that is
// Indian Standard Time (Asia/Kolkata, UTC+5:30, no DST). The anchor zone is
// configuration, not inference: every parsed instant is interpreted in
// SourceZone and nothing here ever consults the machine's local clock.
package timestamp

import (
	"fmt"
	"sync"
	"time"
)

// SourceZone is the fixed IANA zone raw timestamps are local to.
const SourceZone = "Asia/Kolkata"

// Layout matches strings like "June 27, 2025 at 10:26:56 PM": full month
// name, no leading zeros required on day or hour, 12-hour clock with AM/PM.
const Layout = "January 2, 2006 at 3:04:05 PM"

var sourceLocation = sync.OnceValues(func() (*time.Location, error) {
	return time.LoadLocation(SourceZone)
})

// ParseError reports a raw timestamp string that does not match Layout.
// Callers are expected to persist the raw string anyway and leave the
// normalized instant absent.
type ParseError struct {
	Err   error
	Input string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparsable timestamp %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse converts a raw posted-at string into an absolute instant anchored in
// SourceZone. It is a pure function of the input and the zone constant:
// identical input always yields the identical instant. Any lexical deviation
// from Layout (empty string, wrong separators, bad month name, out-of-range
// fields) returns a *ParseError.
func Parse(raw string) (time.Time, error) {
	loc, err := sourceLocation()
	if err != nil {
		return time.Time{}, fmt.Errorf("loading source zone %s: %w", SourceZone, err)
	}
	if raw == "" {
		return time.Time{}, &ParseError{Input: raw, Err: fmt.Errorf("empty string")}
	}
	t, err := time.ParseInLocation(Layout, raw, loc)
	if err != nil {
		return time.Time{}, &ParseError{Input: raw, Err: err}
	}
	return t, nil
}

// SourceLocation returns the loaded SourceZone location. It is exposed for
// callers that need to re-render instants in the source zone (tests, status
// output); storage always uses UTC.
func SourceLocation() (*time.Location, error) {
	return sourceLocation()
}
