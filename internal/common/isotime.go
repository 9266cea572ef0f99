package common

import (
	"fmt"
	"strings"
	"time"
)

// isoLayout is the UWS timestamp layout. The trailing Z is a literal; UWS
// timestamps are always UTC with whole-second precision.
const isoLayout = "2006-01-02T15:04:05Z"

// Now returns the current time in UTC truncated to whole seconds, the
// precision UWS timestamps carry.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Isodatetime formats a time as a UWS timestamp (YYYY-MM-DDTHH:MM:SSZ).
// The time is converted to UTC and truncated to whole seconds.
func Isodatetime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(isoLayout)
}

// ParseIsodatetime parses a UWS timestamp. The trailing Z is mandatory;
// offset notations other than Z and fractional seconds are rejected.
func ParseIsodatetime(s string) (time.Time, error) {
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, fmt.Errorf("timestamp %q must be UTC with a trailing Z", s)
	}
	t, err := time.Parse(isoLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
