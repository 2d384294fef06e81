package onem2m

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the oneM2M basic-format timestamp, always UTC.
const TimestampLayout = "20060102T150405"

// TimestampFractionLayout carries microseconds after a comma, the variant
// some originators send.
const TimestampFractionLayout = "20060102T150405,000000"

// FormatTime renders t as a oneM2M timestamp in UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Now returns the current time as a oneM2M timestamp.
func Now() string {
	return FormatTime(time.Now())
}

// ParseTime parses a oneM2M timestamp, with or without a fractional part.
func ParseTime(s string) (time.Time, error) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		t, err := time.Parse(TimestampFractionLayout, s)
		if err != nil {
			return time.Time{}, ErrBadRequest("invalid timestamp %q", s)
		}
		return t.UTC(), nil
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, ErrBadRequest("invalid timestamp %q", s)
	}
	return t.UTC(), nil
}

var allDigits = regexp.MustCompile(`^\d+$`)

// ParseAbsRel resolves a oneM2M absRelTimestamp: a plain integer is a
// relative offset in milliseconds from now, anything else is an absolute
// timestamp.
func ParseAbsRel(s string, now time.Time) (time.Time, error) {
	if allDigits.MatchString(s) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, ErrBadRequest("invalid relative timestamp %q", s)
		}
		return now.Add(time.Duration(ms) * time.Millisecond).UTC(), nil
	}
	return ParseTime(s)
}

var isoDuration = regexp.MustCompile(
	`^(-)?P(?:(\d+(?:\.\d+)?)Y)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)W)?(?:(\d+(?:\.\d+)?)D)?` +
		`(?:T(?:(\d+(?:\.\d+)?)H)?(?:(\d+(?:\.\d+)?)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration parses an ISO 8601 duration (for example "PT5M30S").
// Years and months use the nominal 365 and 30 day lengths since resource
// lifetimes do not need calendar arithmetic.
func ParseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "-P" {
		return 0, ErrBadRequest("invalid duration %q", s)
	}
	units := []time.Duration{
		365 * 24 * time.Hour, // years
		30 * 24 * time.Hour,  // months
		7 * 24 * time.Hour,   // weeks
		24 * time.Hour,       // days
		time.Hour,
		time.Minute,
		time.Second,
	}
	var total time.Duration
	seen := false
	for i, unit := range units {
		part := m[i+2]
		if part == "" {
			continue
		}
		seen = true
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return 0, ErrBadRequest("invalid duration %q", s)
		}
		total += time.Duration(f * float64(unit))
	}
	if !seen {
		return 0, ErrBadRequest("invalid duration %q", s)
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}

// ParseDurationOrMillis accepts either an ISO 8601 duration string or a
// bare integer interpreted as milliseconds, the two encodings oneM2M allows
// for window and batching durations.
func ParseDurationOrMillis(v any) (time.Duration, error) {
	switch d := v.(type) {
	case string:
		if allDigits.MatchString(d) {
			ms, _ := strconv.ParseInt(d, 10, 64)
			return time.Duration(ms) * time.Millisecond, nil
		}
		return ParseISODuration(d)
	default:
		if ms, ok := AsInt(v); ok {
			return time.Duration(ms) * time.Millisecond, nil
		}
	}
	return 0, ErrBadRequest("invalid duration value %v", v)
}

// CronFields is the number of fields in the extended cron syntax used by
// <schedule> scheduleElement strings: second minute hour day month weekday
// year.
const CronFields = 7

var cronFieldPattern = regexp.MustCompile(`^(\*|\d+(-\d+)?(/\d+)?)(,(\*|\d+(-\d+)?(/\d+)?))*$|^\*/\d+$`)

// ValidateCron checks a 7-field cron expression for structural validity.
// Field semantics are evaluated by the scheduler.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != CronFields {
		return ErrBadRequest("schedule element must have %d fields, got %d", CronFields, len(fields))
	}
	for i, f := range fields {
		if !cronFieldPattern.MatchString(f) {
			return ErrBadRequest("invalid schedule element field %d: %q", i+1, f)
		}
	}
	return nil
}
