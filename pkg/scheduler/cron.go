package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// field positions of the extended cron syntax used by <schedule>
// scheduleElement strings: second minute hour day month weekday year.
const (
	fieldSecond = iota
	fieldMinute
	fieldHour
	fieldDay
	fieldMonth
	fieldWeekday
	fieldYear
	fieldCount
)

var fieldBounds = [fieldCount][2]int{
	{0, 59},      // second
	{0, 59},      // minute
	{0, 23},      // hour
	{1, 31},      // day of month
	{1, 12},      // month
	{0, 7},       // weekday, 0 and 7 both mean Sunday
	{1970, 2099}, // year
}

// cronField is the parsed value set of one field. any avoids materializing
// the full year range for "*".
type cronField struct {
	any    bool
	values map[int]bool
}

func (f cronField) matches(v int) bool {
	if f.any {
		return true
	}
	return f.values[v]
}

// CronExpr is a parsed 7-field cron expression.
type CronExpr struct {
	fields [fieldCount]cronField
	source string
}

// ParseCron parses a 7-field cron expression. Fields accept "*", single
// values, ranges "a-b", steps "*/n" and "a-b/n", and comma lists.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != fieldCount {
		return nil, fmt.Errorf("cron expression must have %d fields, got %d: %q", fieldCount, len(parts), expr)
	}

	c := &CronExpr{source: expr}
	for i, part := range parts {
		field, err := parseCronField(part, fieldBounds[i][0], fieldBounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("cron field %d (%q): %w", i+1, part, err)
		}
		if i == fieldWeekday && !field.any {
			// 7 is an alias for Sunday
			if field.values[7] {
				delete(field.values, 7)
				field.values[0] = true
			}
		}
		c.fields[i] = field
	}
	return c, nil
}

func parseCronField(s string, lo, hi int) (cronField, error) {
	if s == "*" {
		return cronField{any: true}, nil
	}

	values := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		rangePart := part
		step := 1

		if i := strings.IndexByte(part, '/'); i >= 0 {
			rangePart = part[:i]
			n, err := strconv.Atoi(part[i+1:])
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}

		start, end := lo, hi
		switch {
		case rangePart == "*":
			// full range with step
		case strings.Contains(rangePart, "-"):
			bounds := strings.SplitN(rangePart, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil {
				return cronField{}, fmt.Errorf("invalid range %q", rangePart)
			}
			start, end = a, b
		default:
			v, err := strconv.Atoi(rangePart)
			if err != nil {
				return cronField{}, fmt.Errorf("invalid value %q", rangePart)
			}
			start, end = v, v
		}

		if start < lo || end > hi || start > end {
			return cronField{}, fmt.Errorf("value out of range %d-%d", lo, hi)
		}
		for v := start; v <= end; v += step {
			values[v] = true
		}
	}

	if len(values) == 0 {
		return cronField{}, fmt.Errorf("empty value set")
	}
	return cronField{values: values}, nil
}

// Matches reports whether t satisfies the expression. Evaluation uses the
// location of t.
func (c *CronExpr) Matches(t time.Time) bool {
	return c.fields[fieldSecond].matches(t.Second()) &&
		c.fields[fieldMinute].matches(t.Minute()) &&
		c.fields[fieldHour].matches(t.Hour()) &&
		c.matchesDate(t)
}

func (c *CronExpr) matchesDate(t time.Time) bool {
	return c.fields[fieldDay].matches(t.Day()) &&
		c.fields[fieldMonth].matches(int(t.Month())) &&
		c.fields[fieldWeekday].matches(int(t.Weekday())) &&
		c.fields[fieldYear].matches(t.Year())
}

// cronHorizon bounds the Next search; an expression with no occurrence in
// this window is treated as never firing.
const cronHorizon = 5 * 365 * 24 * time.Hour

// Next returns the first time strictly after `after` that matches the
// expression, or false when no occurrence exists within the search horizon.
func (c *CronExpr) Next(after time.Time) (time.Time, bool) {
	t := after.Add(time.Second).Truncate(time.Second)
	limit := after.Add(cronHorizon)

	for t.Before(limit) {
		if !c.fields[fieldYear].matches(t.Year()) {
			t = time.Date(t.Year()+1, 1, 1, 0, 0, 0, 0, t.Location())
			continue
		}
		if !c.fields[fieldMonth].matches(int(t.Month())) {
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
			continue
		}
		if !c.fields[fieldDay].matches(t.Day()) || !c.fields[fieldWeekday].matches(int(t.Weekday())) {
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
			continue
		}
		if !c.fields[fieldHour].matches(t.Hour()) {
			t = t.Truncate(time.Hour).Add(time.Hour)
			continue
		}
		if !c.fields[fieldMinute].matches(t.Minute()) {
			t = t.Truncate(time.Minute).Add(time.Minute)
			continue
		}
		if !c.fields[fieldSecond].matches(t.Second()) {
			t = t.Add(time.Second)
			continue
		}
		return t, true
	}
	return time.Time{}, false
}

// String returns the original expression.
func (c *CronExpr) String() string {
	return c.source
}
