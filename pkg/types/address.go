package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Address encodes one range query against the time-series store.
//
// Two textual forms exist:
//
//	RTU1,RTU2@2024-05-01 09:00:00~2024-05-01 09:04:00#60
//	RTU1,RTU2@2024-05-01~2024-05-31 08:00:00#86400
//
// The first is a plain time range, the second a date range sampled at one
// time of day (a day×day grid).
type Address struct {
	Series   []string
	Start    time.Time
	End      time.Time
	Interval time.Duration

	// DateRange switches to the second form. Start and End then carry the
	// first and last day, and TimeOfDay the offset from midnight.
	DateRange bool
	TimeOfDay time.Duration
}

// String renders the address in its wire form.
func (a Address) String() string {
	var b strings.Builder
	b.WriteString(strings.Join(a.Series, ","))
	b.WriteByte('@')
	if a.DateRange {
		b.WriteString(a.Start.Format(DateLayout))
		b.WriteByte('~')
		b.WriteString(a.End.Format(DateLayout))
		b.WriteByte(' ')
		b.WriteString(FormatClock(a.TimeOfDay))
	} else {
		b.WriteString(a.Start.Format(TimeLayout))
		b.WriteByte('~')
		b.WriteString(a.End.Format(TimeLayout))
	}
	b.WriteByte('#')
	b.WriteString(strconv.FormatInt(int64(a.Interval/time.Second), 10))
	return b.String()
}

// Instants returns the sampling instants of a date-range address, one per day.
func (a Address) Instants() []time.Time {
	if !a.DateRange {
		return nil
	}
	var out []time.Time
	for d := a.Start; !d.After(a.End); d = d.AddDate(0, 0, 1) {
		out = append(out, d.Add(a.TimeOfDay))
	}
	return out
}

// ParseAddress decodes the wire form. Wall-clock values are interpreted in loc
// (UTC when nil).
func ParseAddress(s string, loc *time.Location) (Address, error) {
	if loc == nil {
		loc = time.UTC
	}
	var a Address

	at := strings.IndexByte(s, '@')
	hash := strings.LastIndexByte(s, '#')
	if at <= 0 || hash < at {
		return a, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}

	for _, id := range strings.Split(s[:at], ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			return a, fmt.Errorf("%w: empty series id in %q", ErrBadAddress, s)
		}
		a.Series = append(a.Series, id)
	}

	secs, err := strconv.ParseInt(strings.TrimSpace(s[hash+1:]), 10, 64)
	if err != nil || secs < 0 {
		return a, fmt.Errorf("%w: bad interval in %q", ErrBadAddress, s)
	}
	a.Interval = time.Duration(secs) * time.Second

	span := s[at+1 : hash]
	left, right, ok := strings.Cut(span, "~")
	if !ok {
		return a, fmt.Errorf("%w: missing '~' in %q", ErrBadAddress, s)
	}
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)

	if len(left) == len(DateLayout) {
		endDay, clock, ok := strings.Cut(right, " ")
		if !ok {
			return a, fmt.Errorf("%w: date range without time of day in %q", ErrBadAddress, s)
		}
		if a.Start, err = time.ParseInLocation(DateLayout, left, loc); err != nil {
			return a, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
		if a.End, err = time.ParseInLocation(DateLayout, endDay, loc); err != nil {
			return a, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
		if a.TimeOfDay, err = ParseClock(clock); err != nil {
			return a, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
		a.DateRange = true
	} else {
		if a.Start, err = time.ParseInLocation(TimeLayout, left, loc); err != nil {
			return a, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
		if a.End, err = time.ParseInLocation(TimeLayout, right, loc); err != nil {
			return a, fmt.Errorf("%w: %v", ErrBadAddress, err)
		}
	}

	if a.End.Before(a.Start) {
		return a, fmt.Errorf("%w: end before start in %q", ErrBadAddress, s)
	}
	return a, nil
}

// ParseClock parses "HH:MM" or "HH:MM:SS" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	limits := []int{23, 59, 59}
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		d += time.Duration(n) * units[i]
	}
	return d, nil
}

// FormatClock renders an offset from midnight as HH:MM:SS.
func FormatClock(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
