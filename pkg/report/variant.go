package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/vjranagit/tsreport/pkg/cache"
	"github.com/vjranagit/tsreport/pkg/plan"
	"github.com/vjranagit/tsreport/pkg/scan"
)

// Kind selects a report layout.
type Kind int

const (
	// Day reports read one point per data marker at the row's #Time.
	Day Kind = iota
	// Month reports read one point per data marker at the row's #Day, all at
	// the same #TimeOfDay.
	Month
	// Unified reports sample every data marker's series along a regular axis
	// and fill the cells below it.
	Unified
)

func (k Kind) String() string {
	switch k {
	case Month:
		return "month"
	case Unified:
		return "unified"
	default:
		return "day"
	}
}

// ParseKind parses a variant name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "day":
		return Day, nil
	case "month":
		return Month, nil
	case "unified":
		return Unified, nil
	}
	return Day, fmt.Errorf("unknown report variant %q", s)
}

// Variant holds the per-layout policy.
type Variant struct {
	Kind Kind
	// Interval is the query interval of day and unified reports.
	Interval time.Duration
	// Tolerance overrides the layout's default match tolerance when set.
	Tolerance time.Duration
}

// ScanOptions returns how the scanner validates this layout.
func (v Variant) ScanOptions(reportDate time.Time, loc *time.Location) scan.Options {
	opts := scan.Options{DefaultDate: reportDate, Location: loc}
	switch v.Kind {
	case Unified:
		opts.AllowBareTime = true
	default:
		opts.RequireDate = true
		opts.RequireRowTime = true
	}
	return opts
}

// TaskTime returns a task's effective time from the scan context.
func (v Variant) TaskTime(c *scan.Context, t scan.QueryTask) (time.Time, bool) {
	base, ok := c.BaseDate()
	if !ok {
		return time.Time{}, false
	}
	switch v.Kind {
	case Day:
		tod, ok := c.RowTimes[t.Row]
		if !ok {
			return time.Time{}, false
		}
		return base.Add(tod), true
	case Month:
		day, ok := c.RowDays[t.Row]
		if !ok {
			return time.Time{}, false
		}
		return base.AddDate(0, 0, day-1).Add(c.TimeOfDay), true
	}
	return time.Time{}, false
}

// BuildPlan groups tasks into query blocks.
func (v Variant) BuildPlan(a *plan.Analyzer, c *scan.Context, tasks []scan.QueryTask) (*plan.Plan, error) {
	timeOf := func(t scan.QueryTask) (time.Time, bool) { return v.TaskTime(c, t) }
	if v.Kind == Month {
		return a.DatePlan(tasks, timeOf, c.TimeOfDay)
	}
	return a.TimePlan(tasks, timeOf)
}

// QueryInterval is the interval sent with each range query.
func (v Variant) QueryInterval() time.Duration {
	switch {
	case v.Kind == Month:
		return 24 * time.Hour
	case v.Interval > 0:
		return v.Interval
	default:
		return time.Minute
	}
}

// MatchTolerance is how far a cached point may sit from a requested time.
// Unified axes use their interval, or the single-point window when the axis
// has one slot.
func (v Variant) MatchTolerance(axisInterval time.Duration, singlePoint bool) time.Duration {
	if v.Tolerance > 0 {
		return v.Tolerance
	}
	switch v.Kind {
	case Month:
		return cache.MonthTolerance
	case Unified:
		if singlePoint || axisInterval <= 0 {
			return cache.SinglePointMatch
		}
		return axisInterval
	default:
		return cache.DayTolerance
	}
}
