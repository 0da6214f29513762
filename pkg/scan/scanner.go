// Package scan walks a report grid once, classifies marker cells and turns
// every valid data marker into a query task.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/types"
)

var (
	// ErrNoDateMarker is returned when the grid carries no usable date marker.
	ErrNoDateMarker = errors.New("no date marker found")
	// ErrNoTasks is returned when a full pass produced no query task.
	ErrNoTasks = errors.New("no data markers produced a query task")
)

// progressEvery throttles progress callbacks to one per this many rows.
const progressEvery = 64

// QueryTask is one data-marker cell waiting for a point.
type QueryTask struct {
	Row      int
	Col      int
	SeriesID string
}

// Pos returns the task's cell position.
func (t QueryTask) Pos() grid.Pos {
	return grid.Pos{Row: t.Row, Col: t.Col}
}

// Marker records what the scanner saw in one recognised cell.
type Marker struct {
	Kind     grid.Kind
	Text     string
	SeriesID string
	Valid    bool
}

// Diagnostic is a recoverable problem found during a scan.
type Diagnostic struct {
	Pos     grid.Pos
	Message string
}

// Context is the date/time context collected from the marker cells.
type Context struct {
	Date         time.Time
	HasDate      bool
	DatePos      grid.Pos
	StartDate    time.Time
	HasStartDate bool
	TimeOfDay    time.Duration
	HasTimeOfDay bool

	// RowTimes holds the time-of-day given by a #Time marker, per row.
	RowTimes map[int]time.Duration
	// RowDays holds the 1-based day given by a #Day marker, per row.
	RowDays map[int]int
	// AxisCells are bare #Time markers labelling a unified query axis.
	AxisCells []grid.Pos
}

// BaseDate is the start-of-range date when present, else the report date.
func (c *Context) BaseDate() (time.Time, bool) {
	if c.HasStartDate {
		return c.StartDate, true
	}
	return c.Date, c.HasDate
}

// Result is the outcome of one full scan.
type Result struct {
	Tasks       []QueryTask
	Context     Context
	Markers     map[grid.Pos]Marker
	Formulas    []grid.Pos
	Diagnostics []Diagnostic
}

// Options tune the scan for a report variant.
type Options struct {
	// RequireDate fails the scan when no date marker resolves.
	RequireDate bool
	// RequireRowTime invalidates data markers with no time/day marker to
	// their left on the same row.
	RequireRowTime bool
	// AllowBareTime accepts "#Time" without a payload as an axis label cell.
	AllowBareTime bool
	// DefaultDate resolves a bare "#Date" marker.
	DefaultDate time.Time
	// Location interprets marker dates; UTC when nil.
	Location *time.Location
}

// Scanner performs full grid scans.
type Scanner struct {
	logger   *zap.Logger
	progress func(current, total int)
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger sets the diagnostics logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithProgress registers a row progress callback.
func WithProgress(fn func(current, total int)) Option {
	return func(s *Scanner) { s.progress = fn }
}

// NewScanner creates a scanner
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan walks every (row, col) the grid reports, row-major. Recognised cells
// get their kind and original marker text recorded. The context is checked at
// the top of every row.
func (s *Scanner) Scan(ctx context.Context, g grid.Grid, opts Options) (*Result, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	res := &Result{
		Context: Context{
			RowTimes: make(map[int]time.Duration),
			RowDays:  make(map[int]int),
		},
		Markers: make(map[grid.Pos]Marker),
	}

	rows, cols := g.RowCount(), g.ColumnCount()
	for row := 0; row < rows; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.progress != nil && row%progressEvery == 0 {
			s.progress(row, rows)
		}

		rowTimeSeen := false
		for col := 0; col < cols; col++ {
			cell := g.Cell(row, col)
			if cell == nil {
				continue
			}
			pos := grid.Pos{Row: row, Col: col}
			kind, payload := Classify(cell.Text)
			cell.Kind = kind
			if kind == grid.KindPlain {
				continue
			}
			if kind == grid.KindFormula {
				res.Formulas = append(res.Formulas, pos)
				continue
			}
			cell.MarkerText = cell.Text

			m := Marker{Kind: kind, Text: cell.Text}
			var err error
			switch kind {
			case grid.KindDateMarker:
				err = s.dateMarker(res, pos, payload, opts, loc)
			case grid.KindStartDateMarker:
				var d time.Time
				if d, err = ParseDate(payload, loc); err == nil && !res.Context.HasStartDate {
					res.Context.StartDate, res.Context.HasStartDate = d, true
				}
			case grid.KindTimeOfDayMarker:
				var tod time.Duration
				if tod, err = types.ParseClock(payload); err == nil && !res.Context.HasTimeOfDay {
					res.Context.TimeOfDay, res.Context.HasTimeOfDay = tod, true
				}
			case grid.KindTimeMarker:
				if payload == "" && opts.AllowBareTime {
					res.Context.AxisCells = append(res.Context.AxisCells, pos)
					break
				}
				var tod time.Duration
				if tod, err = types.ParseClock(payload); err == nil {
					if !rowTimeSeen {
						res.Context.RowTimes[row] = tod
					}
					rowTimeSeen = true
				}
			case grid.KindDayMarker:
				var day int
				if day, err = ParseDay(payload); err == nil {
					if !rowTimeSeen {
						res.Context.RowDays[row] = day
					}
					rowTimeSeen = true
				}
			case grid.KindDataMarker:
				cell.SeriesID = payload
				m.SeriesID = payload
				switch {
				case payload == "":
					err = errors.New("data marker without series id")
				case opts.RequireRowTime && !rowTimeSeen:
					err = errors.New("data marker before any time marker on its row")
				default:
					res.Tasks = append(res.Tasks, QueryTask{Row: row, Col: col, SeriesID: payload})
				}
			}

			if err != nil {
				s.diagnose(res, pos, cell.Text, err)
			} else {
				m.Valid = true
			}
			res.Markers[pos] = m
		}
	}
	if s.progress != nil {
		s.progress(rows, rows)
	}

	if _, ok := res.Context.BaseDate(); opts.RequireDate && !ok {
		return res, ErrNoDateMarker
	}
	if len(res.Tasks) == 0 {
		return res, ErrNoTasks
	}

	s.logger.Debug("grid scanned",
		zap.Int("rows", rows),
		zap.Int("tasks", len(res.Tasks)),
		zap.Int("formulas", len(res.Formulas)),
		zap.Int("diagnostics", len(res.Diagnostics)))
	return res, nil
}

func (s *Scanner) dateMarker(res *Result, pos grid.Pos, payload string, opts Options, loc *time.Location) error {
	if res.Context.HasDate {
		return nil
	}
	var d time.Time
	switch {
	case payload != "":
		var err error
		if d, err = ParseDate(payload, loc); err != nil {
			return err
		}
	case !opts.DefaultDate.IsZero():
		y, m, day := opts.DefaultDate.In(loc).Date()
		d = time.Date(y, m, day, 0, 0, 0, 0, loc)
	default:
		return errors.New("date marker without a date and no report date set")
	}
	res.Context.Date, res.Context.HasDate, res.Context.DatePos = d, true, pos
	return nil
}

func (s *Scanner) diagnose(res *Result, pos grid.Pos, text string, err error) {
	res.Diagnostics = append(res.Diagnostics, Diagnostic{Pos: pos, Message: err.Error()})
	s.logger.Warn("skipping marker",
		zap.String("cell", pos.String()),
		zap.String("text", text),
		zap.Error(err))
}

// RowTimeBefore reports whether a valid time or day marker sits to the left of
// col on the given row. It is the per-cell form of the scanner's row rule.
func RowTimeBefore(g grid.Grid, row, col int) bool {
	for c := 0; c < col; c++ {
		kind, payload := Classify(g.CellText(row, c))
		switch kind {
		case grid.KindTimeMarker:
			if _, err := types.ParseClock(payload); err == nil {
				return true
			}
		case grid.KindDayMarker:
			if _, err := ParseDay(payload); err == nil {
				return true
			}
		}
	}
	return false
}

// String renders the task for logs.
func (t QueryTask) String() string {
	return fmt.Sprintf("%s@%s", t.SeriesID, t.Pos())
}
