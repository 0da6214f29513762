// Package diff reprocesses edited cells against the last scan instead of
// rescanning the grid.
package diff

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/scan"
)

// DirtySet collects cells edited since the last successful refresh.
type DirtySet struct {
	mu    sync.Mutex
	cells map[grid.Pos]struct{}
}

// NewDirtySet creates an empty set
func NewDirtySet() *DirtySet {
	return &DirtySet{cells: make(map[grid.Pos]struct{})}
}

// Mark records an edited cell.
func (d *DirtySet) Mark(row, col int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cells[grid.Pos{Row: row, Col: col}] = struct{}{}
}

// Positions returns the marked cells in row-major order.
func (d *DirtySet) Positions() []grid.Pos {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]grid.Pos, 0, len(d.cells))
	for p := range d.cells {
		out = append(out, p)
	}
	grid.SortPositions(out)
	return out
}

// Len returns the number of marked cells.
func (d *DirtySet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cells)
}

// Clear empties the set.
func (d *DirtySet) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cells = make(map[grid.Pos]struct{})
}

// Action is what the caller must do after a diff.
type Action int

const (
	// NoChange needs nothing.
	NoChange Action = iota
	// CleanupOnly drops removed tasks and their cells; no query.
	CleanupOnly
	// QueryNeeded queries only the new and changed tasks.
	QueryNeeded
	// FullRescan rebuilds everything from a full scan.
	FullRescan
)

func (a Action) String() string {
	switch a {
	case CleanupOnly:
		return "cleanup-only"
	case QueryNeeded:
		return "query-needed"
	case FullRescan:
		return "full-rescan"
	default:
		return "no-change"
	}
}

// Change describes one data-marker cell that changed.
type Change struct {
	Pos         grid.Pos
	SeriesID    string
	OldSeriesID string
}

// Result is the outcome of one diff pass.
type Result struct {
	New      []Change
	Modified []Change
	Removed  []Change

	// Requery lists every task whose value must be fetched again: new and
	// modified markers plus every data marker on a row whose time changed.
	Requery []scan.QueryTask

	TimeMarkerChanged bool
	DateChanged       bool
}

// Action applies the decision policy.
func (r *Result) Action() Action {
	switch {
	case r.TimeMarkerChanged || r.DateChanged:
		return FullRescan
	case len(r.New) > 0 || len(r.Modified) > 0:
		return QueryNeeded
	case len(r.Removed) > 0:
		return CleanupOnly
	default:
		return NoChange
	}
}

// Series returns the distinct series ids of the requery tasks.
func (r *Result) Series() []string {
	return seriesOf(r.Requery)
}

// RemovedSeries returns series ids whose cells were removed or replaced.
func (r *Result) RemovedSeries() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, c := range r.Removed {
		add(c.OldSeriesID)
	}
	for _, c := range r.Modified {
		add(c.OldSeriesID)
	}
	return out
}

// Engine holds the derived marker state of one grid between scans.
type Engine struct {
	opts    scan.Options
	logger  *zap.Logger
	markers map[grid.Pos]scan.Marker
	tasks   map[grid.Pos]scan.QueryTask
}

// NewEngine creates an engine that validates data markers like a scan with
// opts would.
func NewEngine(opts scan.Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:    opts,
		logger:  logger,
		markers: make(map[grid.Pos]scan.Marker),
		tasks:   make(map[grid.Pos]scan.QueryTask),
	}
}

// Reset replaces the engine state with a full scan result.
func (e *Engine) Reset(res *scan.Result) {
	e.markers = make(map[grid.Pos]scan.Marker)
	e.tasks = make(map[grid.Pos]scan.QueryTask)
	if res == nil {
		return
	}
	for p, m := range res.Markers {
		e.markers[p] = m
	}
	for _, t := range res.Tasks {
		e.tasks[t.Pos()] = t
	}
}

// Tasks returns the current task set in row-major order.
func (e *Engine) Tasks() []scan.QueryTask {
	out := make([]scan.QueryTask, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t)
	}
	sortTasks(out)
	return out
}

// Apply reprocesses the dirty cells against g and updates the task set.
func (e *Engine) Apply(g grid.Grid, dirty []grid.Pos) *Result {
	res := &Result{}
	requery := make(map[grid.Pos]scan.QueryTask)
	timeRows := make(map[int]bool)

	for _, p := range dirty {
		text := g.CellText(p.Row, p.Col)
		kind, payload := scan.Classify(text)
		prev, had := e.markers[p]

		if kind.IsRowTime() || (had && prev.Kind.IsRowTime()) {
			if !had || prev.Text != text || prev.Kind != kind {
				res.TimeMarkerChanged = true
				timeRows[p.Row] = true
			}
		}
		if isDateKind(kind) || (had && isDateKind(prev.Kind)) {
			if !had || prev.Text != text || prev.Kind != kind {
				res.DateChanged = true
			}
		}

		e.record(g, p, text, kind, payload)

		old, hadTask := e.tasks[p]
		next, valid := e.taskAt(g, p, kind, payload)
		switch {
		case valid && !hadTask:
			e.tasks[p] = next
			requery[p] = next
			res.New = append(res.New, Change{Pos: p, SeriesID: next.SeriesID})
		case valid && hadTask && old.SeriesID != next.SeriesID:
			e.tasks[p] = next
			requery[p] = next
			res.Modified = append(res.Modified, Change{Pos: p, SeriesID: next.SeriesID, OldSeriesID: old.SeriesID})
		case !valid && hadTask:
			delete(e.tasks, p)
			res.Removed = append(res.Removed, Change{Pos: p, OldSeriesID: old.SeriesID})
		}
	}

	// A changed time context re-validates and re-queries every data marker
	// on the row, even when its own text did not change.
	for row := range timeRows {
		for col := 0; col < g.ColumnCount(); col++ {
			p := grid.Pos{Row: row, Col: col}
			kind, payload := scan.Classify(g.CellText(row, col))
			if kind != grid.KindDataMarker {
				continue
			}
			old, hadTask := e.tasks[p]
			delete(e.tasks, p)
			next, valid := e.taskAt(g, p, kind, payload)
			e.markers[p] = scan.Marker{Kind: kind, Text: g.CellText(row, col), SeriesID: payload, Valid: valid}
			if valid {
				e.tasks[p] = next
				requery[p] = next
			} else if hadTask {
				res.Removed = append(res.Removed, Change{Pos: p, OldSeriesID: old.SeriesID})
			}
		}
	}

	for _, t := range requery {
		res.Requery = append(res.Requery, t)
	}
	sortTasks(res.Requery)

	e.logger.Debug("diff applied",
		zap.Int("dirty", len(dirty)),
		zap.Int("new", len(res.New)),
		zap.Int("modified", len(res.Modified)),
		zap.Int("removed", len(res.Removed)),
		zap.Int("requery", len(res.Requery)),
		zap.Stringer("action", res.Action()))
	return res
}

// record updates the remembered marker and the cell's scan annotations.
func (e *Engine) record(g grid.Grid, p grid.Pos, text string, kind grid.Kind, payload string) {
	cell := g.Cell(p.Row, p.Col)
	if cell != nil {
		cell.Kind = kind
		cell.MarkerText, cell.SeriesID = "", ""
		if kind.IsMarker() {
			cell.MarkerText = text
		}
		if kind == grid.KindDataMarker {
			cell.SeriesID = payload
		}
	}
	if !kind.IsMarker() {
		delete(e.markers, p)
		return
	}
	m := scan.Marker{Kind: kind, Text: text, Valid: true}
	if kind == grid.KindDataMarker {
		m.SeriesID = payload
		_, m.Valid = e.taskAt(g, p, kind, payload)
	}
	e.markers[p] = m
}

// taskAt applies the scanner's data-marker validity rule to one cell.
func (e *Engine) taskAt(g grid.Grid, p grid.Pos, kind grid.Kind, payload string) (scan.QueryTask, bool) {
	if kind != grid.KindDataMarker || payload == "" {
		return scan.QueryTask{}, false
	}
	if e.opts.RequireRowTime && !scan.RowTimeBefore(g, p.Row, p.Col) {
		return scan.QueryTask{}, false
	}
	return scan.QueryTask{Row: p.Row, Col: p.Col, SeriesID: payload}, true
}

func isDateKind(k grid.Kind) bool {
	return k == grid.KindDateMarker || k == grid.KindStartDateMarker || k == grid.KindTimeOfDayMarker
}

func sortTasks(ts []scan.QueryTask) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Row != ts[j].Row {
			return ts[i].Row < ts[j].Row
		}
		return ts[i].Col < ts[j].Col
	})
}

func seriesOf(ts []scan.QueryTask) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range ts {
		if !seen[t.SeriesID] {
			seen[t.SeriesID] = true
			out = append(out, t.SeriesID)
		}
	}
	return out
}
