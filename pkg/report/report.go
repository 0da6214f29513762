// Package report wires the scanner, planner, executor, controller, diff
// engine and formula resolver around one grid.
package report

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/cache"
	"github.com/vjranagit/tsreport/pkg/diff"
	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/formula"
	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/plan"
	"github.com/vjranagit/tsreport/pkg/query"
	"github.com/vjranagit/tsreport/pkg/scan"
	"github.com/vjranagit/tsreport/pkg/task"
)

var (
	// ErrNotEditable is returned for edits outside ConfigEditable.
	ErrNotEditable = errors.New("report is not editable in its current state")
	// ErrNoSuccessfulRun is returned when run mode is entered before a
	// successful refresh.
	ErrNoSuccessfulRun = errors.New("run mode requires a successful refresh")
	// ErrNoAxis is returned when a unified report has no axis start.
	ErrNoAxis = errors.New("unified report needs an axis start or a date marker")
)

// NoData is displayed in cells whose point could not be resolved.
const NoData = "--"

// Axis is the sampling axis of a unified report.
type Axis struct {
	Start    time.Time
	End      time.Time
	Interval time.Duration
}

// Options configure a report.
type Options struct {
	Variant Variant
	// ReportDate resolves a bare #Date marker.
	ReportDate time.Time
	Location   *time.Location
	Axis       Axis
	// CacheExpiry is how long fetched points satisfy a refresh.
	CacheExpiry      time.Duration
	Thresholds       plan.Thresholds
	MaxFormulaPasses int
	ShutdownTimeout  time.Duration
	// Source names the data source; it is part of the binding key.
	Source string
	// Decimals fixes the number of decimals shown; negative shows the
	// shortest exact form.
	Decimals int
}

// DefaultOptions returns a day report with the standard thresholds.
func DefaultOptions() Options {
	return Options{
		Variant:          Variant{Kind: Day, Interval: time.Minute},
		Location:         time.UTC,
		CacheExpiry:      time.Hour,
		Thresholds:       plan.DefaultThresholds(),
		MaxFormulaPasses: formula.DefaultMaxPasses,
		ShutdownTimeout:  task.DefaultShutdownTimeout,
		Source:           "local",
		Decimals:         -1,
	}
}

// EditableGrid is a grid whose raw text the report may change.
type EditableGrid interface {
	grid.Grid
	SetText(row, col int, text string)
}

type templateRestorer interface {
	RestoreTemplate()
}

// FillStats counts one fill pass.
type FillStats struct {
	Filled  int
	Missing int
}

// Report drives one grid.
type Report struct {
	g      grid.Grid
	opts   Options
	logger *zap.Logger

	cache      *cache.PointCache
	analyzer   *plan.Analyzer
	executor   *query.Executor
	controller *task.Controller
	dirty      *diff.DirtySet
	resolver   *formula.Resolver

	refreshMu sync.Mutex

	mu          sync.Mutex
	engine      *diff.Engine
	scanned     *scan.Result
	aligned     *query.Aligned
	snapshot    *diff.Snapshot
	lastSuccess bool
	prefetched  bool

	queried atomic.Bool
}

type settings struct {
	logger    *zap.Logger
	sink      task.Sink
	cache     *cache.PointCache
	evaluator formula.Evaluator
}

// Option configures a Report.
type Option func(*settings)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithSink receives progress, stage and completion events.
func WithSink(sink task.Sink) Option {
	return func(s *settings) { s.sink = sink }
}

// WithCache shares a point cache.
func WithCache(c *cache.PointCache) Option {
	return func(s *settings) { s.cache = c }
}

// WithEvaluator replaces the formula evaluator.
func WithEvaluator(e formula.Evaluator) Option {
	return func(s *settings) { s.evaluator = e }
}

// New creates a report over g answering queries with f.
func New(g grid.Grid, f fetch.Fetcher, opts Options, options ...Option) *Report {
	s := settings{}
	for _, o := range options {
		o(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.cache == nil {
		s.cache = cache.NewPointCache()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.CacheExpiry <= 0 {
		opts.CacheExpiry = time.Hour
	}

	logger := s.logger.With(zap.Stringer("variant", opts.Variant.Kind))
	resolverOpts := []formula.Option{formula.WithMaxPasses(opts.MaxFormulaPasses), formula.WithLogger(logger)}
	if s.evaluator != nil {
		resolverOpts = append(resolverOpts, formula.WithEvaluator(s.evaluator))
	}

	return &Report{
		g:        g,
		opts:     opts,
		logger:   logger,
		cache:    s.cache,
		analyzer: plan.NewAnalyzer(opts.Thresholds, logger),
		executor: query.NewExecutor(f, s.cache, logger),
		controller: task.NewController(
			task.WithSink(s.sink),
			task.WithLogger(logger),
			task.WithShutdownTimeout(opts.ShutdownTimeout),
		),
		dirty:    diff.NewDirtySet(),
		resolver: formula.NewResolver(resolverOpts...),
		engine:   diff.NewEngine(opts.Variant.ScanOptions(opts.ReportDate, opts.Location), logger),
	}
}

// State returns the edit state.
func (r *Report) State() task.EditState {
	return r.controller.State()
}

// Cache exposes the point cache.
func (r *Report) Cache() *cache.PointCache {
	return r.cache
}

// Tasks returns the current query tasks.
func (r *Report) Tasks() []scan.QueryTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Tasks()
}

func (r *Report) scanOptions() scan.Options {
	return r.opts.Variant.ScanOptions(r.opts.ReportDate, r.opts.Location)
}

// Prefetch scans and queries in the background without touching displayed
// values. A later Refresh fills from the cache while it is valid.
func (r *Report) Prefetch() (*task.Handle, error) {
	return r.controller.Start(task.Prefetching, "prefetch", func(ctx context.Context, rep *task.Reporter) (task.Outcome, error) {
		out, err := r.fullQuery(ctx, rep)
		r.mu.Lock()
		r.prefetched = err == nil && !rep.Cancelled() && out.SuccessCount == out.TotalCount
		r.mu.Unlock()
		return out, err
	})
}

// fullQuery is the scan → plan → query pipeline.
func (r *Report) fullQuery(ctx context.Context, rep *task.Reporter) (task.Outcome, error) {
	rep.Stage("scanning")
	scanner := scan.NewScanner(scan.WithLogger(r.logger), scan.WithProgress(rep.Progress))
	res, err := scanner.Scan(ctx, r.g, r.scanOptions())
	if err != nil {
		return task.Outcome{}, fmt.Errorf("scan: %w", err)
	}

	r.mu.Lock()
	r.scanned = res
	r.aligned = nil
	r.engine.Reset(res)
	r.mu.Unlock()

	if r.opts.Variant.Kind == Unified {
		return r.queryAxis(ctx, rep, res)
	}
	return r.queryTasks(ctx, rep, res, res.Tasks)
}

func (r *Report) queryTasks(ctx context.Context, rep *task.Reporter, res *scan.Result, tasks []scan.QueryTask) (task.Outcome, error) {
	rep.Stage("planning")
	p, err := r.opts.Variant.BuildPlan(r.analyzer, &res.Context, tasks)
	if err != nil {
		return task.Outcome{}, fmt.Errorf("plan: %w", err)
	}

	rep.Stage("querying")
	sum, err := r.executor.Run(ctx, p, r.opts.Variant.QueryInterval(), rep.Progress)
	out := task.Outcome{SuccessCount: sum.Succeeded, TotalCount: sum.Total}
	if err != nil {
		return out, err
	}
	r.queried.Store(true)
	if sum.Mismatches > 0 {
		out.Message = fmt.Sprintf("%d value vectors did not match the series list", sum.Mismatches)
	}
	if !sum.OK() {
		out.Message = fmt.Sprintf("%d of %d queries returned no data", sum.Total-sum.Succeeded, sum.Total)
	}
	return out, nil
}

func (r *Report) queryAxis(ctx context.Context, rep *task.Reporter, res *scan.Result) (task.Outcome, error) {
	ax, err := r.axis(res)
	if err != nil {
		return task.Outcome{}, err
	}
	single := ax.Interval <= 0 || !ax.End.After(ax.Start)

	rep.Stage("aligning")
	aligned, err := r.executor.RunAxis(ctx, query.AxisRequest{
		Series:    plan.DistinctSeries(res.Tasks),
		Start:     ax.Start,
		End:       ax.End,
		Interval:  ax.Interval,
		Tolerance: r.opts.Variant.MatchTolerance(ax.Interval, single),
	})
	if err != nil {
		return task.Outcome{TotalCount: 1}, err
	}

	r.mu.Lock()
	r.aligned = aligned
	r.mu.Unlock()
	r.queried.Store(true)

	out := task.Outcome{TotalCount: 1}
	for slot := range aligned.Axis {
		for i := range aligned.Series {
			if aligned.Valid(slot, i) {
				out.SuccessCount = 1
				return out, nil
			}
		}
	}
	out.Message = "axis query returned no data"
	return out, nil
}

// axis resolves the configured axis, falling back to the whole report day.
func (r *Report) axis(res *scan.Result) (Axis, error) {
	ax := r.opts.Axis
	if ax.Interval <= 0 {
		ax.Interval = r.opts.Variant.Interval
	}
	if ax.Start.IsZero() {
		if !res.Context.HasDate {
			return ax, ErrNoAxis
		}
		ax.Start = res.Context.Date
		if ax.Interval > 0 {
			ax.End = ax.Start.Add(24*time.Hour - ax.Interval)
		}
	}
	if ax.End.Before(ax.Start) {
		ax.End = ax.Start
	}
	return ax, nil
}

// Fill writes every data-marker cell from the cache, or NoData, and then
// recalculates formulas.
func (r *Report) Fill() FillStats {
	r.mu.Lock()
	res, aligned := r.scanned, r.aligned
	tasks := r.engine.Tasks()
	r.mu.Unlock()

	var st FillStats
	if res == nil {
		return st
	}
	if r.opts.Variant.Kind == Unified {
		st = r.fillAxis(res, aligned, tasks)
	} else {
		tol := r.opts.Variant.MatchTolerance(0, false)
		for _, t := range tasks {
			text := NoData
			if at, ok := r.opts.Variant.TaskTime(&res.Context, t); ok {
				if v, ok := r.cache.Lookup(t.SeriesID, at.UnixMilli(), tol); ok {
					text = r.format(v)
				}
			}
			if text == NoData {
				st.Missing++
			} else {
				st.Filled++
			}
			r.g.SetCellDisplay(t.Row, t.Col, text)
		}
	}

	r.RecalculateFormulas()
	r.logger.Debug("report filled", zap.Int("filled", st.Filled), zap.Int("missing", st.Missing))
	return st
}

// fillAxis writes each series down the column below its data marker, and
// the axis labels below each bare #Time cell.
func (r *Report) fillAxis(res *scan.Result, aligned *query.Aligned, tasks []scan.QueryTask) FillStats {
	var st FillStats
	if aligned == nil {
		for _, t := range tasks {
			r.g.SetCellDisplay(t.Row+1, t.Col, NoData)
			st.Missing++
		}
		return st
	}

	index := make(map[string]int, len(aligned.Series))
	for i, id := range aligned.Series {
		index[id] = i
	}
	for _, t := range tasks {
		i, ok := index[t.SeriesID]
		for slot := range aligned.Axis {
			text := NoData
			if ok && aligned.Valid(slot, i) {
				text = r.format(float32(aligned.Values[slot][i]))
				st.Filled++
			} else {
				st.Missing++
			}
			r.g.SetCellDisplay(t.Row+1+slot, t.Col, text)
		}
	}

	layout := "15:04:05"
	if n := len(aligned.Axis); n > 1 && aligned.Axis[n-1]-aligned.Axis[0] >= (24 * time.Hour).Milliseconds() {
		layout = "2006-01-02 15:04:05"
	}
	for _, p := range res.Context.AxisCells {
		for slot, ms := range aligned.Axis {
			r.g.SetCellDisplay(p.Row+1+slot, p.Col, time.UnixMilli(ms).In(r.opts.Location).Format(layout))
		}
	}
	return st
}

func (r *Report) format(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', r.opts.Decimals, 32)
}

// RecalculateFormulas resolves every formula cell.
func (r *Report) RecalculateFormulas() formula.Stats {
	return r.resolver.Resolve(r.g, formula.Formulas(r.g))
}

// Refresh brings displayed values up to date with the least work the edits
// since the last successful refresh allow, and blocks until done. Formula-only
// changes skip querying; a valid cache skips refetching; marker edits go
// through the diff engine.
func (r *Report) Refresh(ctx context.Context) (task.Completion, error) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	prev := r.controller.State()
	if prev.Busy() {
		return task.Completion{}, task.ErrTaskRunning
	}

	next := diff.TakeSnapshot(r.g, r.opts.Source)
	r.mu.Lock()
	last, prefetched := r.snapshot, r.prefetched
	r.mu.Unlock()

	change := last.Classify(next)
	r.logger.Debug("refresh requested", zap.Stringer("change", change), zap.Int("dirty", r.dirty.Len()))

	var fn task.Func
	switch change {
	case diff.FirstRefresh:
		if !prefetched || r.dirty.Len() > 0 || !r.cache.IsValid(r.opts.CacheExpiry) {
			fn = r.fullQuery
		}
	case diff.NoChangeSinceRefresh:
		if !r.cache.IsValid(r.opts.CacheExpiry) {
			fn = r.fullQuery
		}
	case diff.FormulaOnly:
		r.RecalculateFormulas()
		r.finish(next, true)
		return task.Completion{Success: true, Message: "formulas recalculated"}, nil
	default:
		fn = r.incremental()
	}

	if fn == nil {
		st := r.Fill()
		r.finish(next, true)
		return task.Completion{
			Success:      true,
			Message:      "filled from cache",
			SuccessCount: st.Filled,
			TotalCount:   st.Filled + st.Missing,
		}, nil
	}

	r.queried.Store(false)
	if _, err := r.controller.Start(task.Querying, "refresh", fn); err != nil {
		return task.Completion{}, err
	}
	comp, err := r.controller.Wait(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return comp, err
	}

	if comp.Message != task.CancelledMessage && r.queried.Load() {
		r.Fill()
	}
	r.finish(next, comp.Success)
	if prev == task.ReadOnlyRun && comp.Success {
		_ = r.controller.SetIdleState(task.ReadOnlyRun)
	}
	return comp, err
}

// incremental returns the task body for a binding change, or nil when the
// diff needs no query.
func (r *Report) incremental() task.Func {
	dirty := r.dirty.Positions()
	if len(dirty) == 0 {
		// Bindings changed without recorded edits: trust nothing.
		r.cache.Clear()
		return r.fullQuery
	}

	r.mu.Lock()
	res := r.engine.Apply(r.g, dirty)
	remaining := r.engine.Tasks()
	scanned := r.scanned
	r.mu.Unlock()

	for _, c := range res.Removed {
		r.g.SetCellDisplay(c.Pos.Row, c.Pos.Col, "")
	}
	if unused := unusedSeries(res.RemovedSeries(), remaining); len(unused) > 0 {
		r.cache.InvalidateSeries(unused...)
	}

	action := res.Action()
	r.logger.Info("incremental refresh",
		zap.Stringer("action", action),
		zap.Int("new", len(res.New)),
		zap.Int("modified", len(res.Modified)),
		zap.Int("removed", len(res.Removed)))

	switch {
	case scanned == nil, action == diff.FullRescan:
		r.cache.Clear()
		return r.fullQuery
	case action == diff.QueryNeeded && r.opts.Variant.Kind == Unified:
		return r.fullQuery
	case action == diff.QueryNeeded:
		requery := res.Requery
		return func(ctx context.Context, rep *task.Reporter) (task.Outcome, error) {
			return r.queryTasks(ctx, rep, scanned, requery)
		}
	}
	return nil
}

// finish records the refresh outcome. A failed refresh drops the snapshot
// so the next one starts over.
func (r *Report) finish(next *diff.Snapshot, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSuccess = success
	r.prefetched = false
	if success {
		r.snapshot = next
		r.dirty.Clear()
		return
	}
	r.snapshot = nil
}

func unusedSeries(candidates []string, tasks []scan.QueryTask) []string {
	used := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		used[t.SeriesID] = true
	}
	var out []string
	for _, id := range candidates {
		if !used[id] {
			out = append(out, id)
		}
	}
	return out
}

// EditCell changes one cell's raw text and marks it dirty.
func (r *Report) EditCell(row, col int, text string) error {
	return r.ApplyEdits(map[grid.Pos]string{{Row: row, Col: col}: text})
}

// ApplyEdits changes several cells at once and marks them dirty.
func (r *Report) ApplyEdits(edits map[grid.Pos]string) error {
	if r.controller.State() != task.ConfigEditable {
		return ErrNotEditable
	}
	eg, ok := r.g.(EditableGrid)
	if !ok {
		return fmt.Errorf("%w: grid does not accept text edits", ErrNotEditable)
	}
	for p, text := range edits {
		eg.SetText(p.Row, p.Col, text)
		r.dirty.Mark(p.Row, p.Col)
	}
	return nil
}

// Dirty returns the cells edited since the last successful refresh.
func (r *Report) Dirty() []grid.Pos {
	return r.dirty.Positions()
}

// Invalidate drops cached points, pending edits and the refresh snapshot.
func (r *Report) Invalidate() {
	r.cache.Clear()
	r.dirty.Clear()
	r.mu.Lock()
	r.snapshot = nil
	r.mu.Unlock()
}

// RestoreTemplate reverts displayed values to the original marker text and
// leaves run mode.
func (r *Report) RestoreTemplate() error {
	if r.controller.State().Busy() {
		return ErrNotEditable
	}
	rt, ok := r.g.(templateRestorer)
	if !ok {
		return fmt.Errorf("grid cannot restore its template")
	}
	rt.RestoreTemplate()
	return r.controller.SetIdleState(task.ConfigEditable)
}

// EnterRunMode locks the report read-only after a successful refresh.
func (r *Report) EnterRunMode() error {
	r.mu.Lock()
	ok := r.lastSuccess
	r.mu.Unlock()
	if !ok {
		return ErrNoSuccessfulRun
	}
	return r.controller.SetIdleState(task.ReadOnlyRun)
}

// ExitRunMode returns to ConfigEditable.
func (r *Report) ExitRunMode() error {
	return r.controller.SetIdleState(task.ConfigEditable)
}

// Cancel requests cancellation of the running task.
func (r *Report) Cancel() {
	r.controller.RequestCancel()
}

// Wait blocks until the running task, if any, completes.
func (r *Report) Wait(ctx context.Context) (task.Completion, error) {
	return r.controller.Wait(ctx)
}

// Close cancels background work and waits up to timeout.
func (r *Report) Close(timeout time.Duration) error {
	return r.controller.Close(timeout)
}
