// Package plan groups query tasks by the time they reference and merges the
// resulting windows into as few range queries as possible.
package plan

import (
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/scan"
)

// Default thresholds.
const (
	DefaultContinuity = 5 * time.Minute
	DefaultMergeGap   = 2 * time.Hour
)

// ErrEmptyPlan is returned when no task resolved to a time.
var ErrEmptyPlan = errors.New("no task resolved to a query time")

// Strategy describes how a plan will be queried.
type Strategy int

const (
	// SingleRange issues one contiguous range query.
	SingleRange Strategy = iota
	// MultiRange issues several disjoint range queries.
	MultiRange
	// DateRange issues one day×day query at a fixed time of day.
	DateRange
)

func (s Strategy) String() string {
	switch s {
	case MultiRange:
		return "multi-range"
	case DateRange:
		return "date-range"
	default:
		return "single-range"
	}
}

// TimeBlock is one window selected for a batched query. Start ≤ End always.
type TimeBlock struct {
	Start time.Time
	End   time.Time

	// HasDateRange marks a day×day block: StartDate..EndDate at TimeOfDay.
	HasDateRange bool
	StartDate    time.Time
	EndDate      time.Time
	TimeOfDay    time.Duration

	// Tasks indexes into the task slice the plan was built from; Times holds
	// each task's effective time in the same order.
	Tasks []int
	Times []time.Time
}

// Plan is the ordered list of blocks plus the combined series list.
type Plan struct {
	Blocks   []TimeBlock
	Series   []string
	Strategy Strategy
}

// SeriesList returns the comma-joined series list sent with every block.
func (p *Plan) SeriesList() string {
	return strings.Join(p.Series, ",")
}

// Thresholds drive grouping and merging.
type Thresholds struct {
	Continuity time.Duration
	MergeGap   time.Duration
}

// DefaultThresholds returns the 5 minute continuity / 2 hour merge gap pair.
func DefaultThresholds() Thresholds {
	return Thresholds{Continuity: DefaultContinuity, MergeGap: DefaultMergeGap}
}

// TimedTask pairs a task index with its effective time.
type TimedTask struct {
	Index int
	Time  time.Time
}

// TimeFunc resolves a task's effective time.
type TimeFunc func(scan.QueryTask) (time.Time, bool)

// Analyzer builds query plans.
type Analyzer struct {
	th     Thresholds
	logger *zap.Logger
}

// NewAnalyzer creates an analyzer; zero thresholds fall back to defaults.
func NewAnalyzer(th Thresholds, logger *zap.Logger) *Analyzer {
	if th.Continuity <= 0 {
		th.Continuity = DefaultContinuity
	}
	if th.MergeGap <= 0 {
		th.MergeGap = DefaultMergeGap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{th: th, logger: logger}
}

// TimePlan groups tasks into contiguous blocks and merges nearby blocks.
func (a *Analyzer) TimePlan(tasks []scan.QueryTask, timeOf TimeFunc) (*Plan, error) {
	timed := a.resolve(tasks, timeOf)
	if len(timed) == 0 {
		return nil, ErrEmptyPlan
	}

	blocks := MergeBlocks(GroupByTime(timed, a.th.Continuity), a.th.MergeGap)
	p := &Plan{Blocks: blocks, Series: DistinctSeries(tasks), Strategy: SingleRange}
	if len(blocks) > 1 {
		p.Strategy = MultiRange
	}

	a.logger.Debug("time plan built",
		zap.Int("tasks", len(timed)),
		zap.Int("blocks", len(blocks)),
		zap.Stringer("strategy", p.Strategy))
	return p, nil
}

// DatePlan builds the single day×day block spanning the earliest to latest
// observed day at the fixed time of day. Gaps between days are not split.
func (a *Analyzer) DatePlan(tasks []scan.QueryTask, timeOf TimeFunc, timeOfDay time.Duration) (*Plan, error) {
	timed := a.resolve(tasks, timeOf)
	if len(timed) == 0 {
		return nil, ErrEmptyPlan
	}

	first, last := timed[0].Time, timed[0].Time
	block := TimeBlock{HasDateRange: true, TimeOfDay: timeOfDay}
	for _, t := range timed {
		if t.Time.Before(first) {
			first = t.Time
		}
		if t.Time.After(last) {
			last = t.Time
		}
		block.Tasks = append(block.Tasks, t.Index)
		block.Times = append(block.Times, t.Time)
	}
	block.StartDate = midnight(first)
	block.EndDate = midnight(last)
	block.Start = block.StartDate.Add(timeOfDay)
	block.End = block.EndDate.Add(timeOfDay)

	return &Plan{Blocks: []TimeBlock{block}, Series: DistinctSeries(tasks), Strategy: DateRange}, nil
}

func (a *Analyzer) resolve(tasks []scan.QueryTask, timeOf TimeFunc) []TimedTask {
	timed := make([]TimedTask, 0, len(tasks))
	for i, task := range tasks {
		t, ok := timeOf(task)
		if !ok {
			a.logger.Warn("task has no effective time", zap.Stringer("task", task))
			continue
		}
		timed = append(timed, TimedTask{Index: i, Time: t})
	}
	return timed
}

// GroupByTime sorts tasks by time and chains them into blocks: a task extends
// the current block when it is within continuity of the block's current end.
func GroupByTime(timed []TimedTask, continuity time.Duration) []TimeBlock {
	if len(timed) == 0 {
		return nil
	}
	sorted := append([]TimedTask(nil), timed...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var blocks []TimeBlock
	cur := newBlock(sorted[0])
	for _, t := range sorted[1:] {
		if t.Time.Sub(cur.End) <= continuity {
			cur.End = t.Time
			cur.Tasks = append(cur.Tasks, t.Index)
			cur.Times = append(cur.Times, t.Time)
			continue
		}
		blocks = append(blocks, cur)
		cur = newBlock(t)
	}
	return append(blocks, cur)
}

// MergeBlocks greedily merges left to right any two adjacent blocks whose gap
// is strictly less than mergeGap. Input must be ordered by start.
func MergeBlocks(blocks []TimeBlock, mergeGap time.Duration) []TimeBlock {
	if len(blocks) == 0 {
		return nil
	}
	merged := []TimeBlock{cloneBlock(blocks[0])}
	for _, b := range blocks[1:] {
		last := &merged[len(merged)-1]
		if b.Start.Sub(last.End) < mergeGap {
			if b.End.After(last.End) {
				last.End = b.End
			}
			last.Tasks = append(last.Tasks, b.Tasks...)
			last.Times = append(last.Times, b.Times...)
			continue
		}
		merged = append(merged, cloneBlock(b))
	}
	return merged
}

// Endpoints flattens blocks back into the timed tasks they cover, the input
// form used to re-analyse a plan. Blocks built without task times contribute
// their start and end.
func Endpoints(blocks []TimeBlock) []TimedTask {
	var out []TimedTask
	for i, b := range blocks {
		if len(b.Times) > 0 && len(b.Times) == len(b.Tasks) {
			for j, t := range b.Times {
				out = append(out, TimedTask{Index: b.Tasks[j], Time: t})
			}
			continue
		}
		out = append(out, TimedTask{Index: i, Time: b.Start})
		if b.End.After(b.Start) {
			out = append(out, TimedTask{Index: i, Time: b.End})
		}
	}
	return out
}

// DistinctSeries returns every series id referenced by the tasks, first-seen
// order.
func DistinctSeries(tasks []scan.QueryTask) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tasks {
		if t.SeriesID == "" || seen[t.SeriesID] {
			continue
		}
		seen[t.SeriesID] = true
		out = append(out, t.SeriesID)
	}
	return out
}

func newBlock(t TimedTask) TimeBlock {
	return TimeBlock{Start: t.Time, End: t.Time, Tasks: []int{t.Index}, Times: []time.Time{t.Time}}
}

func cloneBlock(b TimeBlock) TimeBlock {
	b.Tasks = append([]int(nil), b.Tasks...)
	b.Times = append([]time.Time(nil), b.Times...)
	return b
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
