package report

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/task"
	"github.com/vjranagit/tsreport/pkg/types"
)

var seriesOffset = map[string]float64{"RTU1": 0.25, "RTU2": 0.5, "RTU3": 0.75}

// source answers every address with one point per interval. A point's value
// is its minute of day (or day*100+hour for date ranges) plus a per-series
// offset, so assertions can be read off the cell position.
type source struct {
	mu        sync.Mutex
	addresses []string
	empty     map[string]bool
	block     chan struct{}
}

func (s *source) Fetch(ctx context.Context, address string) (types.Samples, error) {
	s.mu.Lock()
	s.addresses = append(s.addresses, address)
	s.mu.Unlock()

	if s.block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.block:
		}
	}

	a, err := types.ParseAddress(address, time.UTC)
	if err != nil {
		return nil, err
	}
	out := types.Samples{}
	if s.empty[a.Start.Format(types.TimeLayout)] {
		return out, nil
	}
	values := func(at time.Time, base float64) []float64 {
		v := make([]float64, len(a.Series))
		for i, id := range a.Series {
			v[i] = base + seriesOffset[id]
		}
		return v
	}
	if a.DateRange {
		for _, at := range a.Instants() {
			out[at.UnixMilli()] = values(at, float64(at.Day()*100+at.Hour()))
		}
		return out, nil
	}
	step := a.Interval
	if step <= 0 {
		step = time.Minute
	}
	for at := a.Start; !at.After(a.End); at = at.Add(step) {
		out[at.UnixMilli()] = values(at, float64(at.Hour()*60+at.Minute()))
	}
	return out, nil
}

func (s *source) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.addresses...)
}

func sheetOf(t *testing.T, cells map[string]string) *grid.Sheet {
	t.Helper()
	s := grid.NewSheet()
	for name, text := range cells {
		p, err := grid.ParseCellName(name)
		require.NoError(t, err)
		s.SetText(p.Row, p.Col, text)
	}
	return s
}

func display(t *testing.T, s *grid.Sheet, name string) string {
	t.Helper()
	p, err := grid.ParseCellName(name)
	require.NoError(t, err)
	if c := s.Cell(p.Row, p.Col); c != nil {
		return c.Display
	}
	return ""
}

func edit(t *testing.T, r *Report, name, text string) {
	t.Helper()
	p, err := grid.ParseCellName(name)
	require.NoError(t, err)
	require.NoError(t, r.EditCell(p.Row, p.Col, text))
}

func daySheet(t *testing.T) *grid.Sheet {
	return sheetOf(t, map[string]string{
		"A1": "#Date:2024-05-01",
		"A2": "#Time:09:00", "B2": "#Data:RTU1", "C2": "#Data:RTU2", "D2": "=B2+C2",
		"A3": "#Time:12:00", "B3": "#Data:RTU1",
	})
}

func newReport(t *testing.T, g grid.Grid, src *source, opts Options) *Report {
	t.Helper()
	r := New(g, src, opts)
	t.Cleanup(func() { _ = r.Close(time.Second) })
	return r
}

func TestDayReportFillsEveryMarker(t *testing.T) {
	s := daySheet(t)
	src := &source{}
	r := newReport(t, s, src, DefaultOptions())

	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, comp.Success, comp.Message)
	assert.Equal(t, 2, comp.TotalCount)
	assert.Equal(t, []string{
		"RTU1,RTU2@2024-05-01 09:00:00~2024-05-01 09:00:00#60",
		"RTU1,RTU2@2024-05-01 12:00:00~2024-05-01 12:00:00#60",
	}, src.calls())
	assert.Equal(t, "540.25", display(t, s, "B2"))
	assert.Equal(t, "540.5", display(t, s, "C2"))
	assert.Equal(t, "720.25", display(t, s, "B3"))
	assert.Equal(t, "1080.75", display(t, s, "D2"))
	assert.Equal(t, task.ConfigEditable, r.State())
}

func TestPartialFailureShowsNoData(t *testing.T) {
	s := daySheet(t)
	src := &source{empty: map[string]bool{"2024-05-01 12:00:00": true}}
	r := newReport(t, s, src, DefaultOptions())

	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.False(t, comp.Success)
	assert.Equal(t, 1, comp.SuccessCount)
	assert.Equal(t, "540.25", display(t, s, "B2"))
	assert.Equal(t, NoData, display(t, s, "B3"))
	assert.ErrorIs(t, r.EnterRunMode(), ErrNoSuccessfulRun)

	// A failed refresh is retried in full.
	src.empty = nil
	comp, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, comp.Success)
	assert.Len(t, src.calls(), 4)
	assert.Equal(t, "720.25", display(t, s, "B3"))
}

func TestRefreshWithoutChangesFillsFromCache(t *testing.T) {
	s := daySheet(t)
	src := &source{}
	r := newReport(t, s, src, DefaultOptions())

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, comp.Success)
	assert.Equal(t, "filled from cache", comp.Message)
	assert.Len(t, src.calls(), 2)
	assert.Equal(t, "540.25", display(t, s, "B2"))
}

func TestFormulaEditSkipsQuerying(t *testing.T) {
	s := daySheet(t)
	src := &source{}
	r := newReport(t, s, src, DefaultOptions())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	edit(t, r, "D2", "=B2*2")
	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "formulas recalculated", comp.Message)
	assert.Equal(t, "1080.5", display(t, s, "D2"))
	assert.Len(t, src.calls(), 2)
}

func TestChangedDataMarkerQueriesOnlyThatCell(t *testing.T) {
	s := daySheet(t)
	src := &source{}
	r := newReport(t, s, src, DefaultOptions())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	edit(t, r, "C2", "#Data:RTU3")
	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, comp.Success, comp.Message)

	calls := src.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "RTU3@2024-05-01 09:00:00~2024-05-01 09:00:00#60", calls[2])
	assert.Equal(t, "540.75", display(t, s, "C2"))
	assert.Equal(t, "540.25", display(t, s, "B2"))
	assert.Empty(t, r.Dirty())

	_, ok := r.Cache().Lookup("RTU2", time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).UnixMilli(), 0)
	assert.False(t, ok, "series no longer referenced are dropped")
}

func TestRemovedDataMarkerIsCleanedUp(t *testing.T) {
	s := daySheet(t)
	src := &source{}
	r := newReport(t, s, src, DefaultOptions())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	edit(t, r, "C2", "")
	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, comp.Success)
	assert.Len(t, src.calls(), 2)
	assert.Empty(t, display(t, s, "C2"))
	assert.Len(t, r.Tasks(), 2)
}

func TestTimeMarkerEditRescans(t *testing.T) {
	s := daySheet(t)
	src := &source{}
	r := newReport(t, s, src, DefaultOptions())
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	edit(t, r, "A3", "#Time:09:03")
	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, comp.Success)
	calls := src.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "RTU1,RTU2@2024-05-01 09:00:00~2024-05-01 09:03:00#60", calls[2])
	assert.Equal(t, "543.25", display(t, s, "B3"))
}

func TestMonthReport(t *testing.T) {
	s := sheetOf(t, map[string]string{
		"A1": "#Date:2024-05-01", "B1": "#TimeOfDay:08:00",
		"A2": "#Day:1", "B2": "#Data:RTU1",
		"A3": "#Day:3", "B3": "#Data:RTU1", "C3": "#Data:RTU2",
	})
	src := &source{}
	opts := DefaultOptions()
	opts.Variant = Variant{Kind: Month}
	r := newReport(t, s, src, opts)

	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, comp.Success, comp.Message)
	assert.Equal(t, []string{"RTU1,RTU2@2024-05-01~2024-05-03 08:00:00#86400"}, src.calls())
	assert.Equal(t, "108.25", display(t, s, "B2"))
	assert.Equal(t, "308.25", display(t, s, "B3"))
	assert.Equal(t, "308.5", display(t, s, "C3"))
}

func TestUnifiedReportFillsAxis(t *testing.T) {
	s := sheetOf(t, map[string]string{
		"A1": "#Date:2024-05-01",
		"A2": "#Time", "B2": "#Data:RTU1", "C2": "#Data:RTU2",
	})
	src := &source{}
	opts := DefaultOptions()
	opts.Variant = Variant{Kind: Unified, Interval: time.Minute}
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	opts.Axis = Axis{Start: start, End: start.Add(2 * time.Minute), Interval: time.Minute}
	r := newReport(t, s, src, opts)

	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)

	assert.True(t, comp.Success, comp.Message)
	assert.Len(t, src.calls(), 1)
	assert.Equal(t, "09:00:00", display(t, s, "A3"))
	assert.Equal(t, "09:02:00", display(t, s, "A5"))
	assert.Equal(t, "540.25", display(t, s, "B3"))
	assert.Equal(t, "542.25", display(t, s, "B5"))
	assert.Equal(t, "541.5", display(t, s, "C4"))
}

func TestUnifiedReportNeedsAnAxis(t *testing.T) {
	s := sheetOf(t, map[string]string{"A1": "#Time", "B1": "#Data:RTU1"})
	opts := DefaultOptions()
	opts.Variant = Variant{Kind: Unified, Interval: time.Minute}
	r := newReport(t, s, &source{}, opts)

	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, comp.Success)
	assert.Equal(t, ErrNoAxis.Error(), comp.Message)
}

func TestCancelledRefreshDoesNotFill(t *testing.T) {
	s := daySheet(t)
	src := &source{block: make(chan struct{})}
	r := newReport(t, s, src, DefaultOptions())

	done := make(chan task.Completion, 1)
	go func() {
		comp, _ := r.Refresh(context.Background())
		done <- comp
	}()
	require.Eventually(t, func() bool { return len(src.calls()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, task.Querying, r.State())
	assert.ErrorIs(t, r.EditCell(0, 5, "x"), ErrNotEditable)

	r.Cancel()
	select {
	case comp := <-done:
		assert.False(t, comp.Success)
		assert.Equal(t, task.CancelledMessage, comp.Message)
	case <-time.After(time.Second):
		t.Fatal("refresh did not return after cancel")
	}
	assert.Empty(t, display(t, s, "B2"))
	assert.Equal(t, task.ConfigEditable, r.State())
}

// cancelOnStage cancels the report when the named stage starts and records
// completions.
type cancelOnStage struct {
	stage  string
	report *Report

	mu          sync.Mutex
	completions []task.Completion
}

func (s *cancelOnStage) Progress(string, int, int) {}

func (s *cancelOnStage) Stage(_, stage string) {
	if stage == s.stage {
		s.report.Cancel()
	}
}

func (s *cancelOnStage) Completed(c task.Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, c)
}

func (s *cancelOnStage) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completions)
}

func TestCancelBeforeFirstQueryWritesNothing(t *testing.T) {
	s := daySheet(t)
	src := &source{}
	sink := &cancelOnStage{stage: "querying"}
	r := New(s, src, DefaultOptions(), WithSink(sink))
	sink.report = r
	t.Cleanup(func() { _ = r.Close(time.Second) })

	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, comp.Success)
	assert.Equal(t, task.CancelledMessage, comp.Message)

	assert.Empty(t, src.calls(), "no range query was issued")
	assert.Equal(t, 0, r.Cache().Len())
	assert.Empty(t, display(t, s, "B2"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return sink.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	sink.mu.Lock()
	assert.Equal(t, comp, sink.completions[0])
	sink.mu.Unlock()
	assert.Equal(t, task.ConfigEditable, r.State())
}

func TestPrefetchThenRefreshUsesCache(t *testing.T) {
	s := daySheet(t)
	src := &source{block: make(chan struct{})}
	r := newReport(t, s, src, DefaultOptions())

	_, err := r.Prefetch()
	require.NoError(t, err)
	_, err = r.Refresh(context.Background())
	assert.ErrorIs(t, err, task.ErrTaskRunning)
	assert.Empty(t, display(t, s, "B2"), "prefetch leaves displayed values alone")

	close(src.block)
	comp, err := r.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, comp.Success, comp.Message)

	comp, err = r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "filled from cache", comp.Message)
	assert.Len(t, src.calls(), 2)
	assert.Equal(t, "720.25", display(t, s, "B3"))
}

func TestRunModeAndTemplateRestore(t *testing.T) {
	s := daySheet(t)
	r := newReport(t, s, &source{}, DefaultOptions())

	assert.ErrorIs(t, r.EnterRunMode(), ErrNoSuccessfulRun)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.EnterRunMode())
	assert.Equal(t, task.ReadOnlyRun, r.State())
	assert.ErrorIs(t, r.EditCell(1, 1, "#Data:RTU3"), ErrNotEditable)

	comp, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, comp.Success)
	assert.Equal(t, task.ReadOnlyRun, r.State())

	require.NoError(t, r.RestoreTemplate())
	assert.Equal(t, task.ConfigEditable, r.State())
	assert.Empty(t, display(t, s, "B2"))
	assert.Equal(t, "#Data:RTU1", s.CellText(1, 1))
	assert.True(t, strings.HasPrefix(s.CellText(1, 0), "#Time"))
}

func TestDecimals(t *testing.T) {
	s := daySheet(t)
	opts := DefaultOptions()
	opts.Decimals = 2
	r := newReport(t, s, &source{}, opts)

	_, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "540.25", display(t, s, "B2"))
	assert.Equal(t, "540.50", display(t, s, "C2"))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Month")
	require.NoError(t, err)
	assert.Equal(t, Month, k)
	_, err = ParseKind("weekly")
	assert.Error(t, err)
}
