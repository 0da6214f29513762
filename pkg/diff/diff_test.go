package diff

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/scan"
)

var dayOpts = scan.Options{RequireDate: true, RequireRowTime: true}

func baseline(t *testing.T, cells map[string]string) (*grid.Sheet, *Engine) {
	t.Helper()
	s := grid.NewSheet()
	for name, text := range cells {
		p, err := grid.ParseCellName(name)
		require.NoError(t, err)
		s.SetText(p.Row, p.Col, text)
	}
	res, err := scan.NewScanner().Scan(context.Background(), s, dayOpts)
	require.NoError(t, err)
	e := NewEngine(dayOpts, nil)
	e.Reset(res)
	return s, e
}

func edit(t *testing.T, s *grid.Sheet, d *DirtySet, name, text string) {
	t.Helper()
	p, err := grid.ParseCellName(name)
	require.NoError(t, err)
	s.SetText(p.Row, p.Col, text)
	d.Mark(p.Row, p.Col)
}

func TestTimeMarkerEditRequeriesWholeRow(t *testing.T) {
	s, e := baseline(t, map[string]string{
		"A1": "#Date:2024-05-01",
		"A2": "#Time:09:00", "B2": "#Data:RTU1", "C2": "#Data:RTU2", "D2": "#Data:RTU3",
		"A3": "#Time:10:00", "B3": "#Data:RTU4",
	})
	d := NewDirtySet()
	edit(t, s, d, "A2", "#Time:09:30")

	res := e.Apply(s, d.Positions())

	assert.True(t, res.TimeMarkerChanged)
	assert.Equal(t, FullRescan, res.Action())
	assert.Equal(t, []scan.QueryTask{
		{Row: 1, Col: 1, SeriesID: "RTU1"},
		{Row: 1, Col: 2, SeriesID: "RTU2"},
		{Row: 1, Col: 3, SeriesID: "RTU3"},
	}, res.Requery)
	assert.Len(t, e.Tasks(), 4, "no task is dropped for the edited row")
}

func TestMarkerChangesDriveAction(t *testing.T) {
	s, e := baseline(t, map[string]string{
		"A1": "#Date:2024-05-01",
		"A2": "#Time:09:00", "B2": "#Data:RTU1", "C2": "#Data:RTU2",
	})

	d := NewDirtySet()
	edit(t, s, d, "D2", "#Data:RTU9")
	edit(t, s, d, "B2", "#Data:RTU5")
	res := e.Apply(s, d.Positions())
	assert.Equal(t, QueryNeeded, res.Action())
	require.Len(t, res.New, 1)
	require.Len(t, res.Modified, 1)
	assert.Equal(t, "RTU1", res.Modified[0].OldSeriesID)
	assert.Equal(t, []string{"RTU5", "RTU9"}, res.Series())
	assert.Equal(t, []string{"RTU1"}, res.RemovedSeries())
	assert.Equal(t, "RTU5", s.Cell(1, 1).SeriesID)

	d.Clear()
	edit(t, s, d, "C2", "plain text")
	res = e.Apply(s, d.Positions())
	assert.Equal(t, CleanupOnly, res.Action())
	assert.Equal(t, []string{"RTU2"}, res.RemovedSeries())
	assert.Empty(t, res.Requery)

	d.Clear()
	edit(t, s, d, "E5", "unrelated")
	assert.Equal(t, NoChange, e.Apply(s, d.Positions()).Action())

	d.Clear()
	edit(t, s, d, "A1", "#Date:2024-05-02")
	res = e.Apply(s, d.Positions())
	assert.True(t, res.DateChanged)
	assert.Equal(t, FullRescan, res.Action())
}

func TestIncrementalMatchesFullScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	texts := []string{
		"", "plain", "=B2+1", "#Data:RTU1", "#Data:RTU2", "#Data:RTU3", "#Data:",
		"#Time:09:00", "#Time:11:30", "#Time:bad", "#Day:4",
	}

	for round := 0; round < 40; round++ {
		cells := map[string]string{"A1": "#Date:2024-05-01", "A2": "#Time:08:00", "B2": "#Data:RTU1"}
		s, e := baseline(t, cells)
		d := NewDirtySet()

		for i := 0; i < 25; i++ {
			row := 1 + rng.Intn(5)
			col := rng.Intn(5)
			edit(t, s, d, grid.CellName(row, col), texts[rng.Intn(len(texts))])
			if rng.Intn(4) == 0 {
				e.Apply(s, d.Positions())
				d.Clear()
			}
		}
		e.Apply(s, d.Positions())

		full, _ := scan.NewScanner().Scan(context.Background(), s, dayOpts)
		require.NotNil(t, full)
		want := append([]scan.QueryTask(nil), full.Tasks...)
		sortTasks(want)
		got := e.Tasks()
		if len(want) == 0 {
			assert.Empty(t, got, fmt.Sprintf("round %d", round))
			continue
		}
		assert.Equal(t, want, got, fmt.Sprintf("round %d", round))
	}
}

func TestSnapshotClassify(t *testing.T) {
	s := grid.NewSheet()
	s.SetText(0, 0, "#Date:2024-05-01")
	s.SetText(1, 0, "#Time:09:00")
	s.SetText(1, 1, "#Data:RTU1")
	s.SetText(1, 2, "=B2*2")

	var last *Snapshot
	assert.Equal(t, FirstRefresh, last.Classify(TakeSnapshot(s, "local")))
	last = TakeSnapshot(s, "local")
	assert.Equal(t, NoChangeSinceRefresh, last.Classify(TakeSnapshot(s, "local")))

	s.SetText(1, 2, "=B2*3")
	assert.Equal(t, FormulaOnly, last.Classify(TakeSnapshot(s, "local")))

	s.SetText(1, 1, "#Data:RTU2")
	assert.Equal(t, Mixed, last.Classify(TakeSnapshot(s, "local")))

	s.SetText(1, 2, "=B2*2")
	assert.Equal(t, BindingOnly, last.Classify(TakeSnapshot(s, "local")))

	s.SetText(1, 1, "#Data:RTU1")
	assert.Equal(t, BindingOnly, last.Classify(TakeSnapshot(s, "influx")))
}
