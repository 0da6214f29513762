package grid

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCellNames(t *testing.T) {
	cases := map[string]Pos{
		"A1":    {0, 0},
		"Z10":   {9, 25},
		"AA1":   {0, 26},
		"$B$3":  {2, 1},
		"xfd2":  {1, 16383},
		"AZ100": {99, 51},
	}
	for name, want := range cases {
		got, err := ParseCellName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	assert.Equal(t, "AA1", CellName(0, 26))
	assert.Equal(t, "B3", Pos{2, 1}.String())

	for _, bad := range []string{"", "A", "12", "A0", "XFE1"} {
		_, err := ParseCellName(bad)
		assert.Error(t, err, bad)
	}
}

func TestSheetSparse(t *testing.T) {
	s := NewSheet()
	assert.Nil(t, s.Cell(4, 4))
	assert.Equal(t, 0, s.RowCount())

	s.SetText(4, 2, "hello")
	assert.Equal(t, 5, s.RowCount())
	assert.Equal(t, 3, s.ColumnCount())
	assert.Equal(t, "hello", s.CellText(4, 2))

	s.SetCellDisplay(1, 7, "42")
	assert.Equal(t, 8, s.ColumnCount())
	assert.Equal(t, "42", s.Cell(1, 7).Display)

	s.SetText(4, 2, "")
	assert.Nil(t, s.Cell(4, 2))
	assert.Equal(t, []Pos{{1, 7}}, s.Positions())
}

func TestRestoreTemplate(t *testing.T) {
	s := NewSheet()
	s.SetText(0, 0, "#Data:RTU1")
	c := s.Cell(0, 0)
	c.Kind = KindDataMarker
	c.MarkerText = "#Data:RTU1"
	c.Text = "12.5"
	c.Display = "12.5"
	s.SetCellDisplay(5, 5, "--")

	s.RestoreTemplate()

	assert.Equal(t, "#Data:RTU1", s.CellText(0, 0))
	assert.Empty(t, s.Cell(0, 0).Display)
	assert.Nil(t, s.Cell(5, 5))
}

func TestTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grid.yaml")
	content := "variant: day\ncells:\n  A1: \"#Date:2024-05-01\"\n  A2: \"#Time:09:00\"\n  B2: \"#Data:RTU1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tpl, err := LoadTemplate(path)
	require.NoError(t, err)
	assert.Equal(t, "day", tpl.Variant)

	s, err := tpl.Sheet()
	require.NoError(t, err)
	assert.Equal(t, "#Data:RTU1", s.CellText(1, 1))

	next, err := tpl.Positions()
	require.NoError(t, err)
	next[Pos{1, 1}] = "#Data:RTU2"
	delete(next, Pos{0, 0})
	next[Pos{3, 3}] = "x"

	assert.Equal(t, []Pos{{0, 0}, {1, 1}, {3, 3}}, s.Changed(next))
}
