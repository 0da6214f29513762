// Package grid defines the cell grid the report core reads and writes, plus a
// sparse in-memory implementation.
package grid

import (
	"sort"
	"sync"
)

// Kind classifies a cell.
type Kind int

const (
	KindPlain Kind = iota
	KindDateMarker
	KindStartDateMarker
	KindTimeOfDayMarker
	KindTimeMarker
	KindDayMarker
	KindDataMarker
	KindFormula
)

func (k Kind) String() string {
	switch k {
	case KindDateMarker:
		return "date"
	case KindStartDateMarker:
		return "start-date"
	case KindTimeOfDayMarker:
		return "time-of-day"
	case KindTimeMarker:
		return "time"
	case KindDayMarker:
		return "day"
	case KindDataMarker:
		return "data"
	case KindFormula:
		return "formula"
	default:
		return "plain"
	}
}

// IsRowTime reports whether the kind gives its row a time context.
func (k Kind) IsRowTime() bool {
	return k == KindTimeMarker || k == KindDayMarker
}

// IsMarker reports whether the kind is any marker.
func (k Kind) IsMarker() bool {
	return k != KindPlain && k != KindFormula
}

// Pos is a zero-based (row, col) coordinate.
type Pos struct {
	Row int
	Col int
}

// Cell is one populated grid cell. Text is what the user typed; Display is
// what the report shows after a fill. MarkerText keeps the original marker so
// the template can be restored.
type Cell struct {
	Text       string
	Display    string
	Kind       Kind
	MarkerText string
	SeriesID   string

	Calculated bool
	Result     string
}

// Value is the text an expression sees when it references the cell.
func (c *Cell) Value() string {
	switch {
	case c.Kind == KindFormula && c.Calculated:
		return c.Result
	case c.Display != "":
		return c.Display
	case c.Kind.IsMarker():
		return ""
	default:
		return c.Text
	}
}

// Grid is the collaborator contract. Coordinates are zero-based and the core
// iterates only what RowCount and ColumnCount report.
type Grid interface {
	Cell(row, col int) *Cell
	CellText(row, col int) string
	SetCellDisplay(row, col int, value string)
	RowCount() int
	ColumnCount() int
}

// Sheet is a sparse Grid keyed by coordinate.
type Sheet struct {
	mu    sync.RWMutex
	cells map[Pos]*Cell
	rows  int
	cols  int
}

// NewSheet creates an empty sheet
func NewSheet() *Sheet {
	return &Sheet{cells: make(map[Pos]*Cell)}
}

// Cell returns the cell at (row, col) or nil when empty.
func (s *Sheet) Cell(row, col int) *Cell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cells[Pos{row, col}]
}

// CellText returns the raw text at (row, col).
func (s *Sheet) CellText(row, col int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.cells[Pos{row, col}]; ok {
		return c.Text
	}
	return ""
}

// SetCellDisplay sets the displayed value, creating the cell if needed.
func (s *Sheet) SetCellDisplay(row, col int, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cellLocked(row, col).Display = value
}

// SetText replaces the raw text of a cell and resets derived state. An empty
// text removes the cell.
func (s *Sheet) SetText(row, col int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if text == "" {
		delete(s.cells, Pos{row, col})
		return
	}
	c := s.cellLocked(row, col)
	*c = Cell{Text: text}
}

// RowCount returns one past the highest populated row.
func (s *Sheet) RowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rows
}

// ColumnCount returns one past the highest populated column.
func (s *Sheet) ColumnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cols
}

// Positions returns every populated coordinate in row-major order.
func (s *Sheet) Positions() []Pos {
	s.mu.RLock()
	out := make([]Pos, 0, len(s.cells))
	for p := range s.cells {
		out = append(out, p)
	}
	s.mu.RUnlock()

	SortPositions(out)
	return out
}

// Texts snapshots the raw text of every populated cell.
func (s *Sheet) Texts() map[Pos]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Pos]string, len(s.cells))
	for p, c := range s.cells {
		out[p] = c.Text
	}
	return out
}

// RestoreTemplate reverts every marker cell to its original marker text and
// clears displayed values and formula results.
func (s *Sheet) RestoreTemplate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, c := range s.cells {
		if c.Text == "" && c.MarkerText == "" {
			// Display-only cells written by a fill.
			delete(s.cells, p)
			continue
		}
		if c.MarkerText != "" {
			c.Text = c.MarkerText
		}
		c.Display = ""
		c.Calculated = false
		c.Result = ""
	}
}

func (s *Sheet) cellLocked(row, col int) *Cell {
	p := Pos{row, col}
	c, ok := s.cells[p]
	if !ok {
		c = &Cell{}
		s.cells[p] = c
		if row+1 > s.rows {
			s.rows = row + 1
		}
		if col+1 > s.cols {
			s.cols = col + 1
		}
	}
	return c
}

// SortPositions orders positions row-major.
func SortPositions(ps []Pos) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Row != ps[j].Row {
			return ps[i].Row < ps[j].Row
		}
		return ps[i].Col < ps[j].Col
	})
}
