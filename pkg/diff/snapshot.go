package diff

import (
	"strings"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/scan"
)

// ChangeKind classifies what changed since the last successful refresh.
type ChangeKind int

const (
	FirstRefresh ChangeKind = iota
	NoChangeSinceRefresh
	FormulaOnly
	BindingOnly
	Mixed
)

func (k ChangeKind) String() string {
	switch k {
	case NoChangeSinceRefresh:
		return "no-change"
	case FormulaOnly:
		return "formula-only"
	case BindingOnly:
		return "binding-only"
	case Mixed:
		return "mixed"
	default:
		return "first-refresh"
	}
}

// Snapshot records the grid's bindings and formulas at a successful refresh.
// It only classifies the next change; it never drives querying itself.
type Snapshot struct {
	// BindingKey folds the data source and every date/time marker text.
	BindingKey      string
	FormulaCells    map[grid.Pos]string
	DataMarkerCells map[grid.Pos]string
}

// TakeSnapshot captures g as bound to source.
func TakeSnapshot(g grid.Grid, source string) *Snapshot {
	s := &Snapshot{
		FormulaCells:    make(map[grid.Pos]string),
		DataMarkerCells: make(map[grid.Pos]string),
	}
	var key strings.Builder
	key.WriteString(source)

	for row := 0; row < g.RowCount(); row++ {
		for col := 0; col < g.ColumnCount(); col++ {
			text := g.CellText(row, col)
			if text == "" {
				continue
			}
			p := grid.Pos{Row: row, Col: col}
			kind, _ := scan.Classify(text)
			switch {
			case kind == grid.KindFormula:
				s.FormulaCells[p] = text
			case kind == grid.KindDataMarker:
				s.DataMarkerCells[p] = text
			case kind.IsMarker():
				key.WriteByte('|')
				key.WriteString(p.String())
				key.WriteByte('=')
				key.WriteString(text)
			}
		}
	}
	s.BindingKey = key.String()
	return s
}

// Classify compares next against the snapshot. A nil receiver means no
// refresh has succeeded yet.
func (s *Snapshot) Classify(next *Snapshot) ChangeKind {
	if s == nil {
		return FirstRefresh
	}
	binding := s.BindingKey != next.BindingKey || !sameCells(s.DataMarkerCells, next.DataMarkerCells)
	formulas := !sameCells(s.FormulaCells, next.FormulaCells)
	switch {
	case binding && formulas:
		return Mixed
	case binding:
		return BindingOnly
	case formulas:
		return FormulaOnly
	default:
		return NoChangeSinceRefresh
	}
}

func sameCells(a, b map[grid.Pos]string) bool {
	if len(a) != len(b) {
		return false
	}
	for p, text := range a {
		if b[p] != text {
			return false
		}
	}
	return true
}
