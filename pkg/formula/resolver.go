// Package formula evaluates formula cells to a fixed point with cycle
// detection.
package formula

import (
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/scan"
)

// DefaultMaxPasses bounds the fixed-point loop.
const DefaultMaxPasses = 5

// Stats summarises one Resolve call. CycleCells lists the cells that sit on
// a reference cycle; dependents that only inherit ErrCycle are not in it.
type Stats struct {
	Passes          int
	Calculated      int
	Cycles          int
	Unresolved      int
	CycleCells      []grid.Pos
	UnresolvedCells []grid.Pos
}

// Resolver drives multi-pass evaluation over a grid's formula cells.
type Resolver struct {
	eval      Evaluator
	maxPasses int
	logger    *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEvaluator replaces the default evaluator.
func WithEvaluator(e Evaluator) Option {
	return func(r *Resolver) { r.eval = e }
}

// WithMaxPasses sets the pass cap.
func WithMaxPasses(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxPasses = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{eval: DefaultEvaluator{}, maxPasses: DefaultMaxPasses, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GridAccessor exposes a grid's displayed values to the evaluator.
type GridAccessor struct {
	G grid.Grid
}

// Value implements Accessor.
func (a GridAccessor) Value(row, col int) string {
	cell := a.G.Cell(row, col)
	if cell == nil {
		return ""
	}
	return cell.Value()
}

// Formulas lists every formula cell of g in row-major order.
func Formulas(g grid.Grid) []grid.Pos {
	var out []grid.Pos
	for row := 0; row < g.RowCount(); row++ {
		for col := 0; col < g.ColumnCount(); col++ {
			if kind, _ := scan.Classify(g.CellText(row, col)); kind == grid.KindFormula {
				out = append(out, grid.Pos{Row: row, Col: col})
			}
		}
	}
	return out
}

// Resolve recalculates the given formula cells. Every cell ends calculated:
// with its value, or with ErrCycle when it sits on a reference cycle or is
// still waiting on another formula after the last pass.
func (r *Resolver) Resolve(g grid.Grid, formulas []grid.Pos) Stats {
	exprs := make(map[grid.Pos]string, len(formulas))
	refs := make(map[grid.Pos][]grid.Pos, len(formulas))
	for _, p := range formulas {
		cell := g.Cell(p.Row, p.Col)
		if cell == nil {
			continue
		}
		cell.Kind = grid.KindFormula
		cell.Calculated = false
		cell.Result = ""
		exprs[p] = cell.Text
	}
	for p, expr := range exprs {
		for _, ref := range References(expr) {
			if _, ok := exprs[ref]; ok {
				refs[p] = append(refs[p], ref)
			}
		}
	}

	var st Stats
	calculated := func(p grid.Pos) bool {
		c := g.Cell(p.Row, p.Col)
		return c != nil && c.Calculated
	}
	acc := GridAccessor{G: g}

	for st.Passes < r.maxPasses {
		st.Passes++
		progress := 0
		for _, p := range formulas {
			if _, ok := exprs[p]; !ok || calculated(p) {
				continue
			}

			if cycle := findCycle(p, refs, calculated); len(cycle) > 0 {
				for _, c := range cycle {
					if !calculated(c) {
						r.set(g, c, ErrCycle)
						st.CycleCells = append(st.CycleCells, c)
						progress++
					}
				}
				st.Cycles++
				continue
			}

			ready := true
			for _, ref := range refs[p] {
				if !calculated(ref) {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}

			r.set(g, p, r.eval.Evaluate(exprs[p], acc, p.Row, p.Col))
			st.Calculated++
			progress++
		}
		if progress == 0 {
			break
		}
	}

	for _, p := range formulas {
		if _, ok := exprs[p]; ok && !calculated(p) {
			r.set(g, p, ErrCycle)
			st.Unresolved++
			st.UnresolvedCells = append(st.UnresolvedCells, p)
		}
	}

	if st.Cycles > 0 || st.Unresolved > 0 {
		r.logger.Warn("formulas left unresolved",
			zap.Int("cycles", st.Cycles),
			zap.Int("unresolved", st.Unresolved),
			zap.Int("passes", st.Passes))
	}
	return st
}

func (r *Resolver) set(g grid.Grid, p grid.Pos, result string) {
	cell := g.Cell(p.Row, p.Col)
	cell.Result = result
	cell.Calculated = true
	g.SetCellDisplay(p.Row, p.Col, result)
}

// findCycle walks formula references depth first from start and returns the
// cells of the first cycle reached, or nil. Calculated cells end the walk.
func findCycle(start grid.Pos, refs map[grid.Pos][]grid.Pos, calculated func(grid.Pos) bool) []grid.Pos {
	onPath := make(map[grid.Pos]int)
	done := make(map[grid.Pos]bool)
	var path []grid.Pos

	var walk func(p grid.Pos) []grid.Pos
	walk = func(p grid.Pos) []grid.Pos {
		if i, ok := onPath[p]; ok {
			return append([]grid.Pos(nil), path[i:]...)
		}
		if done[p] || calculated(p) {
			return nil
		}
		onPath[p] = len(path)
		path = append(path, p)
		for _, next := range refs[p] {
			if cycle := walk(next); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		delete(onPath, p)
		done[p] = true
		return nil
	}
	return walk(start)
}
