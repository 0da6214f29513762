package formula

import (
	"strings"

	"github.com/xuri/efp"

	"github.com/vjranagit/tsreport/pkg/grid"
)

// maxRangeCells caps how many cells one range reference expands to.
const maxRangeCells = 1 << 16

// tokenize runs the Excel formula parser over an expression with or without
// its leading '=' and drops whitespace tokens.
func tokenize(expr string) []efp.Token {
	ps := efp.ExcelParser()
	tokens := ps.Parse(strings.TrimPrefix(strings.TrimSpace(expr), "="))
	out := tokens[:0]
	for _, tok := range tokens {
		if tok.TType == efp.TokenTypeWhitespace {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// References returns every cell an expression reads, ranges expanded,
// in order of appearance. Cross-sheet and named references are skipped.
func References(expr string) []grid.Pos {
	var out []grid.Pos
	seen := make(map[grid.Pos]bool)
	for _, tok := range tokenize(expr) {
		if tok.TType != efp.TokenTypeOperand || tok.TSubType != efp.TokenSubTypeRange {
			continue
		}
		cells, ok := expandRange(tok.TValue)
		if !ok {
			continue
		}
		for _, p := range cells {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// expandRange turns "B2" or "A1:C3" into positions.
func expandRange(ref string) ([]grid.Pos, bool) {
	if strings.Contains(ref, "!") {
		return nil, false
	}
	first, last, isRange := strings.Cut(ref, ":")
	from, err := grid.ParseCellName(first)
	if err != nil {
		return nil, false
	}
	if !isRange {
		return []grid.Pos{from}, true
	}
	to, err := grid.ParseCellName(last)
	if err != nil {
		return nil, false
	}

	r0, r1 := min(from.Row, to.Row), max(from.Row, to.Row)
	c0, c1 := min(from.Col, to.Col), max(from.Col, to.Col)
	if (r1-r0+1)*(c1-c0+1) > maxRangeCells {
		return nil, false
	}
	out := make([]grid.Pos, 0, (r1-r0+1)*(c1-c0+1))
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			out = append(out, grid.Pos{Row: r, Col: c})
		}
	}
	return out, true
}
