package grid

import (
	"fmt"
	"strconv"
	"strings"
)

// maxColumns mirrors the spreadsheet limit (XFD).
const maxColumns = 16384

// CellName converts a zero-based position to an A1-style name.
func CellName(row, col int) string {
	return ColumnName(col) + strconv.Itoa(row+1)
}

// ColumnName converts a zero-based column index to letters (0 → A).
func ColumnName(col int) string {
	n := col + 1
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}

// ParseCellName converts an A1-style name ($ anchors allowed) to a zero-based
// position.
func ParseCellName(name string) (Pos, error) {
	name = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "$", ""))
	i := 0
	for i < len(name) && name[i] >= 'A' && name[i] <= 'Z' {
		i++
	}
	if i == 0 || i == len(name) {
		return Pos{}, fmt.Errorf("invalid cell name %q", name)
	}

	col := 0
	for _, ch := range name[:i] {
		col = col*26 + int(ch-'A'+1)
	}
	if col > maxColumns {
		return Pos{}, fmt.Errorf("column out of range in %q", name)
	}

	row, err := strconv.Atoi(name[i:])
	if err != nil || row < 1 {
		return Pos{}, fmt.Errorf("invalid row in %q", name)
	}
	return Pos{Row: row - 1, Col: col - 1}, nil
}

// String renders the position as an A1-style name.
func (p Pos) String() string {
	return CellName(p.Row, p.Col)
}
