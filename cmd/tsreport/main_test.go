package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/report"
	"github.com/vjranagit/tsreport/pkg/types"
)

const dayTemplate = `variant: day
cells:
  A1: "#Date:2024-05-01"
  A2: "#Time:09:00"
  B2: "#Data:RTU1"
  C2: "=B2*2"
`

func writeTemplate(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("Failed to write template: %v", err)
	}
}

func testSession(t *testing.T, path string) *session {
	t.Helper()
	tpl, err := grid.LoadTemplate(path)
	require.NoError(t, err)
	sheet, err := tpl.Sheet()
	require.NoError(t, err)

	f := fetch.Func(func(ctx context.Context, address string) (types.Samples, error) {
		addr, err := types.ParseAddress(address, nil)
		if err != nil {
			return nil, err
		}
		out := make(types.Samples)
		for _, ts := range addr.Instants() {
			row := make([]float64, len(addr.Series))
			for i := range row {
				row[i] = 21
			}
			out[ts.UnixMilli()] = row
		}
		return out, nil
	})

	sess := &session{sheet: sheet, timeout: time.Second, logger: zap.NewNop()}
	sess.report = report.New(sheet, f, report.DefaultOptions())
	t.Cleanup(sess.Close)
	return sess
}

func TestRunFillsAndRenders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "day.yaml")
	writeTemplate(t, path, dayTemplate)
	sess := testSession(t, path)

	comp, err := sess.report.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, comp.Success, comp.Message)

	var out bytes.Buffer
	render(&out, sess.sheet)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"A", "B", "C"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"2", "#Time:09:00", "21", "42"}, strings.Fields(lines[2]))
}

func TestApplyTemplateEditsOnlyChangedCells(t *testing.T) {
	path := filepath.Join(t.TempDir(), "day.yaml")
	writeTemplate(t, path, dayTemplate)
	sess := testSession(t, path)

	_, err := sess.report.Refresh(context.Background())
	require.NoError(t, err)

	require.NoError(t, applyTemplate(sess, path))
	assert.Empty(t, sess.report.Dirty(), "an unchanged template is not an edit")

	writeTemplate(t, path, strings.Replace(dayTemplate, "=B2*2", "=B2*3", 1))
	require.NoError(t, applyTemplate(sess, path))
	assert.Equal(t, []grid.Pos{{Row: 1, Col: 2}}, sess.report.Dirty())

	comp, err := sess.report.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "formulas recalculated", comp.Message)
	assert.Equal(t, "63", sess.sheet.Cell(1, 2).Result)
}
