package query

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/cache"
	"github.com/vjranagit/tsreport/pkg/types"
)

// alignCheckEvery is how many axis slots are aligned between cancellation
// checks.
const alignCheckEvery = 256

// Axis returns the inclusive, ordered timestamps (Unix ms) from start to end
// stepping by interval. A zero interval yields the single point start.
func Axis(start, end time.Time, interval time.Duration) []int64 {
	if interval <= 0 || !end.After(start) {
		return []int64{start.UnixMilli()}
	}
	var out []int64
	for t := start; !t.After(end); t = t.Add(interval) {
		out = append(out, t.UnixMilli())
	}
	return out
}

// Aligned is raw data snapped onto an axis. Values[slot][series] is NaN when
// no sample fell within tolerance of the slot.
type Aligned struct {
	Axis   []int64
	Series []string
	Values [][]float64
}

// Valid reports whether the slot holds a value for the series index.
func (a *Aligned) Valid(slot, series int) bool {
	return finite(a.Values[slot][series])
}

// Align snaps raw samples onto axis. For each slot the nearest raw timestamp
// (after unit normalisation) within tolerance supplies one value per series;
// otherwise the slot has no data. Non-finite values count as no data. Valid
// aligned points are also written to c at the axis timestamp when c is not
// nil.
func Align(ctx context.Context, raw types.Samples, series []string, axis []int64, tolerance time.Duration, c *cache.PointCache) (*Aligned, error) {
	type rawPoint struct {
		ts   int64
		vals []float64
	}
	sorted := make([]rawPoint, 0, len(raw))
	for ts, vals := range raw {
		sorted = append(sorted, rawPoint{ts: types.NormalizeMillis(ts), vals: vals})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ts < sorted[j].ts })

	limit := tolerance.Milliseconds()
	out := &Aligned{Axis: axis, Series: series, Values: make([][]float64, len(axis))}
	var points []cache.Point

	for slot, at := range axis {
		if slot%alignCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		row := make([]float64, len(series))
		for i := range row {
			row[i] = math.NaN()
		}
		out.Values[slot] = row

		// nearest candidate: the first raw point at or after the slot, or the
		// one just before it; the earlier wins a tie.
		j := sort.Search(len(sorted), func(k int) bool { return sorted[k].ts >= at })
		best := -1
		bestDist := int64(math.MaxInt64)
		for _, k := range []int{j - 1, j} {
			if k < 0 || k >= len(sorted) {
				continue
			}
			d := sorted[k].ts - at
			if d < 0 {
				d = -d
			}
			if d <= limit && d < bestDist {
				best, bestDist = k, d
			}
		}
		if best < 0 {
			continue
		}

		vals := sorted[best].vals
		for i := 0; i < len(series) && i < len(vals); i++ {
			if !finite(vals[i]) {
				continue
			}
			row[i] = vals[i]
			points = append(points, cache.Point{SeriesID: series[i], Timestamp: at, Value: float32(vals[i])})
		}
	}

	if c != nil {
		c.PutBatch(points)
	}
	return out, nil
}

// AxisRequest describes one unified query: a series list sampled on a
// regular axis.
type AxisRequest struct {
	Series    []string
	Start     time.Time
	End       time.Time
	Interval  time.Duration
	Tolerance time.Duration
}

// RunAxis fetches the whole axis span in one call and aligns the answer onto
// the axis, populating the cache.
func (e *Executor) RunAxis(ctx context.Context, req AxisRequest) (*Aligned, error) {
	ctx, span := tracer.Start(ctx, "query.RunAxis")
	defer span.End()

	addr := types.Address{Series: req.Series, Start: req.Start, End: req.End, Interval: req.Interval}
	samples, err := e.fetcher.Fetch(ctx, addr.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("axis query: %w", err)
	}

	axis := Axis(req.Start, req.End, req.Interval)
	aligned, err := Align(ctx, samples, req.Series, axis, req.Tolerance, e.cache)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("axis aligned",
		zap.Int("slots", len(axis)),
		zap.Int("raw", len(samples)),
		zap.Int("series", len(req.Series)))
	return aligned, nil
}
