// Package query runs query plans against a fetcher and lands the answers in
// the point cache.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/cache"
	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/plan"
	"github.com/vjranagit/tsreport/pkg/types"
)

var tracer = otel.Tracer("tsreport.query")

// Summary is the outcome of one plan execution.
type Summary struct {
	Succeeded  int
	Total      int
	Mismatches int
	// Failed lists the indexes of blocks that returned no timestamps.
	Failed []int
}

// OK reports whether every block returned data.
func (s Summary) OK() bool {
	return s.Succeeded == s.Total
}

// Progress is called after each block with the number of blocks handled.
type Progress func(done, total int)

// Executor issues one fetch per time block.
type Executor struct {
	fetcher fetch.Fetcher
	cache   *cache.PointCache
	logger  *zap.Logger
}

// NewExecutor creates an executor writing into c
func NewExecutor(f fetch.Fetcher, c *cache.PointCache, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{fetcher: f, cache: c, logger: logger}
}

// Address builds the query address for one block.
func Address(series []string, b plan.TimeBlock, interval time.Duration) types.Address {
	if b.HasDateRange {
		return types.Address{
			Series:    series,
			Start:     b.StartDate,
			End:       b.EndDate,
			Interval:  24 * time.Hour,
			DateRange: true,
			TimeOfDay: b.TimeOfDay,
		}
	}
	return types.Address{Series: series, Start: b.Start, End: b.End, Interval: interval}
}

// Run executes the plan block by block. A block with no timestamps is
// counted as failed and the run continues. Transport errors and
// cancellation abort the run. Each block lands in the cache as one batch.
func (e *Executor) Run(ctx context.Context, p *plan.Plan, interval time.Duration, progress Progress) (Summary, error) {
	ctx, span := tracer.Start(ctx, "query.Run",
		trace.WithAttributes(
			attribute.Int("plan.blocks", len(p.Blocks)),
			attribute.String("plan.strategy", p.Strategy.String()),
		),
	)
	defer span.End()

	sum := Summary{Total: len(p.Blocks)}
	for i, b := range p.Blocks {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "context canceled")
			return sum, err
		}

		addr := Address(p.Series, b, interval).String()
		samples, err := e.fetcher.Fetch(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			var te *fetch.TransportError
			if errors.As(err, &te) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return sum, fmt.Errorf("block %d: %w", i, err)
			}
			e.logger.Warn("block query failed",
				zap.Int("block", i), zap.String("address", addr), zap.Error(err))
			sum.Failed = append(sum.Failed, i)
			if progress != nil {
				progress(i+1, len(p.Blocks))
			}
			continue
		}

		if len(samples) == 0 {
			e.logger.Warn("block returned no data", zap.Int("block", i), zap.String("address", addr))
			sum.Failed = append(sum.Failed, i)
		} else {
			sum.Mismatches += e.store(i, p.Series, samples)
			sum.Succeeded++
		}
		if progress != nil {
			progress(i+1, len(p.Blocks))
		}
	}

	span.SetAttributes(
		attribute.Int("query.succeeded", sum.Succeeded),
		attribute.Int("query.mismatches", sum.Mismatches),
	)
	return sum, nil
}

// store converts one answer into cache points and inserts them as a single
// batch. Vectors whose length differs from the series list store the
// overlapping prefix. It returns the number of mismatched vectors.
func (e *Executor) store(block int, series []string, samples types.Samples) int {
	points := make([]cache.Point, 0, len(samples)*len(series))
	mismatches := 0
	for raw, vals := range samples {
		if len(vals) != len(series) {
			mismatches++
		}
		ts := types.NormalizeMillis(raw)
		n := min(len(vals), len(series))
		for i := 0; i < n; i++ {
			if !finite(vals[i]) {
				continue
			}
			points = append(points, cache.Point{SeriesID: series[i], Timestamp: ts, Value: float32(vals[i])})
		}
	}
	if mismatches > 0 {
		e.logger.Warn("value vector length differs from series list",
			zap.Int("block", block),
			zap.Int("series", len(series)),
			zap.Int("vectors", mismatches))
	}
	e.cache.PutBatch(points)
	return mismatches
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
