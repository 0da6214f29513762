// Package fetch adapts time-series sources to the single range-query
// primitive the report core consumes.
package fetch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vjranagit/tsreport/pkg/metrics"
	"github.com/vjranagit/tsreport/pkg/types"
)

var tracer = otel.Tracer("tsreport.fetch")

// SnapWindow bounds how far a stored sample may sit from a date-range
// instant and still answer for it.
const SnapWindow = 5 * time.Minute

// Fetcher runs one range query. The address follows types.Address; the
// answer maps raw timestamps to one value per requested series. An empty map
// is a valid answer. Failures to reach the source are *TransportError.
type Fetcher interface {
	Fetch(ctx context.Context, address string) (types.Samples, error)
}

// Func adapts a function to Fetcher.
type Func func(ctx context.Context, address string) (types.Samples, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, address string) (types.Samples, error) {
	return f(ctx, address)
}

// TransportError reports a source that could not be reached or answered
// with a protocol failure.
type TransportError struct {
	Source  string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s fetch %q: %v", e.Source, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Observed wraps f with the span and metrics the built-in adapters record.
func Observed(source string, f Fetcher) Fetcher {
	return Func(func(ctx context.Context, address string) (types.Samples, error) {
		ctx, span := startSpan(ctx, source, address)
		defer span.End()
		started := time.Now()
		samples, err := f.Fetch(ctx, address)
		observe(span, source, started, samples, err)
		return samples, err
	})
}

// startSpan opens a span around one source call.
func startSpan(ctx context.Context, source, address string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "fetch."+source,
		trace.WithAttributes(
			attribute.String("fetch.source", source),
			attribute.String("fetch.address", address),
		),
	)
}

// observe records metrics and span status for one finished call.
func observe(span trace.Span, source string, started time.Time, samples types.Samples, err error) {
	metrics.FetchDuration.WithLabelValues(source).Observe(time.Since(started).Seconds())
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case len(samples) == 0:
		outcome = "empty"
	}
	span.SetAttributes(attribute.Int("fetch.timestamps", len(samples)))
	metrics.FetchRequests.WithLabelValues(source, outcome).Inc()
}

// Snap answers a date-range address from a dense answer: for every instant it
// keeps the per-series values of the nearest timestamp within window and
// keys them by the instant itself. Ties keep the earlier sample. Instants
// with no sample nearby are omitted.
func Snap(dense types.Samples, instants []time.Time, window time.Duration) types.Samples {
	out := make(types.Samples, len(instants))
	limit := window.Milliseconds()
	for _, at := range instants {
		want := at.UnixMilli()
		best, bestRaw := int64(-1), int64(0)
		var vals []float64
		for raw, v := range dense {
			d := types.NormalizeMillis(raw) - want
			if d < 0 {
				d = -d
			}
			if d > limit {
				continue
			}
			if best < 0 || d < best || (d == best && raw < bestRaw) {
				best, bestRaw, vals = d, raw, v
			}
		}
		if best >= 0 {
			out[want] = vals
		}
	}
	return out
}
