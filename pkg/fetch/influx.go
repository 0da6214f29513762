package fetch

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/query"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/types"
)

// InfluxConfig locates the series in an InfluxDB v2 bucket. Each series id
// is the value of SeriesTag on Measurement; the sample is Field.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Field       string
	SeriesTag   string
	Location    *time.Location
}

// recordIterator is the part of *api.QueryTableResult the decoder uses.
type recordIterator interface {
	Next() bool
	Record() *query.FluxRecord
	Err() error
}

// InfluxFetcher answers range queries with Flux.
type InfluxFetcher struct {
	cfg      InfluxConfig
	client   influxdb2.Client
	queryAPI api.QueryAPI
	logger   *zap.Logger
}

// NewInfluxFetcher creates a fetcher owning its own client.
func NewInfluxFetcher(cfg InfluxConfig, logger *zap.Logger) (*InfluxFetcher, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx configuration incomplete: url, org and bucket are required")
	}
	if cfg.SeriesTag == "" {
		cfg.SeriesTag = "series"
	}
	if cfg.Field == "" {
		cfg.Field = "value"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxFetcher{
		cfg:      cfg,
		client:   client,
		queryAPI: client.QueryAPI(cfg.Org),
		logger:   logger,
	}, nil
}

// Fetch implements Fetcher.
func (f *InfluxFetcher) Fetch(ctx context.Context, address string) (types.Samples, error) {
	ctx, span := startSpan(ctx, "influx", address)
	defer span.End()
	started := time.Now()

	samples, err := f.fetch(ctx, address)
	observe(span, "influx", started, samples, err)
	return samples, err
}

func (f *InfluxFetcher) fetch(ctx context.Context, address string) (types.Samples, error) {
	addr, err := types.ParseAddress(address, f.cfg.Location)
	if err != nil {
		return nil, err
	}

	flux := f.buildQuery(addr)
	f.logger.Debug("running flux query", zap.String("address", address))

	result, err := f.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, &TransportError{Source: "influx", Address: address, Err: err}
	}
	defer result.Close()

	dense, err := decodeRecords(result, addr.Series, f.cfg.SeriesTag)
	if err != nil {
		return nil, &TransportError{Source: "influx", Address: address, Err: err}
	}
	if addr.DateRange {
		return Snap(dense, addr.Instants(), SnapWindow), nil
	}
	return dense, nil
}

// buildQuery renders the Flux text for an address. Date ranges query the
// whole span widened by the snap window and are reduced client side.
func (f *InfluxFetcher) buildQuery(addr types.Address) string {
	start, stop := addr.Start, addr.End.Add(time.Second)
	if addr.DateRange {
		start = addr.Start.Add(addr.TimeOfDay - SnapWindow)
		stop = addr.End.Add(addr.TimeOfDay + SnapWindow + time.Second)
	}

	ids := make([]string, len(addr.Series))
	for i, id := range addr.Series {
		ids[i] = fmt.Sprintf("r.%s == %s", f.cfg.SeriesTag, strconv.Quote(id))
	}

	return fmt.Sprintf(`
		from(bucket: %q)
		  |> range(start: %s, stop: %s)
		  |> filter(fn: (r) => r._measurement == %q and r._field == %q)
		  |> filter(fn: (r) => %s)
		  |> keep(columns: ["_time", "_value", %q])
		  |> sort(columns: ["_time"], desc: false)
	`, f.cfg.Bucket,
		start.UTC().Format(time.RFC3339), stop.UTC().Format(time.RFC3339),
		f.cfg.Measurement, f.cfg.Field,
		strings.Join(ids, " or "),
		f.cfg.SeriesTag)
}

// decodeRecords folds Flux records into one value vector per timestamp,
// positioned by the address' series order.
func decodeRecords(it recordIterator, series []string, tag string) (types.Samples, error) {
	pos := make(map[string]int, len(series))
	for i, id := range series {
		pos[id] = i
	}

	out := make(types.Samples)
	for it.Next() {
		rec := it.Record()
		id, _ := rec.ValueByKey(tag).(string)
		i, ok := pos[id]
		if !ok {
			continue
		}
		v, ok := toFloat(rec.Value())
		if !ok {
			continue
		}

		ts := rec.Time().UnixMilli()
		vals, ok := out[ts]
		if !ok {
			vals = make([]float64, len(series))
			for j := range vals {
				vals[j] = math.NaN()
			}
			out[ts] = vals
		}
		vals[i] = v
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("error reading influx results: %w", err)
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Close releases the client.
func (f *InfluxFetcher) Close() {
	f.client.Close()
}
