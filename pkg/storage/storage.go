// Package storage is the local time-series store: hour blocks per series in
// BadgerDB, a persisted series index, and a write-ahead log.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/metrics"
	"github.com/vjranagit/tsreport/pkg/types"
)

// Source is the fetch source name of the local store.
const Source = "local"

// Storage is the local store contract. Fetch answers query addresses the way
// every fetch.Fetcher does.
type Storage interface {
	Write(ctx context.Context, req *types.WriteRequest) error
	Fetch(ctx context.Context, address string) (types.Samples, error)
	Series(selector map[string]string) []SeriesMeta
	Maintain(ctx context.Context, every time.Duration) error
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string
	RetentionDays    int
	CompressionLevel int
	EnableWAL        bool
	// Location interprets wall-clock times in query addresses.
	Location *time.Location
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    30,
		CompressionLevel: 3,
		EnableWAL:        true,
		Location:         time.UTC,
	}
}

const blockMillis = int64(time.Hour / time.Millisecond)

var indexKey = []byte("meta/index")

type badgerStorage struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	wal        *WAL
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewStorage opens the store at cfg.Path, loads the series index and replays
// any write-ahead log left by an unclean shutdown.
func NewStorage(cfg *Config, logger *zap.Logger) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		logger:     logger,
	}
	if err := s.loadIndex(); err != nil {
		s.closeDB()
		return nil, err
	}

	if cfg.EnableWAL {
		n, err := ReplayWAL(cfg.Path, s.writeDirect)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		if n > 0 {
			logger.Info("replayed write-ahead log", zap.Int("entries", n))
			if err := s.saveIndex(); err != nil {
				s.closeDB()
				return nil, err
			}
		}
		if s.wal, err = NewWAL(cfg.Path); err != nil {
			s.closeDB()
			return nil, err
		}
	}

	logger.Info("storage opened",
		zap.String("path", cfg.Path),
		zap.Int("series", s.index.SeriesCount()),
		zap.Bool("wal", cfg.EnableWAL))
	return s, nil
}

// Write implements Storage.Write. Samples for an existing timestamp replace
// the stored value.
func (s *badgerStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	for i, series := range req.Series {
		if series.ID == "" {
			return fmt.Errorf("series %d: id is required", i)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal != nil {
		if err := s.wal.Append(req); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}
	if err := s.writeDirect(req); err != nil {
		return err
	}
	return s.saveIndex()
}

// writeDirect stores req without logging it.
func (s *badgerStorage) writeDirect(req *types.WriteRequest) error {
	written := 0
	for _, series := range req.Series {
		key, err := s.index.AddSeries(series.ID, series.Labels)
		if err != nil {
			return fmt.Errorf("failed to index series: %w", err)
		}
		if len(series.Samples) == 0 {
			continue
		}

		blocks := groupSamplesByBlock(series.Samples)
		var minTS, maxTS int64 = math.MaxInt64, math.MinInt64
		err = s.db.Update(func(txn *badger.Txn) error {
			for blockTime, samples := range blocks {
				ts, vals, err := s.readBlockTxn(txn, key, blockTime)
				if err != nil {
					return err
				}
				ts, vals = mergeSamples(ts, vals, samples)
				if err := s.writeBlockTxn(txn, key, blockTime, ts, vals); err != nil {
					return err
				}
				minTS = min(minTS, ts[0])
				maxTS = max(maxTS, ts[len(ts)-1])
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to write series %q: %w", series.ID, err)
		}
		if err := s.index.UpdateTimeRange(series.ID, minTS, maxTS); err != nil {
			return err
		}
		written += len(series.Samples)
	}
	metrics.SamplesWritten.Add(float64(written))
	return nil
}

// groupSamplesByBlock groups samples into 1-hour blocks keyed by block start
// (Unix ms).
func groupSamplesByBlock(samples []types.Sample) map[int64][]types.Sample {
	blocks := make(map[int64][]types.Sample)
	for _, sample := range samples {
		ms := sample.Timestamp.UnixMilli()
		blocks[blockStart(ms)] = append(blocks[blockStart(ms)], sample)
	}
	return blocks
}

func blockStart(ms int64) int64 {
	b := ms - ms%blockMillis
	if ms < 0 && ms%blockMillis != 0 {
		b -= blockMillis
	}
	return b
}

// mergeSamples overlays add onto a stored block; the newer value wins.
func mergeSamples(ts []int64, vals []float64, add []types.Sample) ([]int64, []float64) {
	merged := make(map[int64]float64, len(ts)+len(add))
	for i, t := range ts {
		merged[t] = vals[i]
	}
	for _, sample := range add {
		merged[sample.Timestamp.UnixMilli()] = sample.Value
	}

	outTS := make([]int64, 0, len(merged))
	for t := range merged {
		outTS = append(outTS, t)
	}
	sort.Slice(outTS, func(i, j int) bool { return outTS[i] < outTS[j] })
	outVals := make([]float64, len(outTS))
	for i, t := range outTS {
		outVals[i] = merged[t]
	}
	return outTS, outVals
}

func (s *badgerStorage) writeBlockTxn(txn *badger.Txn, key uint64, blockTime int64, ts []int64, vals []float64) error {
	payload, err := s.compressor.EncodeBlock(ts, vals)
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	entry := badger.NewEntry(generateKey(key, blockTime), payload)
	if s.cfg.RetentionDays > 0 {
		entry = entry.WithTTL(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	}
	return txn.SetEntry(entry)
}

// readBlockTxn returns the stored block, or empty slices when absent.
func (s *badgerStorage) readBlockTxn(txn *badger.Txn, key uint64, blockTime int64) ([]int64, []float64, error) {
	item, err := txn.Get(generateKey(key, blockTime))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	payload, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	return s.compressor.DecodeBlock(payload)
}

// Fetch implements fetch.Fetcher. Time ranges return every stored sample in
// [start, end]; date ranges return, per day, the sample of each series
// nearest the time of day within fetch.SnapWindow.
func (s *badgerStorage) Fetch(ctx context.Context, address string) (types.Samples, error) {
	addr, err := types.ParseAddress(address, s.cfg.Location)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out types.Samples
	err = s.db.View(func(txn *badger.Txn) error {
		if !addr.DateRange {
			out = make(types.Samples)
			return s.readRange(ctx, txn, out, addr.Series, addr.Start.UnixMilli(), addr.End.UnixMilli())
		}
		var derr error
		out, derr = s.readDates(ctx, txn, addr)
		return derr
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &fetch.TransportError{Source: Source, Address: address, Err: err}
	}
	return out, nil
}

// readRange adds every sample of series in [from, to] into out. Unknown
// series contribute nothing.
func (s *badgerStorage) readRange(ctx context.Context, txn *badger.Txn, out types.Samples, series []string, from, to int64) error {
	for i, id := range series {
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, ok := s.index.GetSeries(id)
		if !ok || meta.MaxTime < from || meta.MinTime > to {
			continue
		}
		for b := blockStart(from); b <= to; b += blockMillis {
			ts, vals, err := s.readBlockTxn(txn, meta.Key, b)
			if err != nil {
				return fmt.Errorf("series %q block %d: %w", id, b, err)
			}
			for j, t := range ts {
				if t < from || t > to {
					continue
				}
				row, ok := out[t]
				if !ok {
					row = nanRow(len(series))
					out[t] = row
				}
				row[i] = vals[j]
			}
		}
	}
	return nil
}

func (s *badgerStorage) readDates(ctx context.Context, txn *badger.Txn, addr types.Address) (types.Samples, error) {
	instants := addr.Instants()
	window := fetch.SnapWindow.Milliseconds()
	out := make(types.Samples, len(instants))

	for i, id := range addr.Series {
		dense := make(types.Samples)
		for _, at := range instants {
			ms := at.UnixMilli()
			if err := s.readRange(ctx, txn, dense, []string{id}, ms-window, ms+window); err != nil {
				return nil, err
			}
		}
		for ts, v := range fetch.Snap(dense, instants, fetch.SnapWindow) {
			row, ok := out[ts]
			if !ok {
				row = nanRow(len(addr.Series))
				out[ts] = row
			}
			row[i] = v[0]
		}
	}
	return out, nil
}

func nanRow(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = math.NaN()
	}
	return row
}

// Series lists the stored series matching selector.
func (s *badgerStorage) Series(selector map[string]string) []SeriesMeta {
	ids := s.index.FindSeries(selector)
	out := make([]SeriesMeta, 0, len(ids))
	for _, id := range ids {
		if meta, ok := s.index.GetSeries(id); ok {
			out = append(out, meta)
		}
	}
	return out
}

// Maintain runs value-log garbage collection every interval until ctx ends,
// reclaiming space held by expired blocks.
func (s *badgerStorage) Maintain(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Warn("value log gc failed", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

func (s *badgerStorage) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read index: %w", err)
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to read index: %w", err)
		}
		if err := s.index.Deserialize(data); err != nil {
			return fmt.Errorf("failed to load index: %w", err)
		}
		return nil
	})
}

func (s *badgerStorage) saveIndex() error {
	data, err := s.index.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize index: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(indexKey, data)
	})
}

// Close implements Storage.Close. A clean close drops the log, since every
// logged write is already in the block store.
func (s *badgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.wal != nil {
		errs = append(errs, s.wal.Discard())
		s.wal = nil
	}
	errs = append(errs, s.saveIndex())
	errs = append(errs, s.closeDB())
	return errors.Join(errs...)
}

func (s *badgerStorage) closeDB() error {
	s.compressor.Close()
	return s.db.Close()
}

// generateKey is 'b' + series key + block start, big-endian so blocks of one
// series sort by time.
func generateKey(seriesKey uint64, blockTime int64) []byte {
	key := make([]byte, 0, 17)
	key = append(key, 'b')
	key = binary.BigEndian.AppendUint64(key, seriesKey)
	key = binary.BigEndian.AppendUint64(key, uint64(blockTime))
	return key
}
