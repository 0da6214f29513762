package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// SeriesMeta describes one stored series.
type SeriesMeta struct {
	ID      string            `json:"id"`
	Key     uint64            `json:"-"`
	Labels  map[string]string `json:"labels,omitempty"`
	MinTime int64             `json:"min_time"`
	MaxTime int64             `json:"max_time"`
}

// Index maps series ids to their block key and keeps an inverted label index.
type Index struct {
	mu     sync.RWMutex
	series map[string]*SeriesMeta
	// label name -> label value -> series ids
	labels map[string]map[string][]string
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		series: make(map[string]*SeriesMeta),
		labels: make(map[string]map[string][]string),
	}
}

// seriesKey is the fixed-width key prefix of a series' blocks.
func seriesKey(id string) uint64 {
	return xxhash.Sum64String(id)
}

// AddSeries registers id, merging new labels, and returns its block key.
func (idx *Index) AddSeries(id string, labels map[string]string) (uint64, error) {
	if id == "" {
		return 0, fmt.Errorf("series id is required")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	meta, ok := idx.series[id]
	if !ok {
		meta = &SeriesMeta{ID: id, Key: seriesKey(id), Labels: make(map[string]string)}
		idx.series[id] = meta
	}
	for name, value := range labels {
		if old, ok := meta.Labels[name]; ok {
			if old == value {
				continue
			}
			idx.unlinkLocked(name, old, id)
		}
		meta.Labels[name] = value
		idx.linkLocked(name, value, id)
	}
	return meta.Key, nil
}

func (idx *Index) linkLocked(name, value, id string) {
	if idx.labels[name] == nil {
		idx.labels[name] = make(map[string][]string)
	}
	idx.labels[name][value] = append(idx.labels[name][value], id)
}

func (idx *Index) unlinkLocked(name, value, id string) {
	ids := idx.labels[name][value]
	for i, v := range ids {
		if v == id {
			idx.labels[name][value] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// GetSeries returns a copy of the metadata of id.
func (idx *Index) GetSeries(id string) (SeriesMeta, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	meta, ok := idx.series[id]
	if !ok {
		return SeriesMeta{}, false
	}
	return meta.clone(), true
}

func (m *SeriesMeta) clone() SeriesMeta {
	out := *m
	out.Labels = make(map[string]string, len(m.Labels))
	for k, v := range m.Labels {
		out.Labels[k] = v
	}
	return out
}

// FindSeries returns the sorted ids matching every label selector. An empty
// selector matches all series.
func (idx *Index) FindSeries(selector map[string]string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var result []string
	if len(selector) == 0 {
		result = make([]string, 0, len(idx.series))
		for id := range idx.series {
			result = append(result, id)
		}
		sort.Strings(result)
		return result
	}

	first := true
	for name, value := range selector {
		ids := idx.labels[name][value]
		if len(ids) == 0 {
			return nil
		}
		if first {
			result = append([]string(nil), ids...)
			first = false
		} else {
			result = intersect(result, ids)
		}
		if len(result) == 0 {
			return nil
		}
	}
	sort.Strings(result)
	return result
}

// UpdateTimeRange widens the known time range of id.
func (idx *Index) UpdateTimeRange(id string, minTime, maxTime int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	meta, ok := idx.series[id]
	if !ok {
		return fmt.Errorf("series %q not found", id)
	}
	if meta.MinTime == 0 || minTime < meta.MinTime {
		meta.MinTime = minTime
	}
	if meta.MaxTime == 0 || maxTime > meta.MaxTime {
		meta.MaxTime = maxTime
	}
	return nil
}

// SeriesCount returns the number of indexed series
func (idx *Index) SeriesCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.series)
}

// intersect returns the ids present in both slices.
func intersect(a, b []string) []string {
	sort.Strings(a)
	sorted := append([]string(nil), b...)
	sort.Strings(sorted)

	result := make([]string, 0)
	i, j := 0, 0
	for i < len(a) && j < len(sorted) {
		switch {
		case a[i] < sorted[j]:
			i++
		case a[i] > sorted[j]:
			j++
		default:
			result = append(result, a[i])
			i++
			j++
		}
	}
	return result
}

// Serialize encodes the index in id order.
func (idx *Index) Serialize() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	ids := make([]string, 0, len(idx.series))
	for id := range idx.series {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(ids))); err != nil {
		return nil, err
	}
	for _, id := range ids {
		meta := idx.series[id]
		if err := writeString(buf, id); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, [2]int64{meta.MinTime, meta.MaxTime}); err != nil {
			return nil, err
		}

		names := make([]string, 0, len(meta.Labels))
		for name := range meta.Labels {
			names = append(names, name)
		}
		sort.Strings(names)
		if err := binary.Write(buf, binary.LittleEndian, uint16(len(names))); err != nil {
			return nil, err
		}
		for _, name := range names {
			if err := writeString(buf, name); err != nil {
				return nil, err
			}
			if err := writeString(buf, meta.Labels[name]); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// Deserialize replaces the index contents with data produced by Serialize.
func (idx *Index) Deserialize(data []byte) error {
	r := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("failed to read series count: %w", err)
	}

	next := NewIndex()
	for i := uint32(0); i < count; i++ {
		id, err := readString(r)
		if err != nil {
			return fmt.Errorf("series %d: %w", i, err)
		}
		var span [2]int64
		if err := binary.Read(r, binary.LittleEndian, &span); err != nil {
			return fmt.Errorf("series %q: %w", id, err)
		}
		var nlabels uint16
		if err := binary.Read(r, binary.LittleEndian, &nlabels); err != nil {
			return fmt.Errorf("series %q: %w", id, err)
		}
		labels := make(map[string]string, nlabels)
		for j := uint16(0); j < nlabels; j++ {
			name, err := readString(r)
			if err != nil {
				return fmt.Errorf("series %q label %d: %w", id, j, err)
			}
			value, err := readString(r)
			if err != nil {
				return fmt.Errorf("series %q label %q: %w", id, name, err)
			}
			labels[name] = value
		}
		if _, err := next.AddSeries(id, labels); err != nil {
			return err
		}
		next.series[id].MinTime, next.series[id].MaxTime = span[0], span[1]
	}

	idx.mu.Lock()
	idx.series, idx.labels = next.series, next.labels
	idx.mu.Unlock()
	return nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("string of %d bytes is too long", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Clear clears the index
func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.series = make(map[string]*SeriesMeta)
	idx.labels = make(map[string]map[string][]string)
}
