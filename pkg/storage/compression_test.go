package storage

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressorBlock(t *testing.T) {
	comp, err := NewCompressor(2)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	timestamps := make([]int64, 60)
	values := make([]float64, 60)
	for i := range timestamps {
		timestamps[i] = start + int64(i)*60_000
		values[i] = 100 + math.Sin(float64(i)*0.1)*10
	}
	// one irregular gap and a missing value
	timestamps[30] += 1234
	values[7] = math.NaN()

	data, err := comp.EncodeBlock(timestamps, values)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) >= len(timestamps)*16 {
		t.Errorf("Compression ineffective: raw=%d, compressed=%d", len(timestamps)*16, len(data))
	}

	gotTS, gotVals, err := comp.DecodeBlock(data)
	require.NoError(t, err)
	assert.Equal(t, timestamps, gotTS)
	require.Len(t, gotVals, len(values))
	for i := range values {
		if i == 7 {
			assert.True(t, math.IsNaN(gotVals[i]))
			continue
		}
		assert.Equal(t, values[i], gotVals[i], "value %d", i)
	}
}

func TestCompressorRejectsBadInput(t *testing.T) {
	comp, err := NewCompressor(1)
	require.NoError(t, err)
	defer comp.Close()

	_, err = comp.EncodeBlock([]int64{1, 2}, []float64{1})
	assert.Error(t, err)

	_, _, err = comp.DecodeBlock([]byte("not zstd"))
	assert.Error(t, err)

	// A valid frame whose payload is truncated.
	truncated := comp.encoder.EncodeAll([]byte{3, 0}, nil)
	_, _, err = comp.DecodeBlock(truncated)
	assert.ErrorIs(t, err, ErrCorruptBlock)

	ts, vals, err := comp.DecodeBlock(nil)
	require.NoError(t, err)
	assert.Empty(t, ts)
	assert.Empty(t, vals)
}

func BenchmarkEncodeBlock(b *testing.B) {
	comp, _ := NewCompressor(2)
	defer comp.Close()

	timestamps := make([]int64, 3600)
	values := make([]float64, 3600)
	for i := range timestamps {
		timestamps[i] = int64(i) * 1000
		values[i] = float64(i % 17)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = comp.EncodeBlock(timestamps, values)
	}
}
