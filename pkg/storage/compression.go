package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptBlock is returned when a stored block cannot be decoded.
var ErrCorruptBlock = errors.New("corrupt block")

// Compressor encodes one hour block of a series: delta-of-delta varint
// timestamps followed by XOR'd value bits, the whole frame compressed with
// zstd.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a compressor. Levels 1-4 map onto zstd's speed
// presets, fastest to best.
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	return &Compressor{encoder: encoder, decoder: decoder}, nil
}

// EncodeBlock encodes parallel timestamp (Unix ms, ascending) and value
// slices.
func (c *Compressor) EncodeBlock(timestamps []int64, values []float64) ([]byte, error) {
	if len(timestamps) != len(values) {
		return nil, fmt.Errorf("block has %d timestamps but %d values", len(timestamps), len(values))
	}

	buf := make([]byte, 0, 8+len(timestamps)*10)
	buf = binary.AppendUvarint(buf, uint64(len(timestamps)))

	var prev, prevDelta int64
	for i, ts := range timestamps {
		if i == 0 {
			buf = binary.AppendVarint(buf, ts)
		} else {
			delta := ts - prev
			buf = binary.AppendVarint(buf, delta-prevDelta)
			prevDelta = delta
		}
		prev = ts
	}

	var prevBits uint64
	for _, v := range values {
		bits := math.Float64bits(v)
		buf = binary.LittleEndian.AppendUint64(buf, bits^prevBits)
		prevBits = bits
	}

	return c.encoder.EncodeAll(buf, make([]byte, 0, len(buf)/2)), nil
}

// DecodeBlock reverses EncodeBlock.
func (c *Compressor) DecodeBlock(data []byte) ([]int64, []float64, error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompression failed: %w", err)
	}

	count, n := binary.Uvarint(raw)
	if n <= 0 || count > uint64(len(raw)) {
		return nil, nil, fmt.Errorf("%w: bad count", ErrCorruptBlock)
	}
	raw = raw[n:]

	timestamps := make([]int64, count)
	var prevDelta int64
	for i := range timestamps {
		v, n := binary.Varint(raw)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: truncated timestamps", ErrCorruptBlock)
		}
		raw = raw[n:]
		if i == 0 {
			timestamps[0] = v
			continue
		}
		delta := v + prevDelta
		timestamps[i] = timestamps[i-1] + delta
		prevDelta = delta
	}

	if uint64(len(raw)) != count*8 {
		return nil, nil, fmt.Errorf("%w: %d value bytes for %d samples", ErrCorruptBlock, len(raw), count)
	}
	values := make([]float64, count)
	var prevBits uint64
	for i := range values {
		bits := binary.LittleEndian.Uint64(raw[i*8:]) ^ prevBits
		values[i] = math.Float64frombits(bits)
		prevBits = bits
	}
	return timestamps, values, nil
}

// Close releases the zstd resources.
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
