package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vjranagit/tsreport/pkg/types"
)

const walFlushInterval = time.Second

// WAL is an append-only log of write requests not yet known to be durable
// in the block store.
type WAL struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// WALEntry is one logged write request.
type WALEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Series    []types.Series `json:"series"`
}

// NewWAL opens a fresh log segment under dataPath/wal.
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%020d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		path:   walPath,
		file:   file,
		writer: bufio.NewWriter(file),
	}
	w.flushTimer = time.AfterFunc(walFlushInterval, w.autoFlush)
	return w, nil
}

// Append logs one write request.
func (w *WAL) Append(req *types.WriteRequest) error {
	data, err := json.Marshal(WALEntry{Timestamp: time.Now(), Series: req.Series})
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("WAL is closed")
	}
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return nil
}

// Flush writes buffered entries and syncs the segment.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if w.closed {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

func (w *WAL) autoFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	_ = w.flushLocked()
	w.flushTimer.Reset(walFlushInterval)
}

// Close flushes and closes the segment. The segment stays on disk until the
// next replay.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.flushTimer.Stop()
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.closed = true
	return w.file.Close()
}

// Discard closes the segment and deletes it.
func (w *WAL) Discard() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.file.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL segment: %w", err)
	}
	return nil
}

// ReplayWAL feeds every logged request to handler, oldest segment first,
// removing each segment once replayed.
func ReplayWAL(dataPath string, handler func(*types.WriteRequest) error) (int, error) {
	walPath := filepath.Join(dataPath, "wal")
	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	replayed := 0
	for _, name := range names {
		filename := filepath.Join(walPath, name)
		n, err := replayWALFile(filename, handler)
		replayed += n
		if err != nil {
			return replayed, fmt.Errorf("failed to replay %s: %w", filename, err)
		}
		if err := os.Remove(filename); err != nil {
			return replayed, fmt.Errorf("failed to remove replayed segment: %w", err)
		}
	}
	return replayed, nil
}

func replayWALFile(filename string, handler func(*types.WriteRequest) error) (int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A torn final line from a crash ends the segment.
			break
		}
		if err := handler(&types.WriteRequest{Series: entry.Series}); err != nil {
			return n, fmt.Errorf("failed to replay entry: %w", err)
		}
		n++
	}
	return n, scanner.Err()
}
