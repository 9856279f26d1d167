package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Header is the first line of a JSONL run trace.
type Header struct {
	Version   int       `json:"version"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// Writer appends trace events to a JSONL stream, one line per event,
// flushed immediately for crash safety. The header is written before the
// first event.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	file    *os.File // non-nil if we opened the file ourselves
	header  Header
	started bool
}

// NewWriter creates a trace writer targeting w.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{
		w: w,
		header: Header{
			Version:   TraceV,
			RunID:     runID,
			StartedAt: time.Now().UTC(),
		},
	}
}

// NewFileWriter creates a trace writer backed by a file at path. The file is
// created or truncated; the caller owns Close.
func NewFileWriter(path, runID string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	w := NewWriter(f, runID)
	w.file = f
	return w, nil
}

// Append writes one finalized event as a JSON line. Trace failures are
// best-effort and never propagate into the turn.
func (w *Writer) Append(e *Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		w.started = true
		w.writeLine(w.header)
	}
	w.writeLine(e)
}

func (w *Writer) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.w.Write(data)
	_, _ = w.w.Write([]byte("\n"))
	if w.file != nil {
		_ = w.file.Sync()
	}
}

// Close closes the trace file if one was opened.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// Reader reads a JSONL run trace, validating the header and the per-turn
// sequence ordering.
type Reader struct {
	decoder *json.Decoder
	header  Header
}

// NewReader wraps r and consumes the header line.
func NewReader(r io.Reader) (*Reader, error) {
	decoder := json.NewDecoder(r)
	var header Header
	if err := decoder.Decode(&header); err != nil {
		return nil, fmt.Errorf("read trace header: %w", err)
	}
	if header.Version != TraceV {
		return nil, fmt.Errorf("unsupported trace version: %d", header.Version)
	}
	return &Reader{decoder: decoder, header: header}, nil
}

// Header returns the trace header.
func (r *Reader) Header() Header { return r.header }

// ReadEvent returns the next event, or io.EOF at end of stream.
func (r *Reader) ReadEvent() (*Event, error) {
	var e Event
	if err := r.decoder.Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ReadAll reads every event and verifies sequence ordering. Sequences
// strictly increase within a turn and reset to 1 at a turn boundary.
func (r *Reader) ReadAll() ([]*Event, error) {
	var events []*Event
	lastSeq := 0
	for {
		e, err := r.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			return events, err
		}
		if e.Seq != 1 && e.Seq <= lastSeq {
			return events, fmt.Errorf("trace sequence regressed: %d after %d", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		events = append(events, e)
	}
	return events, nil
}
