package trace

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLineWriter writes JSON Lines (one JSON object per line) to an
// io.Writer. It is safe for concurrent use.
type JSONLineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

// NewJSONLineWriter creates a JSONLineWriter that writes to w.
func NewJSONLineWriter(w io.Writer) *JSONLineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &JSONLineWriter{enc: enc, w: w}
}

// Emit writes a JSON line with the event envelope. Encoding errors are
// silently dropped; traces are diagnostic, never load-bearing.
func (j *JSONLineWriter) Emit(op Op, data interface{}) {
	env := Envelope{Op: op, Timestamp: time.Now(), Data: data}

	j.mu.Lock()
	defer j.mu.Unlock()
	_ = j.enc.Encode(env)
}

// Close closes the underlying writer if it implements io.Closer.
func (j *JSONLineWriter) Close() error {
	if c, ok := j.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// AsyncJSONLineWriter wraps JSONLineWriter with non-blocking async
// emission: events are queued to a buffered channel and written by a
// background goroutine. If the buffer is full, events are dropped.
type AsyncJSONLineWriter struct {
	events chan Envelope
	done   chan struct{}
	wg     sync.WaitGroup
	w      *JSONLineWriter
}

// NewAsyncJSONLineWriter creates an AsyncJSONLineWriter that writes to w,
// buffering up to 64 pending events.
func NewAsyncJSONLineWriter(w io.Writer) *AsyncJSONLineWriter {
	a := &AsyncJSONLineWriter{
		events: make(chan Envelope, 64),
		done:   make(chan struct{}),
		w:      NewJSONLineWriter(w),
	}
	a.wg.Add(1)
	go a.writer()
	return a
}

// Emit queues an event for async writing. If the buffer is full, the
// event is dropped rather than blocking the caller.
func (a *AsyncJSONLineWriter) Emit(op Op, data interface{}) {
	env := Envelope{Op: op, Timestamp: time.Now(), Data: data}
	select {
	case a.events <- env:
	default:
	}
}

func (a *AsyncJSONLineWriter) writer() {
	defer a.wg.Done()
	for {
		select {
		case env := <-a.events:
			a.w.Emit(env.Op, env.Data)
		case <-a.done:
			for len(a.events) > 0 {
				env := <-a.events
				a.w.Emit(env.Op, env.Data)
			}
			return
		}
	}
}

// Close stops the background writer, draining queued events first, then
// closes the underlying writer.
func (a *AsyncJSONLineWriter) Close() error {
	close(a.done)
	a.wg.Wait()
	return a.w.Close()
}
