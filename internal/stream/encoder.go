package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
)

// ErrStreamClosed is returned by sinks after the terminal error event.
var ErrStreamClosed = errors.New("stream: closed after error event")

// Sink receives the events of one chat request in emission order.
// A returned error means the client is gone; the orchestrator stops
// emitting but still finishes bookkeeping.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, e Event) error { return f(ctx, e) }

// Encoder writes events as newline-delimited JSON and flushes after every
// line. After an ErrorEvent it refuses further events.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	metrics *observability.Metrics
	closed  bool
}

// NewEncoder creates an NDJSON encoder on w. When w is an
// http.ResponseWriter that supports flushing, every line is flushed.
func NewEncoder(w io.Writer, metrics *observability.Metrics) *Encoder {
	enc := &Encoder{w: w, metrics: metrics}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

// Emit writes one event line.
func (enc *Encoder) Emit(_ context.Context, e Event) error {
	line, err := MarshalEvent(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	enc.mu.Lock()
	defer enc.mu.Unlock()
	if enc.closed {
		return ErrStreamClosed
	}
	if _, err := enc.w.Write(line); err != nil {
		return err
	}
	if enc.flusher != nil {
		enc.flusher.Flush()
	}
	if e.Tag() == TagError {
		enc.closed = true
	}
	enc.metrics.StreamEventWritten(string(e.Tag()))
	return nil
}

// DefaultWriteTimeout bounds a single WebSocket frame write.
const DefaultWriteTimeout = 10 * time.Second

// WebSocketSink writes each event as one text frame carrying the same JSON
// object the NDJSON encoder writes.
type WebSocketSink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	metrics      *observability.Metrics
	closed       bool
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn, metrics *observability.Metrics) *WebSocketSink {
	return &WebSocketSink{conn: conn, writeTimeout: DefaultWriteTimeout, metrics: metrics}
}

// Emit writes one event frame.
func (s *WebSocketSink) Emit(_ context.Context, e Event) error {
	payload, err := MarshalEvent(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return err
	}
	if e.Tag() == TagError {
		s.closed = true
	}
	s.metrics.StreamEventWritten(string(e.Tag()))
	return nil
}

// Recorder collects events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (r *Recorder) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
