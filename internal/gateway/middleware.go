package gateway

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
)

// instrument assigns a request id, opens a server span, recovers panics and
// records the request in logs and metrics. Metrics are labelled with the
// matched route pattern, not the raw path.
func instrument(next http.Handler, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := tracer.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = observability.AddRequestID(ctx, requestID)
		ctx, span := tracer.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
		defer span.End()

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(ctx, "http handler panicked", "panic", rec, "stack", string(debug.Stack()))
				if !wrapped.wroteHeader {
					writeJSONError(wrapped, http.StatusInternalServerError, "internal server error")
				}
			}

			route := req.Pattern
			if route == "" {
				route = "unmatched"
			}
			elapsed := time.Since(start)
			metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.status), elapsed.Seconds())
			tracer.SetAttributes(span, "http.status_code", wrapped.status, "http.route", route)
			logger.DebugContext(ctx, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.status,
				"duration", elapsed,
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(wrapped, req)
	})
}

// responseWriter captures the status code. It forwards Flush for NDJSON
// streaming and Hijack for WebSocket upgrades.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	rw.wroteHeader = true
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
