// Package gateway exposes the chat engine over HTTP: NDJSON streaming on
// POST /api/chat, the same events as WebSocket frames on /api/chat/ws, and
// health and metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Farkhat1984/sanbao-sub000/internal/compaction"
	"github.com/Farkhat1984/sanbao-sub000/internal/mcp"
	"github.com/Farkhat1984/sanbao-sub000/internal/observability"
	"github.com/Farkhat1984/sanbao-sub000/internal/storage"
	"github.com/Farkhat1984/sanbao-sub000/internal/stream"
)

// DefaultSystemPrompt is used when neither the request nor the config
// supplies one.
const DefaultSystemPrompt = "You are Sanbao, a helpful assistant. Answer in the language of the user."

// persistTimeout bounds the bookkeeping done after a stream ends.
const persistTimeout = 15 * time.Second

// Runner executes one chat request against the provider.
type Runner interface {
	Run(ctx context.Context, req stream.Request, sink stream.Sink) (*stream.Result, error)
}

// Compactor schedules background summarization.
type Compactor interface {
	Trigger(ctx context.Context, job compaction.Job) bool
}

// ToolCatalog supplies remote tools discovered from configured servers.
type ToolCatalog interface {
	Tools() []mcp.RemoteTool
}

// Config configures a Server.
type Config struct {
	Host     string
	HTTPPort int

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxRequestBytes   int64

	Runner    Runner
	Stores    storage.StoreSet
	Compactor Compactor
	Catalog   ToolCatalog

	SystemPrompt     string
	Model            string
	MaxTokens        int
	ContextWindow    int
	KeepLastMessages int
	Threshold        float64
	WebSearch        bool

	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Gatherer    prometheus.Gatherer
	MetricsPath string
	Logger      *slog.Logger
}

// Server serves the chat API.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a server. Runner and Stores are required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("gateway: runner is required")
	}
	if cfg.Stores.Conversations == nil || cfg.Stores.Usage == nil {
		return nil, errors.New("gateway: conversation and usage stores are required")
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 10 << 20
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		now: time.Now,
	}, nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.cfg.Gatherer != nil {
		mux.Handle("GET "+s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return instrument(mux, s.cfg.Metrics, s.cfg.Tracer, s.logger)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight streams
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.httpServer = nil
	s.listener = nil
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message}) //nolint:errcheck
}
