package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"mtmfeed/internal/bus"
	"mtmfeed/internal/instrumentation"
)

// Options tunes the gateway.
type Options struct {
	WSPath string

	// Timeout bounds the health check.
	Timeout           time.Duration
	HistoricalTimeout time.Duration
	Location          *time.Location

	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler
}

func (o *Options) applyDefaults() {
	if o.WSPath == "" {
		o.WSPath = "/ws"
	}
	if o.Timeout <= 0 {
		o.Timeout = 150 * time.Millisecond
	}
	if o.HistoricalTimeout <= 0 {
		o.HistoricalTimeout = 2 * time.Second
	}
	if o.Location == nil {
		o.Location = time.Local
	}
}

// Server fans bus messages out to websocket clients and answers their
// historical data requests.
type Server struct {
	bus      bus.Bus
	history  *Historical
	requests *RequestParser
	upgrader websocket.Upgrader
	opts     Options
	logger   *slog.Logger
	metrics  *instrumentation.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a gateway server.
func New(b bus.Bus, history *Historical, opts Options, logger *slog.Logger, metrics *instrumentation.Metrics) (*Server, error) {
	opts.applyDefaults()

	requests, err := NewRequestParser(opts.Location)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		bus:      b,
		history:  history,
		requests: requests,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Authentication and origin policy are enforced in front of the gateway.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts:    opts,
		logger:  logger.With("component", "gateway"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger))

	// Neither /ws nor /metrics runs under the health check's timeout.
	r.Get(s.opts.WSPath, s.ServeWS)
	if s.opts.MetricsHandler != nil {
		r.Handle("/metrics", s.opts.MetricsHandler)
	}

	r.With(middleware.Timeout(s.opts.Timeout)).Get("/health", HealthCheckHandler(s.logger))

	return r
}

// ServeWS upgrades the request and serves the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Warn("upgrade_failed", "error", err, "remote_addr", r.RemoteAddr)
		s.recordError("upgrade")
		return
	}

	newConnection(uuid.NewString(), ws, s).serve(s.ctx)
}

// Close disconnects every client and waits for their connections to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// track registers a connection unless the server is closed.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) recordError(errorType string) {
	if s.metrics != nil {
		s.metrics.RecordError("gateway", errorType)
	}
}
