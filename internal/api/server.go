package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-hub/internal/consumer"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hub/internal/mapping"
	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// HealthChecker is a component with an active health check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Enqueuer accepts messages for the consumer pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg consumer.Message) error
	Len() int
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Topology *topology.Registry
	Managers *state.Managers
	Resolver *mapping.Resolver

	// Queue receives write requests. Without it writes are rejected.
	Queue Enqueuer

	// Gatherer backs /metrics. Defaults to the Prometheus default gatherer.
	Gatherer prometheus.Gatherer

	// Registerer receives the HTTP metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer

	// Checks are reported by the health endpoint, keyed by component name.
	Checks map[string]HealthChecker

	DB *sql.DB

	Version string
}

// Server is the hub's HTTP API server.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	topology *topology.Registry
	managers *state.Managers
	resolver *mapping.Resolver
	queue    Enqueuer
	gatherer prometheus.Gatherer
	metrics  *httpMetrics
	checks   map[string]HealthChecker
	db       *sql.DB
	version  string

	startTime time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if deps.Topology == nil {
		return nil, errors.New("topology registry is required")
	}
	if deps.Managers == nil {
		return nil, errors.New("state managers are required")
	}

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		topology:  deps.Topology,
		managers:  deps.Managers,
		resolver:  deps.Resolver,
		queue:     deps.Queue,
		gatherer:  gatherer,
		metrics:   newHTTPMetrics(deps.Registerer),
		checks:    deps.Checks,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger.Component("websocket")),
	}
	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler { return s.buildRouter() }

// Start runs the WebSocket hub and begins listening in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close waits up to 10 seconds for in-flight requests, then closes the
// remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
