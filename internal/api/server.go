// Package api serves the dlsync HTTP surface on echo.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/api/middleware"
	"github.com/slipstream/dlsync/internal/api/ratelimit"
	"github.com/slipstream/dlsync/internal/downloader"
	"github.com/slipstream/dlsync/internal/downloader/types"
	"github.com/slipstream/dlsync/internal/downloads"
	"github.com/slipstream/dlsync/internal/health"
	"github.com/slipstream/dlsync/internal/logger"
	"github.com/slipstream/dlsync/internal/queue"
	"github.com/slipstream/dlsync/internal/scheduler"
)

// QueueView builds the aggregated queue.
type QueueView interface {
	GetQueue(ctx context.Context) ([]queue.Entry, error)
}

// DownloadStore persists downloads.
type DownloadStore interface {
	Create(ctx context.Context, d *downloads.Download) error
	FindDownload(ctx context.Context, id string) (*downloads.Download, error)
	ListDownloads(ctx context.Context, f downloads.Filter) ([]*downloads.Download, error)
	DeleteDownload(ctx context.Context, id string) error
}

// ClientStore reads client configurations.
type ClientStore interface {
	ListClientConfigs(ctx context.Context) ([]*types.ClientConfig, error)
	GetClientConfig(ctx context.Context, id string) (*types.ClientConfig, error)
}

// ClientService talks to download clients.
type ClientService interface {
	Add(ctx context.Context, cfg *types.ClientConfig, req *types.AddRequest) (string, error)
	Remove(ctx context.Context, cfg *types.ClientConfig, id string, deleteData bool) error
	TestConnection(ctx context.Context, cfg *types.ClientConfig) downloader.TestResult
}

// Hub pushes events to websocket subscribers.
type Hub interface {
	Broadcast(msgType string, payload interface{}) error
	RecordExternalPush(downloadID string)
	HandleWebSocket(c echo.Context) error
}

// RemovalNotifier announces deleted downloads.
type RemovalNotifier interface {
	Removed(downloadID string)
}

// Forgetter drops in-memory state held for a download.
type Forgetter interface {
	Forget(downloadID string)
}

// Triggerer requests an immediate reconcile cycle.
type Triggerer interface {
	Trigger()
}

// HealthView exposes tracked health state.
type HealthView interface {
	GetAll() *health.Response
}

// LogSource returns recent log entries.
type LogSource interface {
	Recent(n int) []logger.Entry
}

// TaskRunner lists and triggers scheduled tasks.
type TaskRunner interface {
	ListTasks() []scheduler.TaskInfo
	RunNow(taskID string) error
}

// Deps are the services behind the API. Health, Logs, Tasks and Loop may be nil.
type Deps struct {
	Queue     QueueView
	Downloads DownloadStore
	Clients   ClientStore
	Service   ClientService
	Hub       Hub
	Removals  RemovalNotifier
	Forget    []Forgetter
	Loop      Triggerer
	Health    HealthView
	Logs      LogSource
	Tasks     TaskRunner
}

// Options tune the HTTP surface.
type Options struct {
	MetricsEnabled bool
	MetricsPath    string
	QueueRPS       float64
	QueueBurst     int
}

// Server handles HTTP requests for the dlsync API.
type Server struct {
	echo         *echo.Echo
	deps         Deps
	opts         Options
	queueLimiter *ratelimit.IPLimiter
	stopCleanup  chan struct{}
	stopOnce     sync.Once
	logger       zerolog.Logger
}

// NewServer creates a new API server instance.
func NewServer(deps Deps, opts Options, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	s := &Server{
		echo:         e,
		deps:         deps,
		opts:         opts,
		queueLimiter: ratelimit.NewIPLimiter(opts.QueueRPS, opts.QueueBurst),
		stopCleanup:  make(chan struct{}),
		logger:       logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(echomw.RequestID())
	s.echo.Use(middleware.SecurityHeaders())

	s.echo.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogMethod:   true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			event := s.logger.Debug()
			if v.Error != nil {
				event = s.logger.Warn().Err(v.Error)
			}
			event.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	}))
}

// setupRoutes configures API routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthCheck)
	if s.deps.Hub != nil {
		s.echo.GET("/ws", s.deps.Hub.HandleWebSocket)
	}
	if s.opts.MetricsEnabled {
		s.echo.GET(s.opts.MetricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	api := s.echo.Group("/api/v1")

	api.GET("/queue", s.getQueue, s.queueLimiter.Middleware())

	dl := api.Group("/downloads")
	dl.GET("", s.listDownloads)
	dl.POST("", s.createDownload)
	dl.GET("/:id", s.getDownload)
	dl.DELETE("/:id", s.deleteDownload)

	clients := api.Group("/clients")
	clients.GET("", s.listClients)
	clients.POST("/:id/test", s.testClient)

	api.GET("/health/clients", s.getHealth)
	api.GET("/logs", s.getLogs)

	tasks := api.Group("/scheduler/tasks")
	tasks.GET("", s.listTasks)
	tasks.POST("/:id/run", s.runTask)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins listening for HTTP requests. It blocks until Shutdown.
func (s *Server) Start(address string) error {
	s.logger.Info().Str("address", address).Msg("starting HTTP server")
	s.queueLimiter.StartCleanup(time.Minute, s.stopCleanup)

	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return s.echo.Shutdown(ctx)
}

func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
