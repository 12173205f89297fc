package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetwork/cacheengine/internal/config"
	"github.com/fleetwork/cacheengine/internal/registry"
	"github.com/fleetwork/cacheengine/internal/usage"
)

// Version is reported by /health. Overridden at build time with -ldflags.
var Version = "dev"

// Server exposes the registry and the usage tracker over HTTP
type Server struct {
	config     config.AdminConfig
	registry   *registry.Registry
	tracker    *usage.Tracker
	metrics    http.Handler
	checks     map[string]HealthFunc
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	started    time.Time
}

// Option configures a Server
type Option func(*Server)

// HealthFunc reports a component's state and whether it is serving normally
type HealthFunc func() (state string, healthy bool)

// WithHealthCheck adds name to the components reported by /health
func WithHealthCheck(name string, check HealthFunc) Option {
	return func(s *Server) { s.checks[name] = check }
}

// WithMetricsHandler mounts h at /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a new admin server. tracker may be nil when usage
// tracking is disabled; the usage routes then answer 503.
func NewServer(cfg config.AdminConfig, reg *registry.Registry, tracker *usage.Tracker, opts ...Option) *Server {
	s := &Server{
		config:   cfg,
		registry: reg,
		tracker:  tracker,
		checks:   make(map[string]HealthFunc),
		logger:   slog.Default(),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "admin")

	if mode := routerMode(gin.Mode(), s.logger); mode != gin.Mode() {
		gin.SetMode(mode)
	}
	s.engine = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and for embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	s.logger.Info("starting admin server", "address", s.config.Address, "auth", s.config.JWTSecret != "")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", "error", err)
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

// routerMode drops gin out of its default debug mode unless the logger is
// at debug level. A mode set explicitly, through GIN_MODE or by tests, stays.
func routerMode(current string, logger *slog.Logger) string {
	if current == gin.DebugMode && !logger.Enabled(context.Background(), slog.LevelDebug) {
		return gin.ReleaseMode
	}
	return current
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := r.Group("/api")
	if s.config.JWTSecret != "" {
		api.Use(JWTAuth(s.config.JWTSecret, s.config.JWTIssuer))
	}

	cacheRoutes := api.Group("/cache")
	{
		cacheRoutes.GET("/stats", s.handleStats)
		cacheRoutes.GET("/stores/:name", s.handleStoreStats)
		cacheRoutes.POST("/cleanup", s.handleCleanup)
		cacheRoutes.DELETE("", RequireRole(RoleAdmin), s.handleClearAll)
		cacheRoutes.DELETE("/stores/:name", RequireRole(RoleAdmin), s.handleClearStore)
		cacheRoutes.DELETE("/entities/:kind/:id", s.handleInvalidate)
	}

	usageRoutes := api.Group("/usage/:user")
	{
		usageRoutes.POST("/views", s.handleRecordView)
		usageRoutes.POST("/actions", s.handleRecordAction)
		usageRoutes.GET("/priorities", s.handlePriorities)
		usageRoutes.GET("/weights", s.handleWeights)
		usageRoutes.DELETE("", RequireRole(RoleAdmin), s.handleResetUsage)
	}

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
