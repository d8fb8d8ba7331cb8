package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"downloadgrid/downloader"
	"downloadgrid/logging"
)

// Engine is the task manager surface the API drives
type Engine interface {
	Submit(ctx context.Context, req downloader.Request) (downloader.Task, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Delete(ctx context.Context, id string, purge bool) error
	Get(id string) (downloader.Snapshot, error)
	List() []downloader.Snapshot
	Stats() downloader.Stats
	Settings() downloader.Settings
	UpdateSettings(s downloader.Settings) error
}

// Pinger is a dependency reported by the health check
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure a Server
type Options struct {
	Engine Engine
	Hub    *Hub
	Logs   *logging.Ring
	// Checks are pinged by GET /health, keyed by the name reported
	Checks map[string]Pinger
	Logger *zap.Logger
	// Mode is the gin mode. Empty keeps the current mode.
	Mode string
}

// Server is the REST and websocket front of the download manager
type Server struct {
	engine Engine
	hub    *Hub
	logs   *logging.Ring
	checks map[string]Pinger
	logger *zap.Logger
	router *gin.Engine
}

// NewServer creates a server with its routes configured
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}

	s := &Server{
		engine: opts.Engine,
		hub:    hub,
		logs:   opts.Logs,
		checks: opts.Checks,
		logger: logger.With(zap.String("component", "server")),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()

	router.Use(s.loggingMiddleware())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.healthHandler)

		api.POST("/tasks", s.submitHandler)
		api.GET("/tasks", s.listHandler)
		api.GET("/tasks/:id", s.getHandler)
		api.POST("/tasks/:id/pause", s.pauseHandler)
		api.POST("/tasks/:id/resume", s.resumeHandler)
		api.DELETE("/tasks/:id", s.deleteHandler)

		api.GET("/settings", s.getSettingsHandler)
		api.PUT("/settings", s.updateSettingsHandler)
		api.GET("/stats", s.statsHandler)
		api.GET("/logs", s.logsHandler)
		api.GET("/ws", s.wsHandler)
	}

	s.router = router
}

// loggingMiddleware provides structured logging for HTTP requests
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status_code", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError maps engine errors onto status codes
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, downloader.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, downloader.ErrUnsupportedScheme), errors.Is(err, downloader.ErrInvalidURL):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// submitHandler handles POST /tasks
func (s *Server) submitHandler(c *gin.Context) {
	var req downloader.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if req.MaxThreads < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "max_threads must not be negative"})
		return
	}

	task, err := s.engine.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// listHandler handles GET /tasks
func (s *Server) listHandler(c *gin.Context) {
	tasks := s.engine.List()
	c.JSON(http.StatusOK, gin.H{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// getHandler handles GET /tasks/:id
func (s *Server) getHandler(c *gin.Context) {
	snap, err := s.engine.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// pauseHandler handles POST /tasks/:id/pause
func (s *Server) pauseHandler(c *gin.Context) {
	s.transition(c, s.engine.Pause)
}

// resumeHandler handles POST /tasks/:id/resume
func (s *Server) resumeHandler(c *gin.Context) {
	s.transition(c, s.engine.Resume)
}

func (s *Server) transition(c *gin.Context, fn func(context.Context, string) error) {
	id := c.Param("id")
	if err := fn(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	snap, err := s.engine.Get(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// deleteHandler handles DELETE /tasks/:id?purge=true
func (s *Server) deleteHandler(c *gin.Context) {
	purge := false
	if raw := c.Query("purge"); raw != "" {
		var err error
		if purge, err = strconv.ParseBool(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "purge must be a boolean"})
			return
		}
	}

	if err := s.engine.Delete(c.Request.Context(), c.Param("id"), purge); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// getSettingsHandler handles GET /settings
func (s *Server) getSettingsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Settings())
}

// updateSettingsHandler handles PUT /settings. Fields absent from the body
// keep their current values.
func (s *Server) updateSettingsHandler(c *gin.Context) {
	settings := s.engine.Settings()
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	if err := s.engine.UpdateSettings(settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.engine.Settings())
}

// statsHandler handles GET /stats
func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":     s.engine.Stats(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// logsHandler handles GET /logs?limit=N
func (s *Server) logsHandler(c *gin.Context) {
	if s.logs == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []logging.Entry{}})
		return
	}
	entries := s.logs.Entries()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

// wsHandler handles GET /ws
func (s *Server) wsHandler(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request, Message{Type: "tasks", Tasks: s.engine.List()})
}

// healthHandler handles GET /health
func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(gin.H, len(s.checks))
	healthy := true
	for name, p := range s.checks {
		ok := true
		if err := p.Ping(ctx); err != nil {
			ok = false
			healthy = false
			s.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
		}
		checks[name] = ok
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting download server", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down download server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
