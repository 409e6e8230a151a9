// Package api exposes the bot's status and its two operator controls over
// HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/shadiayoub/ada-binance-bot/internal/autopilot"
	"github.com/shadiayoub/ada-binance-bot/internal/events"
	"github.com/shadiayoub/ada-binance-bot/internal/levels"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// BotAPI is what the server needs from the controller.
type BotAPI interface {
	Summary() autopilot.Summary
	Positions() []autopilot.Position
	Levels() []levels.Level
	ScalpLevels() []autopilot.ScalpLevel
	RecentSignals(limit int) []autopilot.SignalRecord
	EmergencyStop(ctx context.Context, reason string) error
	ResetBreaker() bool
}

// HealthCheck reports the state of one dependency.
type HealthCheck func(ctx context.Context) error

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	JWTSecret      string
	Issuer         string
	ProductionMode bool
	// RequestsPerMinute limits each endpoint. 0 disables the limit.
	RequestsPerMinute int
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	bot        BotAPI
	config     ServerConfig
	jwt        *JWTManager
	hub        *WSHub
	checks     map[string]HealthCheck
	logger     *logging.Logger

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer creates a new API server. bus may be nil, which disables the
// event stream.
func NewServer(cfg ServerConfig, bot BotAPI, bus *events.EventBus, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8090"}
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		bot:      bot,
		config:   cfg,
		checks:   make(map[string]HealthCheck),
		logger:   logger.WithComponent("api"),
		limiters: make(map[string]*rate.Limiter),
	}
	if cfg.JWTSecret != "" {
		s.jwt = NewJWTManager(cfg.JWTSecret, cfg.Issuer)
	}
	if bus != nil {
		s.hub = NewWSHub(s.logger)
		bus.SubscribeAll(s.hub.BroadcastEvent)
	}
	router.Use(s.requestLogger(), s.rateLimitMiddleware())
	s.setupRoutes()
	return s
}

// AddHealthCheck registers a dependency probe shown by /health.
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checks[name] = check
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.GET("/summary", s.handleSummary)
	api.GET("/positions", s.handlePositions)
	api.GET("/levels", s.handleLevels)
	api.GET("/signals/recent", s.handleRecentSignals)

	control := api.Group("")
	control.Use(s.authMiddleware())
	control.POST("/emergency-stop", s.handleEmergencyStop)
	control.POST("/circuit/reset", s.handleCircuitReset)

	if s.hub != nil {
		s.router.GET("/ws/events", s.authMiddleware(), s.handleWebSocket)
	}
}

// Start serves until Shutdown. The websocket hub stops with ctx.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if s.hub != nil {
		go s.hub.Run(ctx)
	}

	s.logger.Info("starting HTTP server", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithDuration(time.Since(start)).Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}

// rateLimitMiddleware limits each endpoint independently.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.RequestsPerMinute <= 0 {
			c.Next()
			return
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		s.limitMu.Lock()
		lim, ok := s.limiters[path]
		if !ok {
			perSecond := rate.Limit(float64(s.config.RequestsPerMinute) / 60)
			lim = rate.NewLimiter(perSecond, s.config.RequestsPerMinute)
			s.limiters[path] = lim
		}
		s.limitMu.Unlock()

		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded",
				"path":    path,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	summary := s.bot.Summary()
	c.JSON(code, gin.H{
		"status":       status,
		"running":      summary.Running,
		"halted":       summary.Halted,
		"dependencies": deps,
		"time":         time.Now().UTC(),
	})
}

func (s *Server) handleSummary(c *gin.Context) {
	successResponse(c, s.bot.Summary())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.bot.Positions()
	if c.Query("status") == "open" {
		open := positions[:0:0]
		for _, p := range positions {
			if p.IsOpen() {
				open = append(open, p)
			}
		}
		positions = open
	}
	successResponse(c, positions)
}

func (s *Server) handleLevels(c *gin.Context) {
	successResponse(c, gin.H{
		"levels":       s.bot.Levels(),
		"scalp_levels": s.bot.ScalpLevels(),
	})
}

func (s *Server) handleRecentSignals(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errorResponse(c, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	successResponse(c, s.bot.RecentSignals(limit))
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req emergencyStopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "api request"
	}
	operator := c.GetString(contextKeySubject)
	s.logger.Warn("emergency stop requested", "operator", operator, "reason", req.Reason)

	// the stop must finish even if the client goes away
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 30*time.Second)
	defer cancel()
	if err := s.bot.EmergencyStop(ctx, req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   true,
			"message": "emergency stop completed with errors",
			"detail":  err.Error(),
			"summary": s.bot.Summary(),
		})
		return
	}
	successResponse(c, s.bot.Summary())
}

func (s *Server) handleCircuitReset(c *gin.Context) {
	if !s.bot.ResetBreaker() {
		errorResponse(c, http.StatusConflict, "circuit breaker not configured")
		return
	}
	s.logger.Info("circuit breaker reset", "operator", c.GetString(contextKeySubject))
	successResponse(c, s.bot.Summary().Breaker)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
