// Package api exposes the control surface over HTTP: agent lifecycle, recent
// decisions, provider health and direct gateway completions.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"iqoption-trading-bot/internal/agent"
	"iqoption-trading-bot/internal/audit"
	"iqoption-trading-bot/internal/gateway"
)

// RateLimiter provides simple in-memory rate limiting per endpoint.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// AgentControl is what the server needs from the decision agent.
type AgentControl interface {
	Start() agent.Status
	Stop() agent.Status
	Status() agent.Status
	RecentDecisions(limit int) []agent.Decision
}

// DecisionLog is the optional durable decision trail behind /api/decisions.
type DecisionLog interface {
	Recent(ctx context.Context, kind string, limit int) ([]audit.Record, error)
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowedOrigins []string
	JWTSecret      string // empty disables auth
}

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	agent       AgentControl
	llm         *gateway.Router
	decisionLog DecisionLog // nil when no audit store is configured
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates the API server. decisionLog may be nil; the decisions
// endpoint then serves the agent's in-memory ring only.
func NewServer(
	config ServerConfig,
	agentCtl AgentControl,
	llm *gateway.Router,
	decisionLog DecisionLog,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      config,
		agent:       agentCtl,
		llm:         llm,
		decisionLog: decisionLog,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "api").Logger(),
	}
	server.setupRoutes()
	return server
}

// rateLimitMiddleware limits requests per endpoint. Status endpoints serve
// internal state only and are exempt.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	noRateLimitPaths := map[string]bool{
		"/api/agent/status": true,
		"/api/decisions":    true,
		"/api/providers":    true,
	}

	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if noRateLimitPaths[path] {
			c.Next()
			return
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error_kind": "rate_limited",
				"detail":     "too many requests to this endpoint",
				"path":       path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// authMiddleware validates a bearer JWT when a secret is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.JWTSecret == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error_kind": "unauthorized",
				"detail":     "missing bearer token",
			})
			c.Abort()
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(s.config.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error_kind": "unauthorized",
				"detail":     "invalid token",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	api.Use(s.authMiddleware())
	api.Use(s.rateLimitMiddleware())
	{
		api.POST("/agent/start", s.handleAgentStart)
		api.POST("/agent/stop", s.handleAgentStop)
		api.GET("/agent/status", s.handleAgentStatus)
		api.GET("/decisions", s.handleDecisions)
		api.GET("/providers", s.handleProviders)
		api.POST("/llm/completion", s.handleCompletion)
	}
}

// Run starts serving and blocks until the listener fails or Shutdown is
// called.
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
