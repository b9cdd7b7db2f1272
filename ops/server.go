// Package ops serves the worker's operational HTTP endpoints: health,
// Prometheus metrics, counters, consumer states and cache maintenance.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wiquzix/notification-pipeline/cache"
	"github.com/wiquzix/notification-pipeline/consumer"
	"github.com/wiquzix/notification-pipeline/dto"
	"github.com/wiquzix/notification-pipeline/logger"
)

// Store is the part of the cache store the endpoints inspect.
type Store interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) cache.Stats
	Clear(ctx context.Context) error
}

// CounterReader reads registry counters.
type CounterReader interface {
	Read(ctx context.Context, name string) int64
}

// ConsumerStates reports each topic's receive loop state.
type ConsumerStates interface {
	States() map[dto.Topic]consumer.State
}

// Locker runs a function under a distributed lock.
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Limiter admits requests per key.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) bool
}

// Deps are the components the endpoints read from. Consumers, Locker and
// Limiter may be nil.
type Deps struct {
	Store     Store
	Counters  CounterReader
	Consumers ConsumerStates
	Locker    Locker
	Limiter   Limiter
}

// Request limits for the ops endpoints
const (
	requestLimit  = 60
	requestWindow = time.Minute
	clearLockName = "cache_clear"
	clearLockTTL  = time.Minute
)

// Server is the ops HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
	logger     logger.Logger
}

// NewServer builds the server listening on addr.
func NewServer(addr string, deps Deps, log logger.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		deps:   deps,
		logger: log,
	}
	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Infof("Ops server listening | Addr: %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Ops server stopped | Error: %v", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limited := s.router.Group("/")
	if s.deps.Limiter != nil {
		limited.Use(RateLimit(s.deps.Limiter, requestLimit, requestWindow))
	}
	{
		limited.GET("/counters/:name", s.handleCounter())
		limited.GET("/consumers", s.handleConsumers())
		limited.GET("/cache/stats", s.handleCacheStats())
		limited.POST("/cache/clear", s.handleCacheClear())
	}
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
			s.logger.Warnf("Health check failed | Error: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) handleCounter() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		c.JSON(http.StatusOK, gin.H{"name": name, "value": s.deps.Counters.Read(c.Request.Context(), name)})
	}
}

func (s *Server) handleConsumers() gin.HandlerFunc {
	return func(c *gin.Context) {
		states := gin.H{}
		if s.deps.Consumers != nil {
			for topic, state := range s.deps.Consumers.States() {
				states[topic.String()] = state.String()
			}
		}
		c.JSON(http.StatusOK, states)
	}
}

func (s *Server) handleCacheStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.deps.Store.Stats(c.Request.Context()))
	}
}

// handleCacheClear clears the cache namespace. With a Locker, only one
// instance clears at a time; the others answer 409.
func (s *Server) handleCacheClear() gin.HandlerFunc {
	return func(c *gin.Context) {
		clearCache := func(ctx context.Context) error { return s.deps.Store.Clear(ctx) }

		if s.deps.Locker == nil {
			if err := clearCache(c.Request.Context()); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "cleared"})
			return
		}

		ran, err := s.deps.Locker.WithLock(c.Request.Context(), clearLockName, clearLockTTL, clearCache)
		switch {
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case !ran:
			c.JSON(http.StatusConflict, gin.H{"error": "cache clear already in progress"})
		default:
			s.logger.Infof("Cache cleared via ops endpoint")
			c.JSON(http.StatusOK, gin.H{"status": "cleared"})
		}
	}
}

// RateLimit rejects clients that exceed limit requests per window with 429.
// Clients are keyed by IP. The limiter fails open, so a store outage never
// blocks requests.
func RateLimit(limiter Limiter, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Check(c.Request.Context(), "ip:"+c.ClientIP(), limit, window) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
