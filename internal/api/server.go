package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/loadtest-orchestrator/internal/admission"
	"github.com/loadtest-orchestrator/internal/config"
	"github.com/loadtest-orchestrator/internal/metrics"
	"github.com/loadtest-orchestrator/internal/proxy"
	"github.com/loadtest-orchestrator/internal/registry"
	"github.com/loadtest-orchestrator/internal/stats"
)

const ownerKey = "owner"

type Server struct {
	config      *config.Config
	admission   *admission.Controller
	store       *registry.Store
	proxies     *proxy.Manager
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    requestsPerMinute / 10, // Allow bursts
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, ctrl *admission.Controller, store *registry.Store,
	proxies *proxy.Manager, metricsCollector *metrics.Collector) *Server {

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		admission:   ctrl,
		store:       store,
		proxies:     proxies,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}
	protected.Use(s.ownerMiddleware())

	protected.POST("/tests", s.handleCreateTest)
	protected.GET("/tests", s.handleListTests)
	protected.GET("/tests/:id", s.handleGetTest)
	protected.DELETE("/tests/:id", s.handleStopTest)
	protected.GET("/tests/:id/results", s.handleGetResults)
	protected.GET("/methods", s.handleListMethods)
	protected.GET("/stats", s.handleStats)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		method := c.Request.Method

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// ownerMiddleware resolves the requester identity supplied by the external
// credential provider in the X-User header.
func (s *Server) ownerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := c.GetHeader("X-User")
		if owner == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "X-User header is required",
			})
			c.Abort()
			return
		}

		c.Set(ownerKey, owner)
		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleCreateTest(c *gin.Context) {
	owner := c.GetString(ownerKey)

	var req admission.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	id, err := s.admission.Submit(owner, req)
	if err != nil {
		var verr *admission.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		case errors.Is(err, admission.ErrConcurrencyLimit):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":     id,
		"status": registry.StatusQueued,
	})
}

func (s *Server) handleGetTest(c *gin.Context) {
	owner := c.GetString(ownerKey)

	t, err := s.store.Get(c.Param("id"), owner)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Test not found"})
		return
	}

	c.JSON(http.StatusOK, testSummary(t))
}

func (s *Server) handleListTests(c *gin.Context) {
	owner := c.GetString(ownerKey)

	tests := s.store.List(owner)
	out := make([]gin.H, 0, len(tests))
	for _, t := range tests {
		out = append(out, testSummary(t))
	}

	c.JSON(http.StatusOK, gin.H{"tests": out})
}

func (s *Server) handleStopTest(c *gin.Context) {
	owner := c.GetString(ownerKey)
	id := c.Param("id")

	if err := s.admission.Stop(id, owner); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Test not found"})
		case errors.Is(err, registry.ErrAlreadyTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "Test already in a terminal state"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	t, err := s.store.Get(id, owner)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Test not found"})
		return
	}

	c.JSON(http.StatusOK, testSummary(t))
}

func (s *Server) handleGetResults(c *gin.Context) {
	owner := c.GetString(ownerKey)

	t, err := s.store.Get(c.Param("id"), owner)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Test not found"})
		return
	}

	summary := stats.Snapshot(t)
	c.JSON(http.StatusOK, gin.H{
		"id":       t.ID,
		"target":   t.Target,
		"method":   t.Method,
		"status":   t.Status(),
		"duration": summary.DurationSeconds,
		"metrics":  summary,
	})
}

func (s *Server) handleListMethods(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"methods": s.admission.Methods()})
}

func (s *Server) handleStats(c *gin.Context) {
	owner := c.GetString(ownerKey)

	active := 0
	terminal := map[registry.Status]int{}
	for _, t := range s.store.All() {
		st := t.Status()
		if st.Terminal() {
			terminal[st]++
		} else {
			active++
		}
	}

	response := gin.H{
		"active_tests":   active,
		"finished_tests": terminal,
		"owner_slots":    s.admission.ActiveSlots(owner),
	}

	if s.proxies != nil {
		response["proxy_pools"] = s.proxies.PoolSizes()
	}

	c.JSON(http.StatusOK, response)
}

func testSummary(t *registry.Test) gin.H {
	start, end := t.Times()

	summary := gin.H{
		"id":      t.ID,
		"target":  t.Target,
		"method":  t.Method,
		"status":  t.Status(),
		"threads": t.Threads,
		"owner":   t.Owner,
	}
	if !start.IsZero() {
		summary["start_time"] = start.Format(time.RFC3339Nano)
	}
	if !end.IsZero() {
		summary["end_time"] = end.Format(time.RFC3339Nano)
	}
	if reason := t.Reason(); reason != "" {
		summary["reason"] = reason
	}

	return summary
}
