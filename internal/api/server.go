package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/proxy-pool-api/internal/config"
	"github.com/proxy-pool-api/internal/metrics"
	"github.com/proxy-pool-api/internal/snapshot"
	"github.com/proxy-pool-api/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultExportLimit = 100
	maxExportLimit     = 1000
	maxRandomCount     = 50

	limiterSweepInterval = time.Minute
	limiterIdleTimeout   = 10 * time.Minute
)

// PipelineRunner starts pipelines in the background; false means one is already running
type PipelineRunner interface {
	RunRefresh() bool
	RunCheck() bool
}

type Server struct {
	config      *config.Config
	pool        *snapshot.Manager
	runner      PipelineRunner
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
	stopSweeper context.CancelFunc
}

type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
	clock    clock.Clock
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(rps),
		burst:    max(1, requestsPerMinute/10), // Allow bursts
		clock:    clock.New(),
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	now := rl.clock.Now().UnixNano()

	rl.mu.RLock()
	entry, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if entry, exists := rl.limiters[key]; exists {
		entry.lastSeen.Store(now)
		return entry.limiter
	}

	entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
	entry.lastSeen.Store(now)
	rl.limiters[key] = entry

	return entry.limiter
}

// Sweep drops limiters unused for longer than idle and returns how many went
func (rl *RateLimiter) Sweep(idle time.Duration) int {
	cutoff := rl.clock.Now().Add(-idle).UnixNano()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Load() < cutoff {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Len reports how many clients are tracked
func (rl *RateLimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.limiters)
}

// StartSweeper sweeps idle limiters every interval until ctx is done
func (rl *RateLimiter) StartSweeper(ctx context.Context, every, idle time.Duration) {
	ticker := rl.clock.Ticker(every)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rl.Sweep(idle); n > 0 {
					log.Debugf("Rate limiter evicted %d idle clients", n)
				}
			}
		}
	}()
}

func NewServer(cfg *config.Config, pool *snapshot.Manager, runner PipelineRunner, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		pool:        pool,
		runner:      runner,
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

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(s.metrics.Handler()))
	}

	apiGroup := s.router.Group("/api")
	if s.config.API.EnableIPRateLimit {
		apiGroup.Use(s.rateLimitMiddleware())
	}

	apiGroup.GET("/proxies", s.handleProxies)
	apiGroup.GET("/stats", s.handleStats)
	apiGroup.GET("/progress", s.handleProgress)
	apiGroup.GET("/export", s.handleExport)
	apiGroup.GET("/random", s.handleRandom)
	apiGroup.POST("/refresh", s.handleRefresh)
	apiGroup.POST("/check", s.handleCheck)

	// Dashboard assets
	if s.config.API.StaticDir != "" {
		s.router.NoRoute(gin.WrapH(http.FileServer(http.Dir(s.config.API.StaticDir))))
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
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

	if s.config.API.EnableIPRateLimit {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopSweeper = cancel
		s.rateLimiter.StartSweeper(ctx, limiterSweepInterval, limiterIdleTimeout)
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	if s.httpServer == nil {
		return nil
	}
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
		method := c.Request.Method

		c.Next()

		// Route templates keep label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
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

// Handlers

func filterFromQuery(c *gin.Context) snapshot.Filter {
	return snapshot.Filter{
		Country:   c.Query("country"),
		Protocol:  c.Query("protocol"),
		Anonymity: c.Query("anonymity"),
		Speed:     c.Query("speed"),
		Tier:      c.Query("tier"),
	}
}

// intQuery parses a positive integer parameter, falling back to def
func intQuery(c *gin.Context, key string, def int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (s *Server) updating() bool {
	return s.pool.Progress(types.PipelineRefresh).Running
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleProxies(c *gin.Context) {
	proxies := s.pool.Query(filterFromQuery(c))

	c.JSON(http.StatusOK, gin.H{
		"total":    len(proxies),
		"updating": s.updating(),
		"data":     proxies,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.pool.Stats()

	response := gin.H{
		"total":         stats.TotalAlive,
		"total_checked": stats.TotalChecked,
		"total_dead":    stats.TotalDead,
		"elite":         stats.Elite,
		"normal":        stats.Normal,
		"countries":     sortedKeys(stats.Countries),
		"protocols":     sortedKeys(stats.Protocols),
		"quality": gin.H{
			"fast": stats.Speed[types.SpeedFast],
			"good": stats.Speed[types.SpeedGood],
			"slow": stats.Speed[types.SpeedSlow],
		},
		"updating":     stats.Progress[types.PipelineRefresh].Running,
		"progress":     stats.Progress,
		"last_refresh": stats.LastRefresh,
		"last_check":   stats.LastCheck,
		"updated":      stats.Updated,
	}

	if stats.SourceStats != nil {
		response["sources"] = stats.SourceStats
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.AllProgress())
}

func (s *Server) handleExport(c *gin.Context) {
	proxies := s.pool.Query(filterFromQuery(c))
	limit := min(intQuery(c, "limit", defaultExportLimit), maxExportLimit)
	if len(proxies) > limit {
		proxies = proxies[:limit]
	}

	if c.DefaultQuery("format", "txt") == "json" {
		data := make([]gin.H, len(proxies))
		for i, p := range proxies {
			data[i] = gin.H{
				"ip":       p.Address,
				"port":     p.Port,
				"protocol": p.ProtocolString(),
				"country":  p.Country,
				"latency":  p.LatencyMs,
				"quality":  p.Quality,
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"count": len(data),
			"data":  data,
		})
		return
	}

	var result strings.Builder
	for i, p := range proxies {
		if i > 0 {
			result.WriteString("\n")
		}
		result.WriteString(p.Key())
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="proxies_%d.txt"`, time.Now().UnixMilli()))
	c.String(http.StatusOK, result.String())
}

func (s *Server) handleRandom(c *gin.Context) {
	count := min(intQuery(c, "count", 1), maxRandomCount)
	selected := s.pool.Random(filterFromQuery(c), count)

	if count == 1 && len(selected) > 0 {
		c.JSON(http.StatusOK, selected[0])
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count": len(selected),
		"data":  selected,
	})
}

func (s *Server) handleRefresh(c *gin.Context) {
	s.trigger(c, "Refresh", s.runner.RunRefresh)
}

func (s *Server) handleCheck(c *gin.Context) {
	s.trigger(c, "Check", s.runner.RunCheck)
}

func (s *Server) trigger(c *gin.Context, name string, start func() bool) {
	if !start() {
		c.JSON(http.StatusConflict, gin.H{
			"message": name + " already in progress",
		})
		return
	}

	log.Infof("%s triggered via API", name)
	c.JSON(http.StatusAccepted, gin.H{
		"message": name + " started",
	})
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
