// Package api exposes the webhook ingress, the owner read API and the live
// event stream over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"signal-core/internal/bot"
	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/ledger"
	"signal-core/internal/monitor"
	"signal-core/internal/persistence"
)

// Executor runs one signal to completion.
type Executor interface {
	Execute(ctx context.Context, sig engine.Signal) (engine.Result, error)
}

// PoolStats reports broker connection pool health.
type PoolStats interface {
	Stats() gateway.PoolStats
}

// Options configures the HTTP surface.
type Options struct {
	JWTSecret      string
	RateLimit      float64
	RateBurst      int
	RequestTimeout time.Duration
	Location       *time.Location
	Version        string
	DryRun         bool
}

// Server wires HTTP endpoints around the engine, stores and event bus.
type Server struct {
	Router   *gin.Engine
	Engine   Executor
	Bots     *bot.Store
	Ledger   *ledger.Ledger
	Tokens   *TokenStore
	Bus      *events.Bus
	Pool     PoolStats
	Batch    *persistence.BatchWriter
	Metrics  *monitor.Metrics
	Gatherer prometheus.Gatherer

	opts    Options
	auth    *Authenticator
	logger  *zap.Logger
	limiter *ipLimiter
	now     func() time.Time
}

// Deps groups the collaborators a Server needs.
type Deps struct {
	Engine   Executor
	Bots     *bot.Store
	Ledger   *ledger.Ledger
	Tokens   *TokenStore
	Bus      *events.Bus
	Pool     PoolStats
	Batch    *persistence.BatchWriter
	Metrics  *monitor.Metrics
	Gatherer prometheus.Gatherer
}

func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	r := gin.New()
	s := &Server{
		Router:   r,
		Engine:   deps.Engine,
		Bots:     deps.Bots,
		Ledger:   deps.Ledger,
		Tokens:   deps.Tokens,
		Bus:      deps.Bus,
		Pool:     deps.Pool,
		Batch:    deps.Batch,
		Metrics:  deps.Metrics,
		Gatherer: deps.Gatherer,
		opts:     opts,
		auth:     NewAuthenticator(opts.JWTSecret),
		logger:   logger,
		limiter:  newIPLimiter(opts.RateLimit, opts.RateBurst),
		now:      time.Now,
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                         // Panic recovery (first)
	r.Use(RequestIDMiddleware())                  // Request ID tracking
	r.Use(RequestLogger(logger, deps.Metrics))    // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(s.limiter, logger)) // Rate limiting
	r.Use(TimeoutMiddleware(opts.RequestTimeout)) // Request deadline
	r.Use(CORSMiddleware())                       // CORS (last before routes)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Gatherer != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	}

	s.Router.POST("/webhook", s.webhook)
	s.Router.POST("/webhook/:token", s.webhook)

	api := s.Router.Group("/api")
	api.Use(s.auth.Middleware())
	{
		api.GET("/system", s.systemStatus)

		api.GET("/trades", s.listTrades)
		api.GET("/trades/:id", s.getTrade)

		api.GET("/bots", s.listBots)
		api.PUT("/bots", s.upsertBot)
		api.DELETE("/bots/:id", s.deleteBot)

		api.GET("/risk-events", s.listRiskEvents)
		api.GET("/pnl/today", s.pnlToday)

		api.GET("/tokens", s.listTokens)
		api.POST("/tokens", s.issueToken)
		api.DELETE("/tokens/:id", s.revokeToken)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.opts.Version,
		"dry_run": s.opts.DryRun,
	})
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}
