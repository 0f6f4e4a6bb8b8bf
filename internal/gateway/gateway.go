// Package gateway is the public HTTP surface of the genesis proxy. It serves
// the transcript, its hash and genesis-bound quotes to anyone, and accepts
// developer instructions on POST /chat from holders of the shared dev key.
// Every instruction is written to the genesis log before the agent sees it.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/genesis-proxy/internal/agent"
	"github.com/jmerrifield20/genesis-proxy/internal/attestation"
	"github.com/jmerrifield20/genesis-proxy/internal/genesislog"
	"github.com/jmerrifield20/genesis-proxy/internal/health"
	"github.com/jmerrifield20/genesis-proxy/internal/metrics"
	"go.uber.org/zap"
)

// LogStore is the genesis log as the gateway uses it.
// *genesislog.Store satisfies it.
type LogStore interface {
	Append(ctx context.Context, typ genesislog.Type, payload string) (*genesislog.Entry, error)
	CurrentHash() (string, bool)
	ReadAll() ([]genesislog.Record, error)
	Raw() ([]byte, error)
	Len() int
	State() genesislog.State
	Path() string
}

// AgentSender delivers an instruction to the agent. *agent.Client satisfies it.
type AgentSender interface {
	Send(ctx context.Context, message string) (*agent.Reply, error)
}

// Quoter issues quotes bound to the genesis log hash.
// *attestation.Forwarder satisfies it.
type Quoter interface {
	GenesisQuote(ctx context.Context, src attestation.HashSource) ([]byte, error)
}

// HealthReporter exposes the last upstream probe results.
// *health.Checker satisfies it.
type HealthReporter interface {
	Snapshot() []health.TargetStatus
}

// Deps are the collaborators the gateway routes to. Health is optional.
type Deps struct {
	Log    LogStore
	Agent  AgentSender
	Quoter Quoter
	Health HealthReporter
}

// Options configure the router.
type Options struct {
	DevKey       string
	CORSOrigins  []string
	RateLimitRPS int           // per-IP limit on POST /chat; 0 disables
	AgentTimeout time.Duration // default 5m
	MaxBodyBytes int64         // default 1 MiB
}

// NewRouter builds the gateway's gin engine. Background work started for the
// router, such as the rate limiter's sweeper, stops when ctx is done.
func NewRouter(ctx context.Context, deps Deps, opts Options, logger *zap.Logger) *gin.Engine {
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     opts.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", requestIDHeader},
		AllowCredentials: !containsWildcard(opts.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(securityHeaders())
	router.Use(bodyLimit(opts.MaxBodyBytes))
	router.Use(requestLogger(logger))
	router.Use(metrics.Middleware("gateway"))

	router.GET("/", serveUI)
	router.GET("/healthz", healthz(deps))
	router.GET("/metrics", metrics.Handler())

	NewGenesisHandler(deps.Log, deps.Quoter, logger).Register(&router.RouterGroup)

	chat := NewChatHandler(deps.Log, deps.Agent, opts.DevKey, opts.AgentTimeout, logger)
	if opts.RateLimitRPS > 0 {
		limiter := NewRateLimiter(float64(opts.RateLimitRPS), opts.RateLimitRPS*2, limiterIdleTTL)
		go limiter.Run(ctx, limiterSweepInterval)
		router.POST("/chat", limiter.Middleware(), chat.Chat)
	} else {
		router.POST("/chat", chat.Chat)
	}

	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return router
}

func healthz(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := deps.Log.State()
		status := "ok"
		if state != genesislog.StateReady {
			status = "degraded"
		}
		body := gin.H{
			"status":      status,
			"genesis_log": state.String(),
			"entries":     deps.Log.Len(),
		}
		if deps.Health != nil {
			body["upstreams"] = deps.Health.Snapshot()
		}
		c.JSON(http.StatusOK, body)
	}
}
