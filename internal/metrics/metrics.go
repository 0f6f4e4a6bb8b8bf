// Package metrics holds the proxy's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genesis_requests_total",
		Help: "Total HTTP requests by server, method, path, and response status.",
	}, []string{"server", "method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genesis_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"server", "method", "path"})

	logAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genesis_log_appends_total",
		Help: "Total genesis log entries appended by type.",
	}, []string{"type"})

	logState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genesis_log_state",
		Help: "1 for the genesis log's current state (waiting, ready, unavailable), 0 otherwise.",
	}, []string{"state"})

	chatCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genesis_chat_cycles_total",
		Help: "Finished chat cycles by outcome and the last stage reached.",
	}, []string{"outcome", "stage"})

	agentForwardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genesis_agent_forwards_total",
		Help: "Instructions forwarded to the agent by result.",
	}, []string{"result"})

	quoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genesis_quote_requests_total",
		Help: "Genesis quote requests by result.",
	}, []string{"result"})

	passthroughTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genesis_passthrough_forwards_total",
		Help: "Agent requests relayed to the attestation primitive by result.",
	}, []string{"result"})

	upstreamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genesis_upstream_up",
		Help: "Whether the last probe of an upstream succeeded.",
	}, []string{"target"})
)

var logStates = []string{"waiting", "ready", "unavailable"}

// Middleware returns a Gin middleware that records per-request metrics for
// the named server.
func Middleware(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(server, method, path, status).Inc()
		requestDuration.WithLabelValues(server, method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records a genesis log append of the given entry type.
func RecordAppend(entryType string) {
	logAppendsTotal.WithLabelValues(entryType).Inc()
}

// SetLogState marks state as the genesis log's current state.
func SetLogState(state string) {
	for _, s := range logStates {
		v := 0.0
		if s == state {
			v = 1
		}
		logState.WithLabelValues(s).Set(v)
	}
}

// RecordChatCycle records a finished chat cycle.
func RecordChatCycle(outcome, stage string) {
	chatCyclesTotal.WithLabelValues(outcome, stage).Inc()
}

// RecordAgentForward records an instruction delivery attempt.
func RecordAgentForward(success bool) {
	agentForwardsTotal.WithLabelValues(result(success)).Inc()
}

// RecordQuote records a genesis quote request.
func RecordQuote(success bool) {
	quoteRequestsTotal.WithLabelValues(result(success)).Inc()
}

// RecordPassthrough records a relayed agent request.
func RecordPassthrough(success bool) {
	passthroughTotal.WithLabelValues(result(success)).Inc()
}

// SetUpstreamUp records the latest probe result for target.
func SetUpstreamUp(target string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	upstreamUp.WithLabelValues(target).Set(v)
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
