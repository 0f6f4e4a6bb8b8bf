// Package health periodically probes the proxy's upstreams (the agent and the
// attestation primitive) and keeps the last result of each for /healthz.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status values reported per target.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Prober checks that one upstream answers.
type Prober interface {
	Ping(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Ping calls f.
func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// Target is a named upstream to probe.
type Target struct {
	Name  string
	Probe Prober
}

// TargetStatus is the last known state of a target.
type TargetStatus struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	FailCount   int       `json:"fail_count"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(target string, up bool)

// Checker runs periodic upstream probes.
type Checker struct {
	targets   []Target
	statuses  map[string]*TargetStatus
	mu        sync.Mutex
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker over targets.
func New(targets []Target, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	statuses := make(map[string]*TargetStatus, len(targets))
	for _, t := range targets {
		statuses[t.Name] = &TargetStatus{Name: t.Name, Status: StatusUnknown}
	}
	return &Checker{
		targets:  targets,
		statuses: statuses,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start probes once immediately, then every CheckInterval until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every target concurrently and waits for all of them.
func (h *Checker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range h.targets {
		wg.Add(1)
		go func(target Target) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := target.Probe.Ping(probeCtx)
			cancel()

			h.record(target.Name, err)
		}(t)
	}
	wg.Wait()
}

func (h *Checker) record(name string, err error) {
	success := err == nil
	if h.onMetrics != nil {
		h.onMetrics(name, success)
	}

	h.mu.Lock()
	st := h.statuses[name]
	prevCount := st.FailCount
	prevStatus := st.Status
	st.LastChecked = time.Now().UTC()
	if success {
		st.FailCount = 0
		st.Status = StatusHealthy
		st.LastError = ""
	} else {
		st.FailCount++
		st.LastError = err.Error()
		if st.FailCount >= h.cfg.FailThreshold {
			st.Status = StatusDegraded
		}
	}
	count := st.FailCount
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		h.logger.Info("health: recovered", zap.String("target", name))
	case success && prevStatus == StatusUnknown:
		h.logger.Info("health: reachable", zap.String("target", name))
	case !success && count == h.cfg.FailThreshold:
		// Exactly at threshold, so this is logged once per outage.
		h.logger.Warn("health: degraded",
			zap.String("target", name),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

// Snapshot returns the current status of every target in registration order.
func (h *Checker) Snapshot() []TargetStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]TargetStatus, 0, len(h.targets))
	for _, t := range h.targets {
		out = append(out, *h.statuses[t.Name])
	}
	return out
}
