package db

import (
	"context"
	"time"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type statser interface {
	Stats() *DatabaseStats
}

// HealthChecker reports store reachability and, for pooled stores, the
// connection pool state.
type HealthChecker struct {
	store   pinger
	timeout time.Duration
}

func NewHealthChecker(store pinger) *HealthChecker {
	return &HealthChecker{store: store, timeout: 5 * time.Second}
}

type HealthStatus struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Latency     time.Duration     `json:"latency"`
	Connections *DatabaseStats    `json:"connections,omitempty"`
	Checks      map[string]string `json:"checks"`
	Error       string            `json:"error,omitempty"`
}

func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthStatus {
	start := time.Now()
	status := &HealthStatus{
		Timestamp: start,
		Checks:    make(map[string]string),
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		status.Status = StatusUnhealthy
		status.Error = err.Error()
		status.Checks["connectivity"] = "failed"
		status.Latency = time.Since(start)
		return status
	}
	status.Checks["connectivity"] = "ok"

	if s, ok := h.store.(statser); ok {
		stats := s.Stats()
		status.Connections = stats
		if stats.OpenConnections > 0 {
			status.Checks["connection_pool"] = "ok"
		} else {
			status.Status = StatusDegraded
			status.Checks["connection_pool"] = "no_connections"
		}
	}

	if status.Status == "" {
		status.Status = StatusHealthy
	}
	status.Latency = time.Since(start)
	return status
}
