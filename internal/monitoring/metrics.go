package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Counter names a kernel event counter. The name doubles as the OTel
// instrument name.
type Counter string

const (
	TokensIssued             Counter = "authkernel_tokens_issued_total"
	TokensRevoked            Counter = "authkernel_tokens_revoked_total"
	AuthorizationCodesIssued Counter = "authkernel_authorization_codes_issued_total"
	AuthorizationCodeReplays Counter = "authkernel_authorization_code_replays_total"
	RefreshTokenReplays      Counter = "authkernel_refresh_token_replays_total"
	LoginSuccesses           Counter = "authkernel_login_success_total"
	LoginFailures            Counter = "authkernel_login_failure_total"
	LoginTimeouts            Counter = "authkernel_login_timeout_total"
	SuspiciousLogins         Counter = "authkernel_suspicious_login_total"
	BruteForceFailOpen       Counter = "bruteforce_fail_open_total"
	BruteForceRejections     Counter = "authkernel_bruteforce_rejections_total"
	AccountLocks             Counter = "authkernel_account_locks_total"
	AccountUnlocks           Counter = "authkernel_account_unlocks_total"
	LockoutConflicts         Counter = "authkernel_lockout_conflicts_total"
	SessionsCreated          Counter = "authkernel_sessions_created_total"
	SessionsRevoked          Counter = "authkernel_sessions_revoked_total"
	RateLimited              Counter = "authkernel_rate_limited_total"
)

var counterHelp = map[Counter]string{
	TokensIssued:             "Access tokens issued.",
	TokensRevoked:            "Access and refresh tokens revoked.",
	AuthorizationCodesIssued: "Authorization codes issued.",
	AuthorizationCodeReplays: "Second redemptions of an authorization code.",
	RefreshTokenReplays:      "Refresh tokens presented after revocation.",
	LoginSuccesses:           "Successful interactive logins.",
	LoginFailures:            "Failed interactive logins.",
	LoginTimeouts:            "Logins whose credential check timed out.",
	SuspiciousLogins:         "Successful logins flagged as suspicious.",
	BruteForceFailOpen:       "Brute-force checks skipped because the counter store was unavailable.",
	BruteForceRejections:     "Login attempts rejected by the brute-force guard.",
	AccountLocks:             "Persistent account locks applied.",
	AccountUnlocks:           "Persistent account locks cleared.",
	LockoutConflicts:         "Version conflicts retried on the lock state.",
	SessionsCreated:          "Interactive sessions created.",
	SessionsRevoked:          "Interactive sessions revoked.",
	RateLimited:              "Requests rejected by the per-address rate limiter.",
}

// Counters lists every kernel counter in a stable order.
func Counters() []Counter {
	out := make([]Counter, 0, len(counterHelp))
	for c := range counterHelp {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type Metrics struct {
	mu                    sync.RWMutex
	StartTime             time.Time            `json:"start_time"`
	TotalRequests         int64                `json:"total_requests"`
	ActiveRequests        int64                `json:"active_requests"`
	Counters              map[Counter]int64    `json:"counters"`
	RequestsByEndpoint    map[string]int64     `json:"requests_by_endpoint"`
	ResponseTimeHistogram map[string][]float64 `json:"response_time_histogram"`
	ErrorCounts           map[string]int64     `json:"error_counts"`
}

// CheckFunc probes one dependency for the health endpoint.
type CheckFunc func(ctx context.Context) error

// Service collects in-process counters. A nil *Service is a valid no-op
// recorder so domain packages can run without metrics in tests.
type Service struct {
	metrics *Metrics

	checksMu sync.RWMutex
	checks   map[string]CheckFunc
}

func NewService() *Service {
	return &Service{
		metrics: &Metrics{
			StartTime:             time.Now(),
			Counters:              make(map[Counter]int64),
			RequestsByEndpoint:    make(map[string]int64),
			ResponseTimeHistogram: make(map[string][]float64),
			ErrorCounts:           make(map[string]int64),
		},
		checks: make(map[string]CheckFunc),
	}
}

// Inc adds one to c.
func (s *Service) Inc(c Counter) {
	s.Add(c, 1)
}

func (s *Service) Add(c Counter, n int64) {
	if s == nil || n == 0 {
		return
	}
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	s.metrics.Counters[c] += n
}

// Value returns the current value of c.
func (s *Service) Value(c Counter) int64 {
	if s == nil {
		return 0
	}
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()
	return s.metrics.Counters[c]
}

func (s *Service) IncrementRequests() {
	if s == nil {
		return
	}
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	s.metrics.TotalRequests++
}

func (s *Service) IncrementActiveRequests() {
	if s == nil {
		return
	}
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	s.metrics.ActiveRequests++
}

func (s *Service) DecrementActiveRequests() {
	if s == nil {
		return
	}
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	s.metrics.ActiveRequests--
}

func (s *Service) RecordEndpointRequest(endpoint string) {
	if s == nil {
		return
	}
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	s.metrics.RequestsByEndpoint[endpoint]++
}

func (s *Service) RecordResponseTime(endpoint string, duration time.Duration) {
	if s == nil {
		return
	}
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()

	durationMs := float64(duration.Nanoseconds()) / 1e6
	s.metrics.ResponseTimeHistogram[endpoint] = append(
		s.metrics.ResponseTimeHistogram[endpoint],
		durationMs,
	)

	if len(s.metrics.ResponseTimeHistogram[endpoint]) > 1000 {
		s.metrics.ResponseTimeHistogram[endpoint] = s.metrics.ResponseTimeHistogram[endpoint][100:]
	}
}

// RecordError counts an error response by its taxonomy kind.
func (s *Service) RecordError(kind string) {
	if s == nil {
		return
	}
	s.metrics.mu.Lock()
	defer s.metrics.mu.Unlock()
	s.metrics.ErrorCounts[kind]++
}

// GetMetrics returns a copy safe to serialise.
func (s *Service) GetMetrics() *Metrics {
	s.metrics.mu.RLock()
	defer s.metrics.mu.RUnlock()

	metricsCopy := &Metrics{
		StartTime:             s.metrics.StartTime,
		TotalRequests:         s.metrics.TotalRequests,
		ActiveRequests:        s.metrics.ActiveRequests,
		Counters:              make(map[Counter]int64, len(s.metrics.Counters)),
		RequestsByEndpoint:    make(map[string]int64),
		ResponseTimeHistogram: make(map[string][]float64),
		ErrorCounts:           make(map[string]int64),
	}

	for k, v := range s.metrics.Counters {
		metricsCopy.Counters[k] = v
	}
	for k, v := range s.metrics.RequestsByEndpoint {
		metricsCopy.RequestsByEndpoint[k] = v
	}
	for k, v := range s.metrics.ResponseTimeHistogram {
		metricsCopy.ResponseTimeHistogram[k] = append([]float64{}, v...)
	}
	for k, v := range s.metrics.ErrorCounts {
		metricsCopy.ErrorCounts[k] = v
	}

	return metricsCopy
}

func (s *Service) GetSystemMetrics() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"uptime_seconds":  time.Since(s.metrics.StartTime).Seconds(),
		"memory_alloc_mb": float64(memStats.Alloc) / 1024 / 1024,
		"memory_sys_mb":   float64(memStats.Sys) / 1024 / 1024,
		"memory_heap_mb":  float64(memStats.HeapAlloc) / 1024 / 1024,
		"gc_runs":         memStats.NumGC,
		"goroutines":      runtime.NumGoroutine(),
		"cpu_cores":       runtime.NumCPU(),
		"go_version":      runtime.Version(),
	}
}

// AddHealthCheck registers a dependency probe reported by ServeHealthCheck.
func (s *Service) AddHealthCheck(name string, check CheckFunc) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// RegisterOTel mirrors every counter into observable OTel counters on meter.
// The returned registration should be unregistered on shutdown.
func (s *Service) RegisterOTel(meter metric.Meter) (metric.Registration, error) {
	if meter == nil {
		return nil, fmt.Errorf("nil meter")
	}

	counters := Counters()
	instruments := make([]metric.Int64ObservableCounter, 0, len(counters))
	observables := make([]metric.Observable, 0, len(counters)+1)
	for _, c := range counters {
		ins, err := meter.Int64ObservableCounter(string(c), metric.WithDescription(counterHelp[c]))
		if err != nil {
			return nil, fmt.Errorf("create observable counter %s: %w", c, err)
		}
		instruments = append(instruments, ins)
		observables = append(observables, ins)
	}

	requests, err := meter.Int64ObservableCounter("authkernel_http_requests_total",
		metric.WithDescription("HTTP requests served."))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}
	observables = append(observables, requests)

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := s.GetMetrics()
		for i, c := range counters {
			observer.ObserveInt64(instruments[i], snapshot.Counters[c])
		}
		observer.ObserveInt64(requests, snapshot.TotalRequests)
		return nil
	}, observables...)
}

func (s *Service) ServeMetrics(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"kernel_metrics": s.GetMetrics(),
		"system_metrics": s.GetSystemMetrics(),
		"timestamp":      time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Service) ServeHealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := s.GetMetrics()
	systemMetrics := s.GetSystemMetrics()

	status := "healthy"
	if metrics.ActiveRequests > 1000 {
		status = "degraded"
	}

	s.checksMu.RLock()
	checks := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := check(ctx); err != nil {
			checks[name] = "failed: " + err.Error()
			status = "unhealthy"
		} else {
			checks[name] = "ok"
		}
		cancel()
	}
	s.checksMu.RUnlock()

	response := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().Unix(),
		"uptime":    systemMetrics["uptime_seconds"],
		"checks":    checks,
	}

	statusCode := http.StatusOK
	if status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}
