package service

import (
	"sync"
	"time"

	"github.com/Wei-Shaw/coprox/internal/domain"
)

// ProxyStats tracks request counters and server run state. All counters are
// exact under concurrent use; Snapshot observes a consistent view under the
// stats lock.
type ProxyStats struct {
	mu              sync.Mutex
	totalRequests   int64
	failedRequests  int64
	startTime       *time.Time
	lastRequestTime *time.Time
	running         bool
	host            string
	port            int
}

// StatsSnapshot is a consistent copy of the proxy statistics.
type StatsSnapshot struct {
	TotalRequests   int64      `json:"total_requests"`
	FailedRequests  int64      `json:"failed_requests"`
	SuccessRate     float64    `json:"success_rate"`
	Health          string     `json:"health"`
	Running         bool       `json:"running"`
	Host            string     `json:"host,omitempty"`
	Port            int        `json:"port,omitempty"`
	UptimeSeconds   float64    `json:"uptime_seconds"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	LastRequestTime *time.Time `json:"last_request_time,omitempty"`
}

// NewProxyStats creates zeroed statistics.
func NewProxyStats() *ProxyStats {
	return &ProxyStats{}
}

// MarkStarted records the server as running on host:port and stamps the
// start time.
func (s *ProxyStats) MarkStarted(host string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.running = true
	s.host = host
	s.port = port
	s.startTime = &now
}

// MarkStopped clears the running flag.
func (s *ProxyStats) MarkStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Running reports whether the server is marked as running.
func (s *ProxyStats) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IncrementRequests counts one handled request and stamps the last-request
// time.
func (s *ProxyStats) IncrementRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.totalRequests++
	s.lastRequestTime = &now
}

// IncrementFailed counts one failed request. Callers pair this with
// IncrementRequests so that failed never exceeds total.
func (s *ProxyStats) IncrementFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedRequests++
}

// Snapshot returns a consistent copy of all counters and derived values.
func (s *ProxyStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		TotalRequests:  s.totalRequests,
		FailedRequests: s.failedRequests,
		Running:        s.running,
		Host:           s.host,
		Port:           s.port,
		SuccessRate:    successRate(s.totalRequests, s.failedRequests),
	}
	snap.Health = healthTier(s.totalRequests, s.failedRequests)
	if s.startTime != nil {
		st := *s.startTime
		snap.StartTime = &st
		snap.UptimeSeconds = time.Since(st).Seconds()
	}
	if s.lastRequestTime != nil {
		lt := *s.lastRequestTime
		snap.LastRequestTime = &lt
	}
	return snap
}

func successRate(total, failed int64) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(total-failed) / float64(total)
}

// healthTier buckets the error rate: <10% healthy, <50% degraded, otherwise
// unhealthy.
func healthTier(total, failed int64) string {
	if total == 0 {
		return domain.HealthHealthy
	}
	errorRate := float64(failed) / float64(total)
	switch {
	case errorRate < 0.10:
		return domain.HealthHealthy
	case errorRate < 0.50:
		return domain.HealthDegraded
	default:
		return domain.HealthUnhealthy
	}
}
