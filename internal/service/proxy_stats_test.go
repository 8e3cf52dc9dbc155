//go:build unit

package service

import (
	"sync"
	"testing"

	"github.com/Wei-Shaw/coprox/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestProxyStats_SuccessRate(t *testing.T) {
	stats := NewProxyStats()
	require.Equal(t, 1.0, stats.Snapshot().SuccessRate)

	for i := 0; i < 10; i++ {
		stats.IncrementRequests()
	}
	stats.IncrementFailed()
	stats.IncrementFailed()

	snap := stats.Snapshot()
	require.Equal(t, int64(10), snap.TotalRequests)
	require.Equal(t, int64(2), snap.FailedRequests)
	require.InDelta(t, 0.8, snap.SuccessRate, 1e-9)
	require.NotNil(t, snap.LastRequestTime)
}

func TestProxyStats_HealthTiers(t *testing.T) {
	cases := []struct {
		name   string
		total  int
		failed int
		want   string
	}{
		{"no traffic", 0, 0, domain.HealthHealthy},
		{"low errors", 100, 5, domain.HealthHealthy},
		{"boundary degraded", 100, 10, domain.HealthDegraded},
		{"mid errors", 100, 30, domain.HealthDegraded},
		{"boundary unhealthy", 100, 50, domain.HealthUnhealthy},
		{"all failed", 10, 10, domain.HealthUnhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := NewProxyStats()
			for i := 0; i < tc.total; i++ {
				stats.IncrementRequests()
			}
			for i := 0; i < tc.failed; i++ {
				stats.IncrementFailed()
			}
			require.Equal(t, tc.want, stats.Snapshot().Health)
		})
	}
}

func TestProxyStats_ConcurrentIncrementsAreExact(t *testing.T) {
	stats := NewProxyStats()

	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				stats.IncrementRequests()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(goroutines*perGoroutine), stats.Snapshot().TotalRequests)
}

func TestProxyStats_RunState(t *testing.T) {
	stats := NewProxyStats()
	require.False(t, stats.Running())

	stats.MarkStarted("0.0.0.0", 5000)
	snap := stats.Snapshot()
	require.True(t, snap.Running)
	require.Equal(t, "0.0.0.0", snap.Host)
	require.Equal(t, 5000, snap.Port)
	require.NotNil(t, snap.StartTime)

	stats.MarkStopped()
	require.False(t, stats.Running())
}
