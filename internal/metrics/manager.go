package metrics

import (
	"runtime"
	"sync"
	"time"
)

// Manager provides a single handle to the process metrics
type Manager struct {
	prometheus *PrometheusMetrics
	startTime  time.Time
}

var (
	managerOnce sync.Once
	manager     *Manager
)

// NewManager returns the process-wide metrics manager. Collectors register
// against the default Prometheus registry exactly once.
func NewManager() *Manager {
	managerOnce.Do(func() {
		manager = &Manager{
			prometheus: NewPrometheusMetrics(),
			startTime:  time.Now(),
		}
	})
	return manager
}

// GetPrometheusMetrics returns the Prometheus metrics instance
func (m *Manager) GetPrometheusMetrics() *PrometheusMetrics {
	return m.prometheus
}

// UpdateSystemMetrics refreshes uptime and runtime gauges
func (m *Manager) UpdateSystemMetrics() {
	m.prometheus.ApplicationUptime.Set(time.Since(m.startTime).Seconds())
	m.prometheus.GoroutineCount.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.prometheus.MemoryUsage.Set(float64(memStats.HeapAlloc))
}
