// internal/utils/metrics.go
package utils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names recorded by the studio
const (
	MetricAPIRequests          = "api_requests_total"
	MetricAPIResponseTime      = "api_response_time_ms"
	MetricGenerationsSubmitted = "generations_submitted_total"
	MetricGenerationsCompleted = "generations_completed_total"
	MetricGenerationsCancelled = "generations_cancelled_total"
	MetricGenerationLatency    = "generation_latency_ms"
	MetricDownloads            = "downloads_total"
	MetricDownloadBytes        = "download_bytes_total"
	MetricDownloadFailures     = "download_failures_total"
	MetricActiveSessions       = "active_sessions"
	MetricPendingGenerations   = "pending_generations"
	MetricErrors               = "errors_total"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram tracks count, sum, min and max of observed values
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// NewMetricsCollector creates an empty collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// slot returns the value cell for name in table, creating it on first use
func (m *MetricsCollector) slot(table map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := table[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = table[name]; !ok {
		v = new(int64)
		table[name] = v
	}
	return v
}

// IncrementCounter increments a counter by one
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.slot(m.counters, name), 1)
}

// AddCounter adds value to a counter
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.slot(m.counters, name), value)
}

// SetGauge sets a gauge
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.slot(m.gauges, name), value)
}

// IncGauge increments a gauge
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), 1)
}

// DecGauge decrements a gauge
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.slot(m.gauges, name), -1)
}

// GetGauge returns the current gauge value
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// GetCounterValue returns the current counter value
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{min: value, max: value}
			m.histograms[name] = histogram
		}
		m.mu.Unlock()
	}

	histogram.mu.Lock()
	defer histogram.mu.Unlock()

	histogram.count++
	histogram.sum += value
	if value < histogram.min {
		histogram.min = value
	}
	if value > histogram.max {
		histogram.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// StudioMetrics records studio specific events on top of a collector
type StudioMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewStudioMetrics creates a recorder on the global collector
func NewStudioMetrics() *StudioMetrics {
	return NewStudioMetricsWith(GetMetricsCollector())
}

// NewStudioMetricsWith creates a recorder on a specific collector
func NewStudioMetricsWith(collector *MetricsCollector) *StudioMetrics {
	return &StudioMetrics{
		metrics: collector,
		logger:  GetLogger(),
	}
}

// Collector returns the underlying collector
func (sm *StudioMetrics) Collector() *MetricsCollector {
	return sm.metrics
}

// RecordAPIRequest records one handled HTTP request
func (sm *StudioMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	sm.metrics.IncrementCounter(MetricAPIRequests)
	sm.metrics.IncrementCounter("api_requests_" + method + "_" + endpoint)
	sm.metrics.RecordHistogram(MetricAPIResponseTime, duration.Milliseconds())
	sm.metrics.IncrementCounter(fmt.Sprintf("api_responses_%dxx", statusCode/100))

	sm.logger.Debug("API request completed", map[string]interface{}{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordGenerationSubmitted counts a new generation task
func (sm *StudioMetrics) RecordGenerationSubmitted() {
	sm.metrics.IncrementCounter(MetricGenerationsSubmitted)
	sm.metrics.IncGauge(MetricPendingGenerations)
}

// RecordGenerationCompleted counts a finished task and its latency
func (sm *StudioMetrics) RecordGenerationCompleted(latency time.Duration) {
	sm.metrics.IncrementCounter(MetricGenerationsCompleted)
	sm.metrics.DecGauge(MetricPendingGenerations)
	sm.metrics.RecordHistogram(MetricGenerationLatency, latency.Milliseconds())
}

// RecordGenerationCancelled counts a superseded or cancelled task
func (sm *StudioMetrics) RecordGenerationCancelled() {
	sm.metrics.IncrementCounter(MetricGenerationsCancelled)
	sm.metrics.DecGauge(MetricPendingGenerations)
}

// RecordDownload counts one saved or streamed image
func (sm *StudioMetrics) RecordDownload(view string, bytes int64) {
	sm.metrics.IncrementCounter(MetricDownloads)
	sm.metrics.IncrementCounter("downloads_" + view)
	sm.metrics.AddCounter(MetricDownloadBytes, bytes)
}

// RecordDownloadFailure counts a failed download
func (sm *StudioMetrics) RecordDownloadFailure(view string) {
	sm.metrics.IncrementCounter(MetricDownloadFailures)
	sm.RecordError("download", view)
}

// SetActiveSessions publishes the number of live sessions
func (sm *StudioMetrics) SetActiveSessions(n int) {
	sm.metrics.SetGauge(MetricActiveSessions, int64(n))
}

// RecordError records an error metric
func (sm *StudioMetrics) RecordError(errorType, component string) {
	sm.metrics.IncrementCounter(MetricErrors)
	sm.metrics.IncrementCounter("errors_" + errorType)

	sm.logger.Warn("Error recorded", map[string]interface{}{
		"type":      errorType,
		"component": component,
	})
}

// StartMetricsCollection logs a metrics summary every interval until ctx is done
func (sm *StudioMetrics) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sm.logger.Info("Periodic metrics report", map[string]interface{}{
					"metrics": sm.metrics.GetMetrics(),
				})
			}
		}
	}()
}
