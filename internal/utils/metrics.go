// internal/utils/metrics.go
package utils

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Counter metric - using atomic operations for thread-safe value updates
type Counter struct {
	name  string
	value int64 // Use atomic operations for this field
}

// Gauge metric - using atomic operations for thread-safe value updates
type Gauge struct {
	name  string
	value int64 // Use atomic operations for this field
}

// Histogram metric (simple implementation tracking count, sum, min, max)
type Histogram struct {
	name  string
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

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// IncrementCounter increments a counter metric using atomic operations to reduce lock contention
func (m *MetricsCollector) IncrementCounter(name string) {
	// First try with read lock (fast path for existing counters)
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if exists {
		atomic.AddInt64(&counter.value, 1)
		return
	}

	// Slow path: need to create new counter
	m.mu.Lock()
	// Double-check after acquiring write lock
	counter, exists = m.counters[name]
	if !exists {
		counter = &Counter{name: name}
		m.counters[name] = counter
	}
	m.mu.Unlock()

	atomic.AddInt64(&counter.value, 1)
}

// AddCounter adds a value to a counter metric using atomic operations
func (m *MetricsCollector) AddCounter(name string, value int64) {
	// First try with read lock (fast path for existing counters)
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if exists {
		atomic.AddInt64(&counter.value, value)
		return
	}

	// Slow path: need to create new counter
	m.mu.Lock()
	// Double-check after acquiring write lock
	counter, exists = m.counters[name]
	if !exists {
		counter = &Counter{name: name}
		m.counters[name] = counter
	}
	m.mu.Unlock()

	atomic.AddInt64(&counter.value, value)
}

// SetGauge sets a gauge metric using atomic operations
func (m *MetricsCollector) SetGauge(name string, value int64) {
	// First try with read lock (fast path for existing gauges)
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if exists {
		atomic.StoreInt64(&gauge.value, value)
		return
	}

	// Slow path: need to create new gauge
	m.mu.Lock()
	// Double-check after acquiring write lock
	gauge, exists = m.gauges[name]
	if !exists {
		gauge = &Gauge{name: name}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()

	atomic.StoreInt64(&gauge.value, value)
}

// GetGauge gets the current value of a gauge using atomic load
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	gauge, exists := m.gauges[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}

	return atomic.LoadInt64(&gauge.value)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	// First try with read lock (fast path for existing histograms)
	m.mu.RLock()
	histogram, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		// Slow path: need to create new histogram
		m.mu.Lock()
		// Double-check after acquiring write lock
		histogram, exists = m.histograms[name]
		if !exists {
			histogram = &Histogram{
				name: name,
				min:  value,
				max:  value,
			}
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

	metrics := make(map[string]interface{})

	// Collect counters using atomic load
	counters := make(map[string]int64)
	for name, counter := range m.counters {
		counters[name] = atomic.LoadInt64(&counter.value)
	}
	metrics["counters"] = counters

	// Collect gauges using atomic load
	gauges := make(map[string]int64)
	for name, gauge := range m.gauges {
		gauges[name] = atomic.LoadInt64(&gauge.value)
	}
	metrics["gauges"] = gauges

	// Collect histograms (still needs mutex for min/max consistency)
	histograms := make(map[string]map[string]int64)
	for name, histogram := range m.histograms {
		histogram.mu.Lock()
		histograms[name] = map[string]int64{
			"count": histogram.count,
			"sum":   histogram.sum,
			"min":   histogram.min,
			"max":   histogram.max,
		}
		histogram.mu.Unlock()
	}
	metrics["histograms"] = histograms

	return metrics
}

// GetCounterValue gets the current value of a counter using atomic load
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		return 0
	}

	return atomic.LoadInt64(&counter.value)
}

// PipelineMetrics records storyboard pipeline and control-surface metrics
type PipelineMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewPipelineMetrics creates a pipeline metrics recorder backed by the global collector
func NewPipelineMetrics() *PipelineMetrics {
	return NewPipelineMetricsWith(GetMetricsCollector(), GetLogger())
}

// NewPipelineMetricsWith creates a recorder over an explicit collector and logger
func NewPipelineMetricsWith(collector *MetricsCollector, logger *Logger) *PipelineMetrics {
	return &PipelineMetrics{
		metrics: collector,
		logger:  logger,
	}
}

// NewMetricsCollector creates an isolated collector (tests, embedded use)
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Collector exposes the underlying collector for snapshots
func (pm *PipelineMetrics) Collector() *MetricsCollector {
	return pm.metrics
}

// RecordRunStarted marks a run as active
func (pm *PipelineMetrics) RecordRunStarted() {
	pm.metrics.IncrementCounter("pipeline_runs_total")
	pm.metrics.SetGauge("pipeline_active", 1)
}

// RecordRunFinished records the terminal status and attempts used by a run
func (pm *PipelineMetrics) RecordRunFinished(status string, attempts int, duration time.Duration) {
	pm.metrics.IncrementCounter("pipeline_runs_" + status)
	pm.metrics.SetGauge("pipeline_active", 0)
	pm.metrics.RecordHistogram("pipeline_attempts", int64(attempts))
	pm.metrics.RecordHistogram("pipeline_run_time_ms", duration.Milliseconds())

	pm.logger.Info("Pipeline run finished", map[string]interface{}{
		"status":   status,
		"attempts": attempts,
		"duration": duration.Milliseconds(),
	})
}

// RecordStage records one stage execution and its outcome
func (pm *PipelineMetrics) RecordStage(stage string, ok bool, duration time.Duration) {
	pm.metrics.IncrementCounter("stage_" + stage + "_total")
	if !ok {
		pm.metrics.IncrementCounter("stage_" + stage + "_failed")
	}
	pm.metrics.RecordHistogram("stage_"+stage+"_time_ms", duration.Milliseconds())
}

// RecordLLMRequest records metrics for an LLM request
func (pm *PipelineMetrics) RecordLLMRequest(provider, model string, tokensUsed int, duration time.Duration) {
	pm.metrics.IncrementCounter("llm_requests_total")
	pm.metrics.IncrementCounter("llm_requests_" + provider)
	pm.metrics.AddCounter("llm_tokens_total", int64(tokensUsed))
	pm.metrics.RecordHistogram("llm_response_time_ms", duration.Milliseconds())

	pm.logger.Debug("LLM request completed", map[string]interface{}{
		"provider": provider,
		"model":    model,
		"tokens":   tokensUsed,
		"duration": duration.Milliseconds(),
	})
}

// RecordAPIRequest records metrics for an API request
func (pm *PipelineMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	pm.metrics.IncrementCounter("api_requests_total")
	pm.metrics.IncrementCounter("api_requests_" + method + "_" + endpoint)
	pm.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
	pm.metrics.IncrementCounter("api_responses_" + strconv.Itoa(statusCode/100) + "xx")
}

// RecordError records an error metric
func (pm *PipelineMetrics) RecordError(errorType, component string) {
	if errorType == "" {
		errorType = "unknown"
	}
	pm.metrics.IncrementCounter("errors_total")
	pm.metrics.IncrementCounter("errors_" + errorType)
	pm.metrics.IncrementCounter("errors_" + component)
}

// StartMetricsCollection periodically logs a metrics summary until ctx is done
func (pm *PipelineMetrics) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.logger.Info("Periodic metrics report", map[string]interface{}{
					"metrics": pm.metrics.GetMetrics(),
				})
			}
		}
	}()
}
