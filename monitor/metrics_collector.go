package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/glimte/henchman-go/interceptors"
)

const maxSamples = 100

// SimpleMetricsCollector keeps per-queue task metrics in memory. It suits
// tests and the CLI summary; export through PrometheusCollector in services.
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	taskCounters    map[string]int64
	errorCounters   map[string]map[string]int64
	processingTimes map[string]*TimeStats
}

var _ interceptors.MetricsCollector = (*SimpleMetricsCollector)(nil)

// TimeStats tracks timing statistics for one queue
type TimeStats struct {
	Count   int64
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
	samples []time.Duration // most recent maxSamples
}

// NewSimpleMetricsCollector creates a new in-memory metrics collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	return &SimpleMetricsCollector{
		taskCounters:    make(map[string]int64),
		errorCounters:   make(map[string]map[string]int64),
		processingTimes: make(map[string]*TimeStats),
	}
}

// IncrementTaskCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementTaskCount(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskCounters[queue]++
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) RecordProcessingTime(queue string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, exists := c.processingTimes[queue]
	if !exists {
		stats = &TimeStats{Min: duration, Max: duration, samples: make([]time.Duration, 0, maxSamples)}
		c.processingTimes[queue] = stats
	}

	stats.Count++
	stats.Total += duration
	if duration < stats.Min {
		stats.Min = duration
	}
	if duration > stats.Max {
		stats.Max = duration
	}

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, duration)
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementErrorCount(queue string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errorCounters[queue] == nil {
		c.errorCounters[queue] = make(map[string]int64)
	}
	c.errorCounters[queue][errorType]++
}

// MetricsSummary is a snapshot of all metrics keyed by queue
type MetricsSummary struct {
	TaskCounts      map[string]int64            `json:"task_counts"`
	ErrorCounts     map[string]map[string]int64 `json:"error_counts"`
	ProcessingStats map[string]ProcessingStats  `json:"processing_stats"`
}

// ProcessingStats summarizes handler durations for one queue
type ProcessingStats struct {
	Count int64         `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// GetMetricsSummary returns a summary of all collected metrics
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		TaskCounts:      make(map[string]int64, len(c.taskCounters)),
		ErrorCounts:     make(map[string]map[string]int64, len(c.errorCounters)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.processingTimes)),
	}

	for queue, count := range c.taskCounters {
		summary.TaskCounts[queue] = count
	}

	for queue, errs := range c.errorCounters {
		summary.ErrorCounts[queue] = make(map[string]int64, len(errs))
		for errorType, count := range errs {
			summary.ErrorCounts[queue][errorType] = count
		}
	}

	for queue, stats := range c.processingTimes {
		sorted := sortedCopy(stats.samples)
		procStats := ProcessingStats{
			Count: stats.Count,
			Min:   stats.Min,
			Max:   stats.Max,
			P50:   percentile(sorted, 0.50),
			P95:   percentile(sorted, 0.95),
			P99:   percentile(sorted, 0.99),
		}
		if stats.Count > 0 {
			procStats.Avg = stats.Total / time.Duration(stats.Count)
		}
		summary.ProcessingStats[queue] = procStats
	}

	return summary
}

// ErrorAnalysis summarizes failures across all queues
type ErrorAnalysis struct {
	TotalErrors   int64            `json:"total_errors"`
	TotalTasks    int64            `json:"total_tasks"`
	ErrorRate     float64          `json:"error_rate"`
	TopErrorTypes []ErrorTypeStats `json:"top_error_types"`
	ErrorsByQueue map[string]int64 `json:"errors_by_queue"`
}

// ErrorTypeStats counts one error type
type ErrorTypeStats struct {
	ErrorType string  `json:"error_type"`
	Count     int64   `json:"count"`
	Rate      float64 `json:"rate"`
}

// GetErrorAnalysis ranks error types by count, most frequent first
func (c *SimpleMetricsCollector) GetErrorAnalysis() ErrorAnalysis {
	c.mu.RLock()
	defer c.mu.RUnlock()

	analysis := ErrorAnalysis{ErrorsByQueue: make(map[string]int64)}
	for _, count := range c.taskCounters {
		analysis.TotalTasks += count
	}

	byType := make(map[string]int64)
	for queue, errs := range c.errorCounters {
		for errorType, count := range errs {
			analysis.TotalErrors += count
			analysis.ErrorsByQueue[queue] += count
			byType[errorType] += count
		}
	}

	if analysis.TotalTasks > 0 {
		analysis.ErrorRate = float64(analysis.TotalErrors) / float64(analysis.TotalTasks)
	}

	for errorType, count := range byType {
		analysis.TopErrorTypes = append(analysis.TopErrorTypes, ErrorTypeStats{
			ErrorType: errorType,
			Count:     count,
			Rate:      float64(count) / float64(analysis.TotalErrors),
		})
	}
	sort.Slice(analysis.TopErrorTypes, func(i, j int) bool {
		a, b := analysis.TopErrorTypes[i], analysis.TopErrorTypes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.ErrorType < b.ErrorType
	})

	return analysis
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.taskCounters = make(map[string]int64)
	c.errorCounters = make(map[string]map[string]int64)
	c.processingTimes = make(map[string]*TimeStats)
}

func sortedCopy(samples []time.Duration) []time.Duration {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}
