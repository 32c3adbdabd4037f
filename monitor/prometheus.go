package monitor

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/henchman-go/interceptors"
	"github.com/glimte/henchman-go/internal/rabbitmq"
	"github.com/glimte/henchman-go/messaging"
)

// Namespace prefixes every exported metric
const Namespace = "henchman"

var durationBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// PrometheusCollector exports task, publish and connection metrics.
// It serves as an interceptors.MetricsCollector, a messaging.PublishObserver
// and a rabbitmq.StateListener.
type PrometheusCollector struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskErrors   *prometheus.CounterVec

	publishes       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec

	connected    prometheus.Gauge
	disconnects  prometheus.Counter
	reconnecting prometheus.Counter
	recoveries   prometheus.Counter
	generation   prometheus.Gauge
}

var (
	_ interceptors.MetricsCollector = (*PrometheusCollector)(nil)
	_ messaging.PublishObserver     = (*PrometheusCollector)(nil)
	_ rabbitmq.StateListener        = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector creates the collector and registers its metrics with reg
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	c := &PrometheusCollector{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "task",
			Name:      "processed_total",
			Help:      "Total tasks handled by queue",
		}, []string{"queue"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   durationBuckets,
		}, []string{"queue"}),
		taskErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "task",
			Name:      "errors_total",
			Help:      "Total failed tasks by queue and error type",
		}, []string{"queue", "type"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "messages_total",
			Help:      "Total publishes by method, target and status",
		}, []string{"method", "target", "status"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "publish",
			Name:      "duration_seconds",
			Help:      "Time from publish to broker confirm in seconds",
			Buckets:   durationBuckets,
		}, []string{"method"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "up",
			Help:      "1 while the broker channel is usable",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "disconnects_total",
			Help:      "Total connection or channel losses",
		}),
		reconnecting: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Total recovery attempts",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "recoveries_total",
			Help:      "Total successful recoveries",
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "connection",
			Name:      "channel_generation",
			Help:      "Generation of the current broker channel",
		}),
	}

	err := errors.Join(
		reg.Register(c.tasks),
		reg.Register(c.taskDuration),
		reg.Register(c.taskErrors),
		reg.Register(c.publishes),
		reg.Register(c.publishDuration),
		reg.Register(c.connected),
		reg.Register(c.disconnects),
		reg.Register(c.reconnecting),
		reg.Register(c.recoveries),
		reg.Register(c.generation),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// IncrementTaskCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementTaskCount(queue string) {
	c.tasks.WithLabelValues(queue).Inc()
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *PrometheusCollector) RecordProcessingTime(queue string, duration time.Duration) {
	c.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementErrorCount(queue string, errorType string) {
	c.taskErrors.WithLabelValues(queue, errorType).Inc()
}

// ObservePublish implements messaging.PublishObserver
func (c *PrometheusCollector) ObservePublish(method messaging.Method, target string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.publishes.WithLabelValues(string(method), target, status).Inc()
	c.publishDuration.WithLabelValues(string(method)).Observe(duration.Seconds())
}

// OnDisconnected implements rabbitmq.StateListener
func (c *PrometheusCollector) OnDisconnected(error) {
	c.connected.Set(0)
	c.disconnects.Inc()
}

// OnReconnecting implements rabbitmq.StateListener
func (c *PrometheusCollector) OnReconnecting(int) {
	c.reconnecting.Inc()
}

// OnRecovered implements rabbitmq.StateListener
func (c *PrometheusCollector) OnRecovered(generation uint64) {
	c.connected.Set(1)
	c.recoveries.Inc()
	c.generation.Set(float64(generation))
}

// SetConnected records the initial connection state, before any listener
// notification arrived
func (c *PrometheusCollector) SetConnected(up bool) {
	if up {
		c.connected.Set(1)
		return
	}
	c.connected.Set(0)
}

// WorkerStateCollector reports the number of workers per queue and state
// each time the registry is scraped.
type WorkerStateCollector struct {
	workers func() []*messaging.Worker
	desc    *prometheus.Desc
}

var _ prometheus.Collector = (*WorkerStateCollector)(nil)

// NewWorkerStateCollector reads workers on every scrape
func NewWorkerStateCollector(workers func() []*messaging.Worker) *WorkerStateCollector {
	return &WorkerStateCollector{
		workers: workers,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "worker", "count"),
			"Registered workers by name, kind and state",
			[]string{"name", "kind", "state"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *WorkerStateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector
func (c *WorkerStateCollector) Collect(ch chan<- prometheus.Metric) {
	type key struct {
		name, kind, state string
	}
	counts := make(map[key]int)
	for _, w := range c.workers() {
		counts[key{w.Name(), string(w.Kind()), w.State().String()}]++
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), k.name, k.kind, k.state)
	}
}
