package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/henchman-go/internal/rabbitmq"
	"github.com/glimte/henchman-go/messaging"
)

func newCollector(t *testing.T) (*PrometheusCollector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	return c, reg
}

func TestPrometheusCollectorRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	_, err = NewPrometheusCollector(reg)
	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)
}

func TestPrometheusCollectorTasks(t *testing.T) {
	c, reg := newCollector(t)

	c.IncrementTaskCount("orders")
	c.IncrementTaskCount("orders")
	c.RecordProcessingTime("orders", 20*time.Millisecond)
	c.IncrementErrorCount("orders", "panic")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.tasks.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskErrors.WithLabelValues("orders", "panic")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.taskDuration, "henchman_task_duration_seconds"))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "henchman_task_processed_total")
	assert.Contains(t, names, "henchman_task_errors_total")
}

func TestPrometheusCollectorPublishes(t *testing.T) {
	c, _ := newCollector(t)

	c.ObservePublish(messaging.MethodEnqueue, "orders", time.Millisecond, nil)
	c.ObservePublish(messaging.MethodEnqueue, "orders", time.Millisecond, nil)
	c.ObservePublish(messaging.MethodPublish, "news", time.Millisecond, errors.New("closed"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.publishes.WithLabelValues("enqueue", "orders", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.publishes.WithLabelValues("publish", "news", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.publishDuration))
}

func TestPrometheusCollectorConnectionState(t *testing.T) {
	c, _ := newCollector(t)

	c.SetConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))

	c.OnDisconnected(errors.New("channel closed"))
	c.OnReconnecting(1)
	c.OnReconnecting(2)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disconnects))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.reconnecting))

	c.OnRecovered(3)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connected))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveries))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.generation))
}

func TestWorkerStateCollector(t *testing.T) {
	manager, err := rabbitmq.NewConnectionManager("amqp://localhost/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	engine := messaging.NewEngine(manager, messaging.NewPublisher(rabbitmq.NewPublisher(manager)))
	noop := func(context.Context, *messaging.Task) (any, error) { return nil, nil }

	_, err = engine.Job("jobs", noop)
	require.NoError(t, err)
	_, err = engine.Job("jobs", noop)
	require.NoError(t, err)
	stopped, err := engine.Receiver("events", noop)
	require.NoError(t, err)
	require.NoError(t, stopped.Unsubscribe(context.Background()))

	collector := NewWorkerStateCollector(engine.Workers)
	expected := `
# HELP henchman_worker_count Registered workers by name, kind and state
# TYPE henchman_worker_count gauge
henchman_worker_count{kind="direct",name="jobs",state="registered"} 2
henchman_worker_count{kind="fanout",name="events",state="unsubscribed"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected)))
}
