package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/henchman-go/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/henchman-go/messaging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, broker *rabbitmqtest.Broker, args ...string) error {
	t.Helper()
	cmd := newRootCmd(&app{out: io.Discard, errOut: io.Discard, dial: broker.Dial})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestEnqueueCmd(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://localhost/")
	broker := rabbitmqtest.New()

	require.NoError(t, run(t, broker, "enqueue", "jobs", `{"id":1}`, "-H", "tenant=acme", "--correlation-id", "c-1", "--ttl", "2s"))

	assert.Equal(t, 1, broker.Ready("jobs"))
	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, `{"id":1}`, string(published[0].Msg.Body))
	assert.Equal(t, "acme", published[0].Msg.Headers["tenant"])
	assert.Equal(t, "c-1", published[0].Msg.CorrelationId)
	assert.Equal(t, "2000", published[0].Msg.Expiration)
}

func TestPublishCmd(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://localhost/")
	broker := rabbitmqtest.New()

	require.NoError(t, run(t, broker, "publish", "events", "hello", "--raw"))

	assert.True(t, broker.HasExchange("events"))
	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "events", published[0].Exchange)
	assert.Equal(t, `"hello"`, string(published[0].Msg.Body))
}

func TestRouteCmd(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://localhost/")
	broker := rabbitmqtest.New()

	require.NoError(t, run(t, broker, "route", "resize,store:enqueue,done:publish", `[1,2]`))

	published := broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "resize", published[0].RoutingKey)
	assert.Equal(t, "store:enqueue,done:publish", published[0].Msg.Headers[messaging.HeaderRoute])

	assert.ErrorIs(t, run(t, broker, "route", "", "1"), messaging.ErrInvalidRoute)
}

func TestCommandValidation(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://localhost/")
	broker := rabbitmqtest.New()

	assert.ErrorContains(t, run(t, broker, "enqueue", "jobs", "{not json"), "not valid JSON")
	assert.Error(t, run(t, broker, "enqueue", "jobs"))
	assert.Error(t, run(t, broker, "--url", "http://rabbit/", "enqueue", "jobs", "1"))
	assert.Zero(t, broker.Dials())
}

func TestWorkCmd(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://localhost/")
	t.Setenv("SHUTDOWN_TIMEOUT", "2s")
	broker := rabbitmqtest.New()
	out := &syncBuffer{}

	cmd := newRootCmd(&app{out: out, errOut: io.Discard, dial: broker.Dial})
	cmd.SetArgs([]string{"work", "jobs", "--next", "done", "--rate", "100", "--timeout", "1s"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return broker.Consumers("jobs") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, broker.Publish("", "jobs", amqp.Publishing{
		ContentType: "application/json",
		MessageId:   "m-1",
		Body:        []byte(`{"id":7}`),
	}))

	require.Eventually(t, func() bool { return broker.Ready("done") == 1 }, 2*time.Second, 5*time.Millisecond)

	var printed printedTask
	require.NoError(t, json.Unmarshal(bytes.TrimSpace([]byte(out.String())), &printed))
	assert.Equal(t, "jobs", printed.Worker)
	assert.Equal(t, "m-1", printed.MessageID)
	assert.Equal(t, map[string]any{"id": 7.0}, printed.Message)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("work did not stop")
	}
	assert.Zero(t, broker.Consumers("jobs"))
}

func TestWorkCmdNextSkipsNonObjects(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://localhost/")
	t.Setenv("SHUTDOWN_TIMEOUT", "2s")
	broker := rabbitmqtest.New()
	out := &syncBuffer{}

	cmd := newRootCmd(&app{out: out, errOut: io.Discard, dial: broker.Dial})
	cmd.SetArgs([]string{"work", "jobs", "--next", "done"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return broker.Consumers("jobs") == 1 }, 2*time.Second, 5*time.Millisecond)
	for _, body := range []string{`"text"`, `42`, `[1,2]`} {
		require.NoError(t, broker.Publish("", "jobs", amqp.Publishing{ContentType: "application/json", Body: []byte(body)}))
	}
	require.Eventually(t, func() bool { return len(broker.Settlements()) == 3 }, 2*time.Second, 5*time.Millisecond)

	for _, s := range broker.Settlements() {
		assert.Equal(t, rabbitmqtest.Acked, s.Kind)
	}
	assert.Zero(t, broker.Ready("done"))
	assert.Contains(t, out.String(), `"message":"text"`)
	assert.Contains(t, out.String(), `"message":42`)
	assert.Contains(t, out.String(), `"message":[1,2]`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("work did not stop")
	}
}

func TestWorkCmdSchema(t *testing.T) {
	t.Setenv("AMQP_URL", "amqp://localhost/")
	t.Setenv("SHUTDOWN_TIMEOUT", "2s")
	broker := rabbitmqtest.New()
	out := &syncBuffer{}

	path := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "job",
		"required": ["id"],
		"properties": {"id": {"type": "integer", "minimum": 1}}
	}`), 0o600))

	cmd := newRootCmd(&app{out: out, errOut: io.Discard, dial: broker.Dial})
	cmd.SetArgs([]string{"work", "jobs", "--next", "done", "--schema", path})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool { return broker.Consumers("jobs") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, broker.Publish("", "jobs", amqp.Publishing{ContentType: "application/json", Body: []byte(`{"id":0}`)}))
	require.Eventually(t, func() bool { return len(broker.Settlements()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, out.String())
	assert.Zero(t, broker.Ready("done"))

	require.NoError(t, broker.Publish("", "jobs", amqp.Publishing{ContentType: "application/json", Body: []byte(`{"id":3}`)}))
	require.Eventually(t, func() bool { return broker.Ready("done") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), `"id":3`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("work did not stop")
	}
}

func TestWorkCmdBadSchema(t *testing.T) {
	broker := rabbitmqtest.New()
	err := run(t, broker, "work", "jobs", "--schema", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Zero(t, broker.Dials())
}
