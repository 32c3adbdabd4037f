package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/henchman-go/internal/rabbitmq"
	"github.com/glimte/henchman-go/messaging"
)

// BrokerChecker reports the connection manager's connection and channel state
type BrokerChecker struct {
	manager *rabbitmq.ConnectionManager
	active  bool
}

// NewBrokerChecker creates a broker checker. With active set, a check opens
// the channel when none is cached instead of reporting it missing.
func NewBrokerChecker(manager *rabbitmq.ConnectionManager, active bool) *BrokerChecker {
	return &BrokerChecker{manager: manager, active: active}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) (result CheckResult) {
	start := time.Now()
	result = CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	defer func() {
		result.Duration = time.Since(start)
		result.Details["connected"] = c.manager.IsConnected()
		result.Details["channelOpen"] = c.manager.IsChannelOpen()
		result.Details["generation"] = c.manager.Generation()
	}()

	if c.manager.IsClosed() {
		result.Status = StatusUnhealthy
		result.Message = "connection manager closed"
		return result
	}

	if !c.manager.IsChannelOpen() && c.active {
		if err := c.manager.WithChannel(ctx, func(rabbitmq.Channel) error { return nil }); err != nil {
			result.Status = StatusUnhealthy
			result.Message = "broker unreachable"
			result.Error = err.Error()
			return result
		}
	}

	switch {
	case c.manager.IsChannelOpen():
		result.Status = StatusHealthy
		result.Message = "channel open"
	case c.manager.IsConnected():
		result.Status = StatusDegraded
		result.Message = "connected without an open channel"
	default:
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	return result
}

// WorkerChecker summarizes worker states. Workers still subscribing mark the
// process degraded.
type WorkerChecker struct {
	workers func() []*messaging.Worker
}

// NewWorkerChecker reads workers on every check
func NewWorkerChecker(workers func() []*messaging.Worker) *WorkerChecker {
	return &WorkerChecker{workers: workers}
}

func (c *WorkerChecker) Name() string {
	return "workers"
}

func (c *WorkerChecker) Check(context.Context) CheckResult {
	start := time.Now()
	counts := make(map[string]any)
	subscribing := 0
	for _, w := range c.workers() {
		state := w.State()
		if state == messaging.StateSubscribing {
			subscribing++
		}
		n, _ := counts[state.String()].(int)
		counts[state.String()] = n + 1
	}

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "workers settled",
		Timestamp: start,
		Details:   counts,
	}
	if subscribing > 0 {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d workers subscribing", subscribing)
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine growth
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{warnGoroutines: warnGoroutines, criticalGoroutines: criticalGoroutines}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"memorySysMB": float64(m.Sys) / 1024 / 1024,
			"gcRuns":      m.NumGC,
			"goroutines":  goroutines,
		},
	}

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker adapts a custom check function
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
