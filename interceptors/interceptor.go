package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"github.com/glimte/henchman-go/messaging"
)

// ErrTimeout is returned when a handler outlives its TimeoutInterceptor
var ErrTimeout = errors.New("interceptors: handler timed out")

// Interceptor processes a task before it reaches the handler
type Interceptor interface {
	// Intercept processes a task and calls the next handler in the chain
	Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	return i.fn(ctx, t, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Middleware returns the chain as worker or engine middleware. The first
// interceptor added runs outermost.
func (c *InterceptorChain) Middleware() messaging.Middleware {
	interceptors := append([]Interceptor(nil), c.interceptors...)
	return func(final messaging.Handler) messaging.Handler {
		handler := final
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := handler
			handler = func(ctx context.Context, t *messaging.Task) (any, error) {
				return interceptor.Intercept(ctx, t, next)
			}
		}
		return handler
	}
}

// Execute runs t through the chain and final
func (c *InterceptorChain) Execute(ctx context.Context, t *messaging.Task, final messaging.Handler) (any, error) {
	return c.Middleware()(final)(ctx, t)
}

// LoggingInterceptor logs task processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	start := time.Now()
	headers := t.Headers()

	i.logger.Debug("processing task",
		"queue", t.QueueName(),
		"messageId", headers.MessageID,
		"correlationId", headers.CorrelationID,
		"redelivered", headers.Redelivered,
	)

	result, err := next(ctx, t)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("task failed",
			"queue", t.QueueName(),
			"messageId", headers.MessageID,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("task processed",
			"queue", t.QueueName(),
			"messageId", headers.MessageID,
			"duration", duration,
		)
	}

	return result, err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives per-queue task metrics
type MetricsCollector interface {
	IncrementTaskCount(queue string)
	RecordProcessingTime(queue string, duration time.Duration)
	IncrementErrorCount(queue string, errorType string)
}

// MetricsInterceptor reports task counts, durations and failures
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	start := time.Now()
	queue := t.QueueName()

	i.collector.IncrementTaskCount(queue)

	result, err := next(ctx, t)

	i.collector.RecordProcessingTime(queue, time.Since(start))
	if err != nil {
		i.collector.IncrementErrorCount(queue, ErrorType(err))
	}

	return result, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// ErrorType buckets err for metric labels
func ErrorType(err error) string {
	var panicErr *messaging.PanicError
	switch {
	case errors.As(err, &panicErr):
		return "panic"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "handler_error"
	}
}

// TimeoutInterceptor bounds handler execution
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

type handlerOutcome struct {
	result any
	err    error
}

// Intercept implements Interceptor. A handler that ignores its context
// keeps running after the timeout; its outcome is discarded.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: &messaging.PanicError{Value: r, Stack: debug.Stack()}}
			}
		}()
		result, err := next(timeoutCtx, t)
		done <- handlerOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %v on queue %s", ErrTimeout, i.timeout, t.QueueName())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// ErrRateLimited is returned when the limiter could not admit a task
var ErrRateLimited = errors.New("interceptors: rate limit exceeded")

// RateLimitInterceptor paces tasks through a token bucket. Tasks wait for a
// token; they fail only when the context ends first.
type RateLimitInterceptor struct {
	limiter *rate.Limiter
}

// NewRateLimitInterceptor admits perSecond tasks per second with the given burst
func NewRateLimitInterceptor(perSecond float64, burst int) *RateLimitInterceptor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitInterceptor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Intercept implements Interceptor
func (i *RateLimitInterceptor) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	if err := i.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w on queue %s: %w", ErrRateLimited, t.QueueName(), err)
	}
	return next(ctx, t)
}

// Name implements Interceptor
func (i *RateLimitInterceptor) Name() string {
	return "RateLimitInterceptor"
}

// ErrValidation wraps validator failures
var ErrValidation = errors.New("interceptors: message validation failed")

// MessageValidator checks a decoded message
type MessageValidator interface {
	Validate(ctx context.Context, msg any) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ctx context.Context, msg any) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// ValidationInterceptor rejects messages before they reach the handler
type ValidationInterceptor struct {
	validator MessageValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	if err := i.validator.Validate(ctx, t.Message()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return next(ctx, t)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds metrics interceptor
func (b *DefaultInterceptorChainBuilder) WithMetrics(collector MetricsCollector) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithValidation adds validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator MessageValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithRateLimit adds rate limiting interceptor
func (b *DefaultInterceptorChainBuilder) WithRateLimit(perSecond float64, burst int) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRateLimitInterceptor(perSecond, burst))
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
