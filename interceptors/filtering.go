package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/henchman-go/messaging"
)

// TaskFilter decides whether a task reaches the handler
type TaskFilter interface {
	// ShouldProcess returns true if the task should be processed
	ShouldProcess(ctx context.Context, t *messaging.Task) (bool, error)
}

// TaskFilterFunc is a function adapter for TaskFilter
type TaskFilterFunc func(ctx context.Context, t *messaging.Task) (bool, error)

// ShouldProcess implements TaskFilter
func (f TaskFilterFunc) ShouldProcess(ctx context.Context, t *messaging.Task) (bool, error) {
	return f(ctx, t)
}

// SkipBehavior defines what happens when a task is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the task without error
	SkipSilently SkipBehavior = iota
	// SkipWithError fails the task so the error handler sees it
	SkipWithError
	// SkipWithLog logs that the task was skipped
	SkipWithLog
)

// FilteringInterceptor skips tasks a filter rejects. A skipped task has no
// result, so nothing is forwarded.
type FilteringInterceptor struct {
	filter       TaskFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter TaskFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return nil, fmt.Errorf("task filtered: queue=%s, messageId=%s", t.QueueName(), t.Headers().MessageID)
		case SkipWithLog:
			i.logger.Info("task skipped by filter", "queue", t.QueueName(), "messageId", t.Headers().MessageID)
			return nil, nil
		default:
			return nil, nil
		}
	}

	return next(ctx, t)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []TaskFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...TaskFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements TaskFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, t *messaging.Task) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, t)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []TaskFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...TaskFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements TaskFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, t *messaging.Task) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, t)
		if err != nil {
			return false, err
		}
		if shouldProcess {
			return true, nil
		}
	}
	return false, nil
}

// HeaderFilter admits tasks whose application header equals a value
type HeaderFilter struct {
	key   string
	value any
}

// NewHeaderFilter creates a filter on one application header
func NewHeaderFilter(key string, value any) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

// ShouldProcess implements TaskFilter
func (f *HeaderFilter) ShouldProcess(_ context.Context, t *messaging.Task) (bool, error) {
	v, ok := t.Headers().Get(f.key)
	if !ok {
		return false, nil
	}
	return v == f.value, nil
}

// FieldFilter admits mapping messages that carry a field
type FieldFilter struct {
	field string
}

// NewFieldFilter creates a filter requiring field in the message
func NewFieldFilter(field string) *FieldFilter {
	return &FieldFilter{field: field}
}

// ShouldProcess implements TaskFilter
func (f *FieldFilter) ShouldProcess(_ context.Context, t *messaging.Task) (bool, error) {
	msg, ok := t.Message().(map[string]any)
	if !ok {
		return false, nil
	}
	_, ok = msg[f.field]
	return ok, nil
}

// ConditionalInterceptor executes an interceptor only if a condition is met
type ConditionalInterceptor struct {
	condition   TaskFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition TaskFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, t *messaging.Task, next messaging.Handler) (any, error) {
	shouldExecute, err := i.condition.ShouldProcess(ctx, t)
	if err != nil {
		return nil, err
	}

	if shouldExecute {
		return i.interceptor.Intercept(ctx, t, next)
	}

	return next(ctx, t)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
