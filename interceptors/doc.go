// Package interceptors provides handler middleware for henchman workers.
//
// An Interceptor wraps task processing without touching handler logic.
// Interceptors are collected in an InterceptorChain whose Middleware plugs
// into a worker (messaging.WithMiddleware) or the whole engine
// (messaging.WithEngineMiddleware).
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each task with its duration
//   - MetricsInterceptor: reports task counts, durations and error types
//   - TimeoutInterceptor: bounds handler execution
//   - RateLimitInterceptor: paces tasks through a token bucket
//   - ValidationInterceptor: rejects messages before the handler runs
//   - FilteringInterceptor: skips tasks a TaskFilter rejects
//
// Example usage:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithTimeout(30 * time.Second).
//		Build()
//
//	client.Job("images.resize", resize, messaging.WithMiddleware(chain.Middleware()))
//
// Interceptors run in the order they were added; the handler runs last.
package interceptors
