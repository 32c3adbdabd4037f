// Package messaging provides the worker, task and forwarding engine of henchman.
//
// This package implements:
//   - Publisher: JSON-encodes messages and enqueues them on named queues or
//     broadcasts them on fanout exchanges, blocking or as a Future
//   - Engine: registers Workers, runs one Task per delivery, dispatches
//     handler faults to error handlers and acknowledges every delivery once
//   - Worker: the Registered → Subscribing → Consuming → Unsubscribing →
//     Unsubscribed lifecycle of one broker consumer
//   - Route: the hop list that lets a chain of workers hand a result from
//     queue to queue
//
// A handler's result drives forwarding. A mapping result with a next_queue
// field is merged into the inbound message and enqueued on that queue. A
// delivery carrying a route header has its result forwarded to the first hop,
// with the remaining hops attached for the next worker.
//
// Example usage:
//
//	engine := messaging.NewEngine(manager, publisher)
//	resize := engine.Job("images.resize", func(ctx context.Context, t *messaging.Task) (any, error) {
//		img := t.Message().(map[string]any)
//		return map[string]any{"next_queue": "images.store", "width": 640}, resizeImage(img)
//	})
//	if err := resize.Subscribe(ctx); err != nil {
//		return err
//	}
package messaging
