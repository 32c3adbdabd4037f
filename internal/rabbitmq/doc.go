// Package rabbitmq provides the broker resources used by henchman.
//
// This package includes:
//   - ConnectionManager: lazily opens one connection and one confirm-mode
//     channel, memoizes declared exchanges and queues and recovers both
//     after broker-side failures
//   - Publisher: publishes with broker confirmation and retries publishes
//     lost to a closed channel
//   - Consumer: starts and cancels manual-ack consumers on named queues and
//     on exclusive queues bound to fanout exchanges
//
// Recovery replays every known exchange and named queue on the new channel
// and then notifies StateListeners so consumers can resume.
package rabbitmq
