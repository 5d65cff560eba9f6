// Package events forwards workflow events to external systems.
//
// NATSPublisher publishes every event (or a chosen subset) as JSON on
// "<prefix>.<event type>" subjects. RedisRecorder keeps the latest state,
// message and execution outcome per node of a run in Redis hashes, so
// dashboards can poll a run without subscribing.
//
// Both implement workflow.Listener. Listeners run on the workflow's event
// goroutine, so a slow sink delays later events but never blocks execution.
package events
