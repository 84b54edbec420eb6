// Package queue is an in-process job queue with priorities, delays, retries
// with backoff, per-attempt timeouts and bounded concurrency.
//
// A Queue owns its jobs: producers Add work and get snapshots back, one
// registered Processor consumes it. A Manager groups named queues and fans
// their events out on one bus.
//
// Nothing is persisted; a restart loses queue state.
package queue
