// Package scheduler owns the automation loop. A polling service claims due
// schedules with conditional updates, runs each claimed schedule's pipeline
// stages in a detached goroutine, and sweeps stalled pipelines on a second
// poller. Force-execute, stop, stuck cleanup, and refunds are methods on
// the same service so the HTTP API and CLI share one implementation.
package scheduler
