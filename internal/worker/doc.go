// Package worker runs the task queue executors. Each registered task type
// gets its own polling loop that claims waiting tasks one at a time; a
// heartbeat goroutine keeps claimed tasks visibly alive and watches the
// cooperative cancel flag. Tasks whose heartbeat goes silent are requeued
// (or failed once retries are exhausted) by the reclaim sweep.
package worker
