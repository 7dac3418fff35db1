// Package daemon coordinates the long-running Loom process.
//
// It wires configuration, the shared store, the automation scheduler, the
// task worker pool, and the crawl worker into a single lifecycle with
// flock-based locking to prevent multiple instances, and serves the HTTP
// control API.
//
// Keep orchestration logic here: pipeline stages, executors, and store
// operations live in their own packages while the daemon focuses on startup,
// shutdown, and high level coordination.
package daemon
