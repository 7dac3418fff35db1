// Package queue persists all automation state in SQLite and exposes helpers
// for driving its lifecycle.
//
// The Store owns the database connection and every table: the task queue,
// channels and titles, video schedules with their per-stage pipeline rows,
// crawl jobs, user credits, and daemon settings. Keeping one store over one
// database lets multi-table operations (stuck sweep, stop, refund) commit in
// a single transaction.
//
// Every claim is a conditional UPDATE checked via RowsAffected, so concurrent
// workers never double-claim a task, schedule, or crawl job.
//
// The database is treated as operational storage rather than a long-term
// archive. Schema changes bump the version in schema.go; users clear the
// database to adopt the new schema.
package queue
