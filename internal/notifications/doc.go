// Package notifications delivers automation events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and gracefully degrades to a no-op when notifications are
// disabled. Per-category switches let operators pick which milestones reach
// their phone: schedule lifecycle, task failures, and daemon errors.
//
// Extend this package if you need alternative transports; all automation code
// depends only on the simple Service interface.
package notifications
