package stage

import (
	"context"

	"loom/internal/queue"
)

// Job carries one schedule through the automation pipeline. Stage handlers
// mutate it as they produce artifacts consumed by later stages.
type Job struct {
	Schedule *queue.Schedule
	Title    *queue.Title
	Channel  *queue.Channel

	Script      string
	ImagePrompt string
	VideoPath   string
}

// Handler describes the contract the scheduler needs from each pipeline stage.
type Handler interface {
	Prepare(context.Context, *Job) error
	Execute(context.Context, *Job) error
	HealthCheck(context.Context) Health
}
