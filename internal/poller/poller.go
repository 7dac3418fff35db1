// Package poller provides the shared polling loop behind the scheduler, the
// stuck sweep, the queue workers, and the crawl worker. One implementation
// keeps interval handling, manual triggering, and shutdown semantics
// identical across every background loop in the daemon.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"loom/internal/logging"
)

// Poller runs a function on an interval until stopped. TriggerNow forces an
// immediate run without waiting for the next tick.
type Poller struct {
	name     string
	interval time.Duration
	logger   *slog.Logger
	run      func(context.Context) error

	trigger chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a poller. The run function is invoked once per interval and
// on every TriggerNow; errors are logged and the loop continues.
func New(name string, interval time.Duration, logger *slog.Logger, run func(context.Context) error) *Poller {
	return &Poller{
		name:     name,
		interval: interval,
		logger:   logging.NewComponentLogger(logger, name),
		run:      run,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the polling loop. Calling Start on a running poller is an
// error.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New(p.name + " already running")
	}
	if p.interval <= 0 {
		return errors.New(p.name + " interval must be positive")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.wg.Add(1)
	go p.loop(runCtx)
	return nil
}

// Stop terminates the loop and waits for the in-flight run to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TriggerNow schedules an immediate run. It never blocks; a trigger arriving
// while one is already pending is coalesced.
func (p *Poller) TriggerNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.trigger:
		}

		if err := p.run(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("poll cycle failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "poll_failed"),
			)
		}
	}
}
