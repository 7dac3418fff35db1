package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"log/slog"

	"github.com/gofrs/flock"

	"loom/internal/api"
	"loom/internal/config"
	"loom/internal/crawl"
	"loom/internal/logging"
	"loom/internal/notifications"
	"loom/internal/queue"
	"loom/internal/scheduler"
	"loom/internal/worker"
)

// Daemon owns the long-running services and enforces single-instance
// execution via a file lock.
type Daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *queue.Store
	scheduler *scheduler.Service
	pool      *worker.Pool
	crawler   *crawl.Worker
	notifier  notifications.Service
	queueSvc  *api.QueueService
	logPath   string

	lockPath string
	lock     *flock.Flock

	apiSrv *apiServer

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Scheduler    scheduler.Status
	Stats        *queue.Stats
	DBPath       string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(
	cfg *config.Config,
	store *queue.Store,
	logger *slog.Logger,
	sched *scheduler.Service,
	pool *worker.Pool,
	crawler *crawl.Worker,
	notifier notifications.Service,
) (*Daemon, error) {
	if cfg == nil || store == nil || sched == nil || pool == nil {
		return nil, errors.New("daemon requires config, store, scheduler, and worker pool")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.LogDir, "loomd.lock")
	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		scheduler: sched,
		pool:      pool,
		crawler:   crawler,
		notifier:  notifier,
		queueSvc:  api.NewQueueService(store),
		logPath:   filepath.Join(cfg.Paths.LogDir, "loom.log"),
		lockPath:  lockPath,
		lock:      flock.New(lockPath),
	}
	srv, err := newAPIServer(cfg, d, logger)
	if err != nil {
		return nil, err
	}
	d.apiSrv = srv
	return d, nil
}

// Start acquires the daemon lock and launches the scheduler, the worker
// pool, the crawl worker, and the HTTP API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	if err := d.scheduler.Start(d.ctx); err != nil {
		d.abortStart()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := d.pool.Start(d.ctx); err != nil {
		d.scheduler.Stop()
		d.abortStart()
		return fmt.Errorf("start worker pool: %w", err)
	}
	if d.crawler != nil {
		if err := d.crawler.Start(d.ctx); err != nil {
			d.pool.Stop()
			d.scheduler.Stop()
			d.abortStart()
			return fmt.Errorf("start crawl worker: %w", err)
		}
	}
	if err := d.apiSrv.start(d.ctx); err != nil {
		if d.crawler != nil {
			d.crawler.Stop()
		}
		d.pool.Stop()
		d.scheduler.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("loom daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) abortStart() {
	_ = d.lock.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
	d.ctx = nil
	d.cancel = nil
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.apiSrv.stop()
	if d.crawler != nil {
		d.crawler.Stop()
	}
	d.pool.Stop()
	d.scheduler.Stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Queue exposes the queue service shared by the HTTP API and IPC.
func (d *Daemon) Queue() *api.QueueService {
	return d.queueSvc
}

// ForceExecute runs a title's automation immediately.
func (d *Daemon) ForceExecute(ctx context.Context, titleID int64) (int64, error) {
	return d.scheduler.ForceExecute(ctx, titleID)
}

// StopTitle halts automation for a title and cancels its queued work.
func (d *Daemon) StopTitle(ctx context.Context, titleID int64, reason string) (*queue.StopResult, error) {
	return d.scheduler.StopTitle(ctx, titleID, reason)
}

// CleanupStuck sweeps stalled schedules.
func (d *Daemon) CleanupStuck(ctx context.Context) (int, error) {
	return d.scheduler.CleanupStuck(ctx)
}

// Refund credits the user for a failed schedule.
func (d *Daemon) Refund(ctx context.Context, scheduleID, amount int64) error {
	return d.scheduler.Refund(ctx, scheduleID, amount)
}

// SchedulerEnable persists the enabled flag and starts the pollers.
func (d *Daemon) SchedulerEnable(ctx context.Context) error {
	return d.scheduler.Enable(ctx)
}

// SchedulerDisable persists the disabled flag and idles the pollers.
func (d *Daemon) SchedulerDisable(ctx context.Context) error {
	return d.scheduler.Disable(ctx)
}

// SchedulerStatus reports the scheduler toggle state.
func (d *Daemon) SchedulerStatus() scheduler.Status {
	return d.scheduler.Status()
}

// CrawlEnqueue submits a URL for crawling.
func (d *Daemon) CrawlEnqueue(ctx context.Context, url string) (*queue.CrawlJob, error) {
	if d.crawler == nil {
		return nil, errors.New("crawl worker unavailable")
	}
	return d.crawler.Enqueue(ctx, url)
}

// CrawlRetry resets a failed crawl job for another attempt.
func (d *Daemon) CrawlRetry(ctx context.Context, id int64) (bool, error) {
	if d.crawler == nil {
		return false, errors.New("crawl worker unavailable")
	}
	return d.crawler.Retry(ctx, id)
}

// CrawlList returns crawl jobs, optionally filtered by status.
func (d *Daemon) CrawlList(ctx context.Context, status queue.CrawlStatus, limit int) ([]*queue.CrawlJob, error) {
	return d.store.ListCrawl(ctx, status, limit)
}

// ScheduleList returns schedules, optionally filtered by status, newest first.
func (d *Daemon) ScheduleList(ctx context.Context, statuses []queue.ScheduleStatus, limit int) ([]*queue.Schedule, error) {
	return d.store.ListSchedules(ctx, statuses, limit)
}

// ScheduleRefunds sums prior refund transactions for a schedule.
func (d *Daemon) ScheduleRefunds(ctx context.Context, scheduleID int64) (int64, error) {
	schedule, err := d.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return 0, err
	}
	if schedule == nil {
		return 0, fmt.Errorf("schedule %d not found", scheduleID)
	}
	txs, err := d.store.CreditTransactions(ctx, schedule.UserID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, tx := range txs {
		if tx.ScheduleID != nil && *tx.ScheduleID == scheduleID {
			total += tx.Amount
		}
	}
	return total, nil
}

// TestNotification sends a test message using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if d.notifier == nil {
		return false, "notifications not configured", nil
	}
	if err := d.notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// APIAddr returns the bound HTTP API address, or an empty string when the
// API is disabled or not yet started.
func (d *Daemon) APIAddr() string {
	return d.apiSrv.addr()
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	stats, err := d.store.Health(ctx)
	if err != nil {
		d.logger.Warn("failed to collect queue stats", logging.Error(err))
	}
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Scheduler:    d.scheduler.Status(),
		Stats:        stats,
		DBPath:       d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
	}
}
