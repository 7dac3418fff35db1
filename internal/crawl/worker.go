package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/poller"
	"loom/internal/queue"
)

// maxBodyBytes caps how much of a crawled page is read for extraction.
const maxBodyBytes = 1 << 20

// Result is the JSON payload stored on a completed crawl job.
type Result struct {
	StatusCode    int    `json:"status_code"`
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int    `json:"content_length"`
	PageTitle     string `json:"page_title,omitempty"`
	FetchedAt     string `json:"fetched_at"`
}

// Worker fetches queued product links one at a time. Each attempt gets a
// timeout scaled by the job's retry count so flaky origins get progressively
// more room before the job is marked failed.
type Worker struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger
	client *http.Client
	poller *poller.Poller
}

// Option configures the worker.
type Option func(*Worker)

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(client *http.Client) Option {
	return func(w *Worker) {
		if client != nil {
			w.client = client
		}
	}
}

// NewWorker constructs a crawl worker.
func NewWorker(cfg *config.Config, store *queue.Store, logger *slog.Logger, opts ...Option) *Worker {
	workerLogger := logging.NewComponentLogger(logger, "crawl")
	w := &Worker{
		cfg:    cfg,
		store:  store,
		logger: workerLogger,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(w)
	}
	interval := 10 * time.Second
	if cfg != nil && cfg.Crawl.PollInterval > 0 {
		interval = time.Duration(cfg.Crawl.PollInterval) * time.Second
	}
	w.poller = poller.New("crawl", interval, workerLogger, w.drain)
	return w
}

// Start launches the polling loop.
func (w *Worker) Start(ctx context.Context) error {
	return w.poller.Start(ctx)
}

// Stop halts the polling loop and waits for in-flight work.
func (w *Worker) Stop() {
	w.poller.Stop()
}

// TriggerNow wakes the worker without waiting for the next tick.
func (w *Worker) TriggerNow() {
	w.poller.TriggerNow()
}

// Running reports whether the polling loop is active.
func (w *Worker) Running() bool {
	return w.poller.Running()
}

// Enqueue adds a URL to the crawl queue and wakes the worker.
func (w *Worker) Enqueue(ctx context.Context, url string) (*queue.CrawlJob, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("crawl url required")
	}
	job, err := w.store.EnqueueCrawl(ctx, url)
	if err != nil {
		return nil, err
	}
	w.TriggerNow()
	return job, nil
}

// Retry resets a finished job to pending and wakes the worker.
func (w *Worker) Retry(ctx context.Context, id int64) (bool, error) {
	reset, err := w.store.RetryCrawl(ctx, id)
	if err != nil {
		return false, err
	}
	if reset {
		w.TriggerNow()
	}
	return reset, nil
}

func (w *Worker) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job, err := w.store.ClaimNextCrawl(ctx)
		if err != nil {
			return fmt.Errorf("claim crawl job: %w", err)
		}
		if job == nil {
			return nil
		}
		w.process(ctx, job)
	}
}

// attemptTimeout grows with the retry count: base, base+step, base+2*step.
func (w *Worker) attemptTimeout(retryCount int) time.Duration {
	base, step := 60, 30
	if w.cfg != nil {
		if w.cfg.Crawl.BaseTimeoutSeconds > 0 {
			base = w.cfg.Crawl.BaseTimeoutSeconds
		}
		if w.cfg.Crawl.TimeoutStepSeconds > 0 {
			step = w.cfg.Crawl.TimeoutStepSeconds
		}
	}
	return time.Duration(base+step*retryCount) * time.Second
}

func (w *Worker) maxRetries() int {
	if w.cfg != nil && w.cfg.Crawl.MaxRetries > 0 {
		return w.cfg.Crawl.MaxRetries
	}
	return 3
}

func (w *Worker) process(ctx context.Context, job *queue.CrawlJob) {
	logger := w.logger
	if logger != nil {
		logger = logger.With(
			logging.Int64("crawl_id", job.ID),
			logging.Int("retry_count", job.RetryCount),
		)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.attemptTimeout(job.RetryCount))
	defer cancel()

	result, err := w.fetch(fetchCtx, job.URL)
	if err != nil {
		retrying, failErr := w.store.FailCrawl(ctx, job.ID, err.Error(), w.maxRetries())
		if failErr != nil {
			if logger != nil {
				logger.Error("failed to record crawl failure", logging.Error(failErr))
			}
			return
		}
		if logger != nil {
			if retrying {
				logger.Warn("crawl attempt failed; job requeued", logging.Error(err))
			} else {
				logger.Error("crawl failed permanently",
					logging.Error(err),
					logging.String(logging.FieldEventType, "crawl_failed"),
				)
			}
		}
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		if logger != nil {
			logger.Error("failed to encode crawl result", logging.Error(err))
		}
		return
	}
	if err := w.store.CompleteCrawl(ctx, job.ID, string(payload)); err != nil {
		if logger != nil {
			logger.Error("failed to record crawl result", logging.Error(err))
		}
		return
	}
	if logger != nil {
		logger.Info("crawl completed",
			logging.Int("status_code", result.StatusCode),
			logging.String(logging.FieldEventType, "crawl_completed"),
		)
	}
}

func (w *Worker) fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "Loom-Crawl/0.1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch %s: status %s", url, resp.Status)
	}

	return &Result{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: len(body),
		PageTitle:     extractTitle(string(body)),
		FetchedAt:     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// extractTitle pulls the first <title> element out of an HTML document.
func extractTitle(body string) string {
	lower := strings.ToLower(body)
	start := strings.Index(lower, "<title")
	if start == -1 {
		return ""
	}
	open := strings.Index(lower[start:], ">")
	if open == -1 {
		return ""
	}
	rest := body[start+open+1:]
	end := strings.Index(strings.ToLower(rest), "</title>")
	if end == -1 {
		return ""
	}
	title := strings.TrimSpace(rest[:end])
	if len(title) > 256 {
		title = title[:256]
	}
	return title
}
