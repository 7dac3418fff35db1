package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnqueueCrawl inserts a pending crawl job for a URL.
func (s *Store) EnqueueCrawl(ctx context.Context, url string) (*CrawlJob, error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		INSERT INTO crawl_jobs (url, status, retry_count, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?)`,
		url, string(CrawlPending), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue crawl: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("crawl insert id: %w", err)
	}
	return s.GetCrawl(ctx, id)
}

// GetCrawl fetches a crawl job by id. Returns nil when absent.
func (s *Store) GetCrawl(ctx context.Context, id int64) (*CrawlJob, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, "SELECT "+crawlColumns+" FROM crawl_jobs WHERE id = ?", id)
	job, err := scanCrawlJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl: %w", err)
	}
	return job, nil
}

// ClaimNextCrawl atomically moves the oldest pending crawl job to processing
// and returns it. Same claim discipline as tasks: conditional UPDATE checked
// via RowsAffected. Returns nil when the crawl queue is empty.
func (s *Store) ClaimNextCrawl(ctx context.Context) (*CrawlJob, error) {
	ctx = ensureContext(ctx)
	for attempt := 0; attempt < 3; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM crawl_jobs WHERE status = ?
			ORDER BY created_at ASC, id ASC LIMIT 1`,
			string(CrawlPending),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select crawl candidate: %w", err)
		}

		now := timeString(time.Now())
		res, err := s.execWithRetry(ctx, `
			UPDATE crawl_jobs
			SET status = ?, started_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(CrawlProcessing), now, now, id, string(CrawlPending),
		)
		if err != nil {
			return nil, fmt.Errorf("claim crawl: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim crawl rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}
		return s.GetCrawl(ctx, id)
	}
	return nil, nil
}

// CompleteCrawl records a crawl result and marks the job done.
func (s *Store) CompleteCrawl(ctx context.Context, id int64, resultJSON string) error {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())
	res, err := s.execWithRetry(ctx, `
		UPDATE crawl_jobs
		SET status = ?, result_json = ?, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(CrawlDone), nullableString(resultJSON), now, id, string(CrawlProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete crawl: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete crawl rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete crawl %d: not processing", id)
	}
	return nil
}

// FailCrawl records a crawl failure. The job returns to pending with an
// incremented retry count until maxRetries attempts have been used, after
// which it lands in failed.
func (s *Store) FailCrawl(ctx context.Context, id int64, message string, maxRetries int) (retrying bool, err error) {
	ctx = ensureContext(ctx)
	now := timeString(time.Now())

	res, err := s.execWithRetry(ctx, `
		UPDATE crawl_jobs
		SET status = ?, retry_count = retry_count + 1, error_message = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND retry_count + 1 < ?`,
		string(CrawlPending), nullableString(message), now, id, string(CrawlProcessing), maxRetries,
	)
	if err != nil {
		return false, fmt.Errorf("retry crawl: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retry crawl rows affected: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	err = s.execWithoutResultRetry(ctx, `
		UPDATE crawl_jobs
		SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(CrawlFailed), nullableString(message), now, id, string(CrawlProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("fail crawl: %w", err)
	}
	return false, nil
}

// RetryCrawl resets a finished job back to pending with a fresh retry budget.
func (s *Store) RetryCrawl(ctx context.Context, id int64) (bool, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(ctx, `
		UPDATE crawl_jobs
		SET status = ?, retry_count = 0, error_message = NULL, result_json = NULL, started_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(CrawlPending), timeString(time.Now()), id, string(CrawlFailed), string(CrawlDone),
	)
	if err != nil {
		return false, fmt.Errorf("reset crawl: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset crawl rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListCrawl returns crawl jobs, newest first, optionally filtered by status.
func (s *Store) ListCrawl(ctx context.Context, status CrawlStatus, limit int) ([]*CrawlJob, error) {
	ctx = ensureContext(ctx)
	query := "SELECT " + crawlColumns + " FROM crawl_jobs"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list crawl: %w", err)
	}
	defer rows.Close()

	var jobs []*CrawlJob
	for rows.Next() {
		job, err := scanCrawlJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
