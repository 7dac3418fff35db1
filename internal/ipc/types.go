package ipc

import "loom/internal/api"

// Task mirrors the HTTP API task DTO for IPC callers.
type Task = api.Task

// CrawlJob mirrors the HTTP API crawl DTO for IPC callers.
type CrawlJob = api.CrawlJob

// StageHealth mirrors the HTTP API stage health DTO.
type StageHealth = api.StageHealth

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon/scheduler/queue status.
type StatusResponse struct {
	Running          bool           `json:"running"`
	PID              int            `json:"pid"`
	SchedulerEnabled bool           `json:"scheduler_enabled"`
	SchedulerRunning bool           `json:"scheduler_running"`
	QueueStats       map[string]int `json:"queue_stats"`
	ScheduleStats    map[string]int `json:"schedule_stats"`
	CrawlStats       map[string]int `json:"crawl_stats"`
	StageHealth      []StageHealth  `json:"stage_health"`
	DBPath           string         `json:"db_path"`
	LockPath         string         `json:"lock_path"`
}

// SchedulerRequest toggles or queries the scheduler.
type SchedulerRequest struct {
	Action string `json:"action"`
}

// SchedulerResponse reports the scheduler toggle state.
type SchedulerResponse struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

// QueueEnqueueRequest submits a task.
type QueueEnqueueRequest struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Priority  int    `json:"priority"`
	Metadata  string `json:"metadata"`
}

// QueueEnqueueResponse reports the accepted task and its position.
type QueueEnqueueResponse struct {
	Task              Task `json:"task"`
	Position          int  `json:"position"`
	EstimatedWaitTime int  `json:"estimated_wait_time"`
}

// QueueListRequest filters queue listing.
type QueueListRequest struct {
	Type     string   `json:"type"`
	Statuses []string `json:"statuses"`
	Limit    int      `json:"limit"`
}

// QueueListResponse contains queue entries.
type QueueListResponse struct {
	Tasks []Task `json:"tasks"`
}

// QueueDescribeRequest fetches a single task by id.
type QueueDescribeRequest struct {
	ID int64 `json:"id"`
}

// QueueDescribeResponse contains one task with its queue position.
type QueueDescribeResponse struct {
	Task     Task `json:"task"`
	Position int  `json:"position"`
}

// QueueCancelRequest cancels a task by id.
type QueueCancelRequest struct {
	ID int64 `json:"id"`
}

// QueueCancelResponse reports the cancellation outcome.
type QueueCancelResponse struct {
	Cancelled bool `json:"cancelled"`
	Requested bool `json:"requested"`
}

// QueueSummaryRequest fetches aggregate queue counts.
type QueueSummaryRequest struct{}

// QueueSummaryResponse reports aggregate queue counts.
type QueueSummaryResponse struct {
	Totals map[string]int            `json:"totals"`
	ByType map[string]map[string]int `json:"by_type"`
}

// ForceExecuteRequest runs a title's automation immediately.
type ForceExecuteRequest struct {
	TitleID int64 `json:"title_id"`
}

// ForceExecuteResponse reports the schedule now executing.
type ForceExecuteResponse struct {
	ScheduleID int64 `json:"schedule_id"`
}

// StopTitleRequest halts automation for a title.
type StopTitleRequest struct {
	TitleID int64  `json:"title_id"`
	Reason  string `json:"reason"`
}

// StopTitleResponse reports what the stop touched.
type StopTitleResponse struct {
	StoppedSchedules int64 `json:"stopped_schedules"`
	StoppedStages    int64 `json:"stopped_stages"`
}

// CleanupRequest sweeps stalled schedules.
type CleanupRequest struct{}

// CleanupResponse reports how many schedules were failed.
type CleanupResponse struct {
	Cleaned int `json:"cleaned"`
}

// RefundRequest credits a user for a failed schedule.
type RefundRequest struct {
	ScheduleID int64 `json:"schedule_id"`
	Amount     int64 `json:"amount"`
}

// RefundResponse confirms a refund.
type RefundResponse struct {
	Refunded bool  `json:"refunded"`
	Amount   int64 `json:"amount"`
}

// CrawlEnqueueRequest submits a URL for crawling.
type CrawlEnqueueRequest struct {
	URL string `json:"url"`
}

// CrawlEnqueueResponse reports the accepted crawl job.
type CrawlEnqueueResponse struct {
	Job CrawlJob `json:"job"`
}

// CrawlRetryRequest resets a failed crawl job.
type CrawlRetryRequest struct {
	ID int64 `json:"id"`
}

// CrawlRetryResponse reports whether the job was reset.
type CrawlRetryResponse struct {
	Retried bool `json:"retried"`
}

// CrawlListRequest filters crawl jobs.
type CrawlListRequest struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
}

// CrawlListResponse contains crawl jobs.
type CrawlListResponse struct {
	Jobs []CrawlJob `json:"jobs"`
}

// LogTailRequest reads daemon log lines from an offset.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int64 `json:"wait_millis"`
}

// LogTailResponse carries log lines and the next read offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports the notification outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
