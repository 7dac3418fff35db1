package api

import (
	"encoding/json"
	"time"

	"loom/internal/queue"
)

// Task is the wire representation of a queue task.
type Task struct {
	ID              int64           `json:"id"`
	Type            string          `json:"type"`
	UserID          string          `json:"userId,omitempty"`
	ProjectID       string          `json:"projectId,omitempty"`
	Status          string          `json:"status"`
	Priority        int             `json:"priority"`
	RetryCount      int             `json:"retryCount"`
	MaxRetries      int             `json:"maxRetries"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       string          `json:"createdAt"`
	UpdatedAt       string          `json:"updatedAt"`
	StartedAt       string          `json:"startedAt,omitempty"`
	FinishedAt      string          `json:"finishedAt,omitempty"`
}

// FromTask converts a store task into its wire form.
func FromTask(task *queue.Task) Task {
	if task == nil {
		return Task{}
	}
	return Task{
		ID:              task.ID,
		Type:            string(task.Type),
		UserID:          task.UserID,
		ProjectID:       task.ProjectID,
		Status:          string(task.Status),
		Priority:        task.Priority,
		RetryCount:      task.RetryCount,
		MaxRetries:      task.MaxRetries,
		CancelRequested: task.CancelRequested,
		Metadata:        rawJSON(task.MetadataJSON),
		Result:          rawJSON(task.ResultJSON),
		Error:           task.ErrorMessage,
		CreatedAt:       formatTime(task.CreatedAt),
		UpdatedAt:       formatTime(task.UpdatedAt),
		StartedAt:       formatOptionalTime(task.StartedAt),
		FinishedAt:      formatOptionalTime(task.FinishedAt),
	}
}

// CrawlJob is the wire representation of a crawl job.
type CrawlJob struct {
	ID         int64           `json:"id"`
	URL        string          `json:"url"`
	Status     string          `json:"status"`
	RetryCount int             `json:"retryCount"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  string          `json:"createdAt"`
	UpdatedAt  string          `json:"updatedAt"`
}

// FromCrawlJob converts a store crawl job into its wire form.
func FromCrawlJob(job *queue.CrawlJob) CrawlJob {
	if job == nil {
		return CrawlJob{}
	}
	return CrawlJob{
		ID:         job.ID,
		URL:        job.URL,
		Status:     string(job.Status),
		RetryCount: job.RetryCount,
		Result:     rawJSON(job.ResultJSON),
		Error:      job.ErrorMessage,
		CreatedAt:  formatTime(job.CreatedAt),
		UpdatedAt:  formatTime(job.UpdatedAt),
	}
}

// Schedule is the wire representation of a video schedule.
type Schedule struct {
	ID            int64  `json:"id"`
	TitleID       int64  `json:"titleId"`
	UserID        string `json:"userId,omitempty"`
	ScheduledTime string `json:"scheduledTime"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// FromSchedule converts a store schedule into its wire form.
func FromSchedule(schedule *queue.Schedule) Schedule {
	if schedule == nil {
		return Schedule{}
	}
	return Schedule{
		ID:            schedule.ID,
		TitleID:       schedule.TitleID,
		UserID:        schedule.UserID,
		ScheduledTime: formatTime(schedule.ScheduledTime),
		Status:        string(schedule.Status),
		Error:         schedule.ErrorMessage,
		CreatedAt:     formatTime(schedule.CreatedAt),
		UpdatedAt:     formatTime(schedule.UpdatedAt),
	}
}

// StageHealth reports readiness of one pipeline stage handler.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// EnqueueRequest is the payload for queue submissions.
type EnqueueRequest struct {
	Type       string          `json:"type"`
	UserID     string          `json:"userId"`
	ProjectID  string          `json:"projectId"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"maxRetries"`
	Metadata   json.RawMessage `json:"metadata"`
}

// EnqueueResponse reports the accepted task with its queue position and a
// rough wait estimate in seconds.
type EnqueueResponse struct {
	Task              Task `json:"task"`
	Position          int  `json:"position"`
	EstimatedWaitTime int  `json:"estimatedWaitTime"`
}

// TaskStatusResponse pairs a task with its live queue position. Position is
// zero for tasks no longer waiting.
type TaskStatusResponse struct {
	Task     Task `json:"task"`
	Position int  `json:"position"`
}

// TaskListResponse contains queue entries.
type TaskListResponse struct {
	Tasks []Task `json:"tasks"`
}

// SummaryResponse reports aggregate queue counts.
type SummaryResponse struct {
	Totals map[string]int            `json:"totals"`
	ByType map[string]map[string]int `json:"byType"`
}

// CancelResponse reports whether a waiting task was cancelled or a running
// task was flagged for cooperative cancellation.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
	Requested bool `json:"requested,omitempty"`
}

// CrawlListResponse contains crawl jobs.
type CrawlListResponse struct {
	Jobs []CrawlJob `json:"jobs"`
}

// ScheduleListResponse contains video schedules.
type ScheduleListResponse struct {
	Schedules []Schedule `json:"schedules"`
}

// CrawlEnqueueRequest submits a URL for crawling.
type CrawlEnqueueRequest struct {
	URL string `json:"url"`
}

// ForceExecuteRequest names the title to run immediately.
type ForceExecuteRequest struct {
	TitleID int64 `json:"titleId"`
}

// ForceExecuteResponse reports the schedule now executing.
type ForceExecuteResponse struct {
	Success    bool  `json:"success"`
	ScheduleID int64 `json:"scheduleId"`
}

// StopRequest names the title to halt.
type StopRequest struct {
	TitleID int64  `json:"titleId"`
	Reason  string `json:"reason,omitempty"`
}

// StopResponse reports what the stop touched.
type StopResponse struct {
	Success          bool  `json:"success"`
	StoppedSchedules int64 `json:"stoppedSchedules"`
	StoppedContents  int64 `json:"stoppedContents"`
}

// SchedulerRequest toggles the scheduler.
type SchedulerRequest struct {
	Action string `json:"action"`
}

// SchedulerStatusResponse reports the scheduler toggle state.
type SchedulerStatusResponse struct {
	Enabled bool `json:"enabled"`
	Running bool `json:"running"`
}

// CleanupResponse reports how many stuck schedules were failed.
type CleanupResponse struct {
	Cleaned int `json:"cleaned"`
}

// RefundRequest credits a user for a failed schedule.
type RefundRequest struct {
	ScheduleID int64 `json:"scheduleId"`
	Amount     int64 `json:"amount"`
}

// RefundResponse confirms a refund.
type RefundResponse struct {
	Refunded bool  `json:"refunded"`
	Amount   int64 `json:"amount"`
}

// DaemonStatus is the combined daemon/scheduler/queue status payload.
type DaemonStatus struct {
	Running          bool           `json:"running"`
	PID              int            `json:"pid"`
	SchedulerEnabled bool           `json:"schedulerEnabled"`
	SchedulerRunning bool           `json:"schedulerRunning"`
	QueueStats       map[string]int `json:"queueStats"`
	ScheduleStats    map[string]int `json:"scheduleStats"`
	CrawlStats       map[string]int `json:"crawlStats"`
	StageHealth      []StageHealth  `json:"stageHealth"`
	DBPath           string         `json:"dbPath"`
	LockFilePath     string         `json:"lockFilePath"`
}

// FromStats flattens store counters into string-keyed maps for transport.
func FromStats(stats *queue.Stats) (tasks, schedules, crawls map[string]int) {
	tasks = map[string]int{}
	schedules = map[string]int{}
	crawls = map[string]int{}
	if stats == nil {
		return tasks, schedules, crawls
	}
	for status, n := range stats.Tasks {
		tasks[string(status)] = n
	}
	for status, n := range stats.Schedules {
		schedules[string(status)] = n
	}
	for status, n := range stats.CrawlJobs {
		crawls[string(status)] = n
	}
	return tasks, schedules, crawls
}

// FromSummary converts the store's grouped counts into wire maps.
func FromSummary(summary *queue.TaskSummary) SummaryResponse {
	resp := SummaryResponse{
		Totals: map[string]int{},
		ByType: map[string]map[string]int{},
	}
	if summary == nil {
		return resp
	}
	for status, n := range summary.Totals {
		resp.Totals[string(status)] = n
	}
	for taskType, counts := range summary.ByType {
		bucket := map[string]int{}
		for status, n := range counts {
			bucket[string(status)] = n
		}
		resp.ByType[string(taskType)] = bucket
	}
	return resp
}

func rawJSON(value string) json.RawMessage {
	if value == "" {
		return nil
	}
	return json.RawMessage(value)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
