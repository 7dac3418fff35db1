package queue

import (
	"fmt"
	"strings"
	"time"
)

// TaskType identifies the kind of work a queue task represents.
type TaskType string

const (
	TaskScript TaskType = "script"
	TaskImage  TaskType = "image"
	TaskVideo  TaskType = "video"
)

// ParseTaskType validates a raw task type string.
func ParseTaskType(value string) (TaskType, error) {
	switch TaskType(strings.ToLower(strings.TrimSpace(value))) {
	case TaskScript:
		return TaskScript, nil
	case TaskImage:
		return TaskImage, nil
	case TaskVideo:
		return TaskVideo, nil
	default:
		return "", fmt.Errorf("unknown task type %q", value)
	}
}

// TaskStatus tracks the lifecycle of a queue task. Tasks never revert from a
// terminal status.
type TaskStatus string

const (
	TaskWaiting   TaskStatus = "waiting"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ParseTaskStatus validates a raw task status string.
func ParseTaskStatus(value string) (TaskStatus, error) {
	switch TaskStatus(strings.ToLower(strings.TrimSpace(value))) {
	case TaskWaiting:
		return TaskWaiting, nil
	case TaskRunning:
		return TaskRunning, nil
	case TaskCompleted:
		return TaskCompleted, nil
	case TaskFailed:
		return TaskFailed, nil
	case TaskCancelled:
		return TaskCancelled, nil
	default:
		return "", fmt.Errorf("unknown task status %q", value)
	}
}

// Task is a single queue entry. Metadata is an opaque JSON document supplied
// by the caller; Logs is an ordered JSON array of strings.
type Task struct {
	ID              int64
	Type            TaskType
	UserID          string
	ProjectID       string
	Status          TaskStatus
	Priority        int
	RetryCount      int
	MaxRetries      int
	CancelRequested bool
	MetadataJSON    string
	LogsJSON        string
	ResultJSON      string
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	LastHeartbeat   *time.Time
}

// ScheduleStatus tracks the lifecycle of a production schedule.
type ScheduleStatus string

const (
	SchedulePending          ScheduleStatus = "pending"
	ScheduleScheduled        ScheduleStatus = "scheduled"
	ScheduleProcessing       ScheduleStatus = "processing"
	ScheduleWaitingForUpload ScheduleStatus = "waiting_for_upload"
	ScheduleCompleted        ScheduleStatus = "completed"
	ScheduleFailed           ScheduleStatus = "failed"
	ScheduleCancelled        ScheduleStatus = "cancelled"
)

// Terminal reports whether the schedule can make no further progress.
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleCompleted, ScheduleFailed, ScheduleCancelled:
		return true
	default:
		return false
	}
}

// Schedule is one planned production run for a title.
type Schedule struct {
	ID            int64
	TitleID       int64
	UserID        string
	ScheduledTime time.Time
	Status        ScheduleStatus
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StageName identifies one step of a schedule's pipeline.
type StageName string

const (
	StageScript StageName = "script"
	StageImage  StageName = "image"
	StageVideo  StageName = "video"
	StageUpload StageName = "upload"
)

// DefaultStages is the production order for a fully rendered schedule.
var DefaultStages = []StageName{StageScript, StageImage, StageVideo, StageUpload}

// StageStatus tracks one pipeline stage row.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// Stage is one pipeline row: a single stage of a single schedule.
type Stage struct {
	ID           int64
	ScheduleID   int64
	Name         StageName
	Status       StageStatus
	ErrorMessage string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeriveScheduleStatus computes the aggregate schedule status from its stage
// rows. This is the single source of truth for reporting: the stored schedule
// status column serves only as the claim token for the poll loop.
func DeriveScheduleStatus(stages []*Stage) ScheduleStatus {
	if len(stages) == 0 {
		return SchedulePending
	}
	completed := 0
	running := false
	for _, st := range stages {
		switch st.Status {
		case StageFailed:
			return ScheduleFailed
		case StageCompleted:
			completed++
		case StageRunning:
			running = true
		}
	}
	if completed == len(stages) {
		return ScheduleCompleted
	}
	if completed > 0 || running {
		return ScheduleProcessing
	}
	return SchedulePending
}

// TitleStatus mirrors the furthest-progressed schedule for a title.
type TitleStatus string

const (
	TitlePending    TitleStatus = "pending"
	TitleProcessing TitleStatus = "processing"
	TitleCompleted  TitleStatus = "completed"
	TitleFailed     TitleStatus = "failed"
)

// Title is a content request that schedules are created against.
type Title struct {
	ID        int64
	UserID    string
	ChannelID int64
	Name      string
	Status    TitleStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TitleLog is one per-title audit entry.
type TitleLog struct {
	ID        int64
	TitleID   int64
	Level     string
	Message   string
	CreatedAt time.Time
}

// Channel groups titles and carries auto-scheduling configuration.
type Channel struct {
	ID           int64
	UserID       string
	Name         string
	Category     string
	MediaMode    string
	AutoSchedule bool
	ScheduleSpec string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MediaModeUpload indicates a channel uploads pre-made media; its schedules
// pause in waiting_for_upload instead of rendering video.
const MediaModeUpload = "upload"

// CrawlStatus tracks one crawl job row.
type CrawlStatus string

const (
	CrawlPending    CrawlStatus = "pending"
	CrawlProcessing CrawlStatus = "processing"
	CrawlDone       CrawlStatus = "done"
	CrawlFailed     CrawlStatus = "failed"
)

// CrawlJob is one product-link crawl request.
type CrawlJob struct {
	ID           int64
	URL          string
	Status       CrawlStatus
	RetryCount   int
	ResultJSON   string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
}

// CreditTransaction records one ledger movement for a user.
type CreditTransaction struct {
	ID         int64
	UserID     string
	Amount     int64
	Reason     string
	ScheduleID *int64
	CreatedAt  time.Time
}
