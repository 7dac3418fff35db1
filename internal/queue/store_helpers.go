package queue

import (
	"database/sql"
	"errors"
	"time"
)

type rowScanner interface{ Scan(dest ...any) error }

const taskColumns = "id, type, user_id, project_id, status, priority, retry_count, max_retries, cancel_requested, metadata_json, logs_json, result_json, error_message, created_at, updated_at, started_at, finished_at, last_heartbeat"

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		id           int64
		taskType     string
		userID       sql.NullString
		projectID    sql.NullString
		statusStr    string
		priority     int
		retryCount   int
		maxRetries   int
		cancelReq    sql.NullInt64
		metadata     sql.NullString
		logs         sql.NullString
		result       sql.NullString
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
		heartbeatRaw sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&taskType,
		&userID,
		&projectID,
		&statusStr,
		&priority,
		&retryCount,
		&maxRetries,
		&cancelReq,
		&metadata,
		&logs,
		&result,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&finishedRaw,
		&heartbeatRaw,
	); err != nil {
		return nil, err
	}

	task := &Task{
		ID:           id,
		Type:         TaskType(taskType),
		UserID:       userID.String,
		ProjectID:    projectID.String,
		Status:       TaskStatus(statusStr),
		Priority:     priority,
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
		MetadataJSON: metadata.String,
		LogsJSON:     logs.String,
		ResultJSON:   result.String,
		ErrorMessage: errorMessage.String,
	}
	if cancelReq.Valid {
		task.CancelRequested = cancelReq.Int64 != 0
	}
	if task.LogsJSON == "" {
		task.LogsJSON = "[]"
	}

	if created, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		task.UpdatedAt = updated
	}
	task.StartedAt = parseOptionalTime(startedRaw)
	task.FinishedAt = parseOptionalTime(finishedRaw)
	task.LastHeartbeat = parseOptionalTime(heartbeatRaw)
	return task, nil
}

const scheduleColumns = "id, title_id, user_id, scheduled_time, status, error_message, created_at, updated_at"

func scanSchedule(scanner rowScanner) (*Schedule, error) {
	var (
		id           int64
		titleID      int64
		userID       sql.NullString
		scheduledRaw sql.NullString
		statusStr    string
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(&id, &titleID, &userID, &scheduledRaw, &statusStr, &errorMessage, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	sched := &Schedule{
		ID:           id,
		TitleID:      titleID,
		UserID:       userID.String,
		Status:       ScheduleStatus(statusStr),
		ErrorMessage: errorMessage.String,
	}
	if t, err := parseTimeString(scheduledRaw.String); err == nil {
		sched.ScheduledTime = t
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		sched.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		sched.UpdatedAt = t
	}
	return sched, nil
}

const stageColumns = "id, schedule_id, stage, status, error_message, started_at, completed_at, created_at, updated_at"

func scanStage(scanner rowScanner) (*Stage, error) {
	var (
		id           int64
		scheduleID   int64
		name         string
		statusStr    string
		errorMessage sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(&id, &scheduleID, &name, &statusStr, &errorMessage, &startedRaw, &completedRaw, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	stage := &Stage{
		ID:           id,
		ScheduleID:   scheduleID,
		Name:         StageName(name),
		Status:       StageStatus(statusStr),
		ErrorMessage: errorMessage.String,
	}
	stage.StartedAt = parseOptionalTime(startedRaw)
	stage.CompletedAt = parseOptionalTime(completedRaw)
	if t, err := parseTimeString(createdRaw.String); err == nil {
		stage.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		stage.UpdatedAt = t
	}
	return stage, nil
}

const titleColumns = "id, user_id, channel_id, name, status, created_at, updated_at"

func scanTitle(scanner rowScanner) (*Title, error) {
	var (
		id         int64
		userID     sql.NullString
		channelID  int64
		name       string
		statusStr  string
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &userID, &channelID, &name, &statusStr, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	title := &Title{
		ID:        id,
		UserID:    userID.String,
		ChannelID: channelID,
		Name:      name,
		Status:    TitleStatus(statusStr),
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		title.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		title.UpdatedAt = t
	}
	return title, nil
}

const crawlColumns = "id, url, status, retry_count, result_json, error_message, created_at, updated_at, started_at"

func scanCrawlJob(scanner rowScanner) (*CrawlJob, error) {
	var (
		id           int64
		url          string
		statusStr    string
		retryCount   int
		result       sql.NullString
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		startedRaw   sql.NullString
	)
	if err := scanner.Scan(&id, &url, &statusStr, &retryCount, &result, &errorMessage, &createdRaw, &updatedRaw, &startedRaw); err != nil {
		return nil, err
	}
	job := &CrawlJob{
		ID:           id,
		URL:          url,
		Status:       CrawlStatus(statusStr),
		RetryCount:   retryCount,
		ResultJSON:   result.String,
		ErrorMessage: errorMessage.String,
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = t
	}
	job.StartedAt = parseOptionalTime(startedRaw)
	return job, nil
}

func parseOptionalTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	if t, err := parseTimeString(raw.String); err == nil {
		return &t
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	v := value.UTC().Format(time.RFC3339Nano)
	return v
}

func timeString(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
