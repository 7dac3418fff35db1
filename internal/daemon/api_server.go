package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"loom/internal/api"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/services"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	token := cfg.Paths.APIToken
	route := func(pattern string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, authMiddleware(token, handler))
	}
	route("/api/status", srv.handleStatus)
	route("/api/automation/force-execute", srv.handleForceExecute)
	route("/api/automation/stop", srv.handleStop)
	route("/api/automation/scheduler", srv.handleScheduler)
	route("/api/automation/schedules", srv.handleScheduleList)
	route("/api/automation/cleanup", srv.handleCleanup)
	route("/api/automation/refund", srv.handleRefund)
	route("/api/queue/enqueue", srv.handleQueueEnqueue)
	route("/api/queue/cancel/", srv.handleQueueCancel)
	route("/api/queue/list", srv.handleQueueList)
	route("/api/queue/status/", srv.handleQueueStatus)
	route("/api/queue/summary", srv.handleQueueSummary)
	route("/api/crawl/enqueue", srv.handleCrawlEnqueue)
	route("/api/crawl/retry/", srv.handleCrawlRetry)
	route("/api/crawl/list", srv.handleCrawlList)

	srv.server = &http.Server{
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

// requestIDMiddleware tags every request with a correlation ID, honoring one
// supplied by the caller.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), id)))
	})
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// Addr returns the bound listener address, for tests that bind to port 0.
func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())
	tasks, schedules, crawls := api.FromStats(status.Stats)
	health := s.daemon.scheduler.StageHealth(r.Context())
	stageHealth := make([]api.StageHealth, 0, len(health))
	for _, h := range health {
		stageHealth = append(stageHealth, api.StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	s.writeJSON(w, http.StatusOK, api.DaemonStatus{
		Running:          status.Running,
		PID:              status.PID,
		SchedulerEnabled: status.Scheduler.Enabled,
		SchedulerRunning: status.Scheduler.Running,
		QueueStats:       tasks,
		ScheduleStats:    schedules,
		CrawlStats:       crawls,
		StageHealth:      stageHealth,
		DBPath:           status.DBPath,
		LockFilePath:     status.LockFilePath,
	})
}

func (s *apiServer) handleForceExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.ForceExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TitleID <= 0 {
		s.writeError(w, http.StatusBadRequest, "titleId is required")
		return
	}
	scheduleID, err := s.daemon.ForceExecute(r.Context(), req.TitleID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ForceExecuteResponse{Success: true, ScheduleID: scheduleID})
}

func (s *apiServer) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.StopRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.TitleID <= 0 {
		s.writeError(w, http.StatusBadRequest, "titleId is required")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "stopped via API"
	}
	result, err := s.daemon.StopTitle(r.Context(), req.TitleID, reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StopResponse{
		Success:          true,
		StoppedSchedules: result.StoppedSchedules,
		StoppedContents:  result.StoppedStages,
	})
}

func (s *apiServer) handleScheduler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req api.SchedulerRequest
		if !s.decode(w, r, &req) {
			return
		}
		var err error
		switch strings.ToLower(strings.TrimSpace(req.Action)) {
		case "start":
			err = s.daemon.SchedulerEnable(r.Context())
		case "stop":
			err = s.daemon.SchedulerDisable(r.Context())
		default:
			s.writeError(w, http.StatusBadRequest, "action must be start or stop")
			return
		}
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.SchedulerStatus()
	s.writeJSON(w, http.StatusOK, api.SchedulerStatusResponse{Enabled: status.Enabled, Running: status.Running})
}

func (s *apiServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cleaned, err := s.daemon.CleanupStuck(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CleanupResponse{Cleaned: cleaned})
}

func (s *apiServer) handleRefund(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		scheduleID, err := strconv.ParseInt(r.URL.Query().Get("scheduleId"), 10, 64)
		if err != nil || scheduleID <= 0 {
			s.writeError(w, http.StatusBadRequest, "scheduleId query parameter is required")
			return
		}
		total, err := s.daemon.ScheduleRefunds(r.Context(), scheduleID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.RefundResponse{Refunded: total > 0, Amount: total})
	case http.MethodPost:
		var req api.RefundRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.ScheduleID <= 0 || req.Amount <= 0 {
			s.writeError(w, http.StatusBadRequest, "scheduleId and a positive amount are required")
			return
		}
		if err := s.daemon.Refund(r.Context(), req.ScheduleID, req.Amount); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.RefundResponse{Refunded: true, Amount: req.Amount})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.daemon.Queue().Enqueue(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *apiServer) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.pathID(w, r, "/api/queue/cancel/")
	if !ok {
		return
	}
	resp, err := s.daemon.Queue().Cancel(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleQueueList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := r.URL.Query()
	filter := queue.TaskFilter{
		UserID:    strings.TrimSpace(query.Get("userId")),
		ProjectID: strings.TrimSpace(query.Get("projectId")),
	}
	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		taskType, err := queue.ParseTaskType(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Type = taskType
	}
	for _, raw := range query["status"] {
		status, err := queue.ParseTaskStatus(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			filter.Limit = limit
		}
	}
	resp, err := s.daemon.Queue().List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.pathID(w, r, "/api/queue/status/")
	if !ok {
		return
	}
	resp, err := s.daemon.Queue().Describe(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleQueueSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp, err := s.daemon.Queue().Summary(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleCrawlEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.CrawlEnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.daemon.CrawlEnqueue(r.Context(), req.URL)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, api.FromCrawlJob(job))
}

func (s *apiServer) handleCrawlRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, ok := s.pathID(w, r, "/api/crawl/retry/")
	if !ok {
		return
	}
	reset, err := s.daemon.CrawlRetry(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !reset {
		s.writeError(w, http.StatusConflict, "only failed or done crawl jobs can be retried")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"retried": true})
}

func (s *apiServer) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var statuses []queue.ScheduleStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				statuses = append(statuses, queue.ScheduleStatus(part))
			}
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	schedules, err := s.daemon.ScheduleList(r.Context(), statuses, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := api.ScheduleListResponse{Schedules: make([]api.Schedule, 0, len(schedules))}
	for _, schedule := range schedules {
		resp.Schedules = append(resp.Schedules, api.FromSchedule(schedule))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleCrawlList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var status queue.CrawlStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status = queue.CrawlStatus(raw)
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	jobs, err := s.daemon.CrawlList(r.Context(), status, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := api.CrawlListResponse{Jobs: make([]api.CrawlJob, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, api.FromCrawlJob(job))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) pathID(w http.ResponseWriter, r *http.Request, prefix string) (int64, bool) {
	raw := strings.TrimPrefix(r.URL.Path, prefix)
	if raw == "" || strings.Contains(raw, "/") {
		s.writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	s.writeError(w, services.HTTPStatus(err), err.Error())
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	return logging.NewComponentLogger(s.logger, "api-server")
}
