package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"log/slog"

	"loom/internal/api"
	"loom/internal/daemon"
	"loom/internal/logging"
	"loom/internal/logs"
	"loom/internal/queue"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	if err := rpcServer.RegisterName("Loom", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually before the next start"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) log() *slog.Logger {
	return logging.NewComponentLogger(s.logger, "ipc")
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	tasks, schedules, crawls := api.FromStats(status.Stats)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.SchedulerEnabled = status.Scheduler.Enabled
	resp.SchedulerRunning = status.Scheduler.Running
	resp.QueueStats = tasks
	resp.ScheduleStats = schedules
	resp.CrawlStats = crawls
	resp.DBPath = status.DBPath
	resp.LockPath = status.LockFilePath
	return nil
}

func (s *service) Scheduler(req SchedulerRequest, resp *SchedulerResponse) error {
	switch req.Action {
	case "start":
		if err := s.daemon.SchedulerEnable(s.ctx); err != nil {
			return err
		}
		s.log().Info("scheduler enabled via IPC",
			logging.String(logging.FieldEventType, "scheduler_enabled"))
	case "stop":
		if err := s.daemon.SchedulerDisable(s.ctx); err != nil {
			return err
		}
		s.log().Info("scheduler disabled via IPC",
			logging.String(logging.FieldEventType, "scheduler_disabled"))
	case "", "status":
	default:
		return fmt.Errorf("unknown scheduler action %q", req.Action)
	}
	status := s.daemon.SchedulerStatus()
	resp.Enabled = status.Enabled
	resp.Running = status.Running
	return nil
}

func (s *service) QueueEnqueue(req QueueEnqueueRequest, resp *QueueEnqueueResponse) error {
	result, err := s.daemon.Queue().Enqueue(s.ctx, api.EnqueueRequest{
		Type:      req.Type,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Priority:  req.Priority,
		Metadata:  json.RawMessage(req.Metadata),
	})
	if err != nil {
		return err
	}
	resp.Task = result.Task
	resp.Position = result.Position
	resp.EstimatedWaitTime = result.EstimatedWaitTime
	return nil
}

func (s *service) QueueList(req QueueListRequest, resp *QueueListResponse) error {
	filter := queue.TaskFilter{Limit: req.Limit}
	if req.Type != "" {
		taskType, err := queue.ParseTaskType(req.Type)
		if err != nil {
			return err
		}
		filter.Type = taskType
	}
	for _, raw := range req.Statuses {
		status, err := queue.ParseTaskStatus(raw)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	result, err := s.daemon.Queue().List(s.ctx, filter)
	if err != nil {
		return err
	}
	resp.Tasks = result.Tasks
	return nil
}

func (s *service) QueueDescribe(req QueueDescribeRequest, resp *QueueDescribeResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid task id %d", req.ID)
	}
	result, err := s.daemon.Queue().Describe(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Task = result.Task
	resp.Position = result.Position
	return nil
}

func (s *service) QueueCancel(req QueueCancelRequest, resp *QueueCancelResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid task id %d", req.ID)
	}
	result, err := s.daemon.Queue().Cancel(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Cancelled = result.Cancelled
	resp.Requested = result.Requested
	s.log().Info("task cancellation requested via IPC",
		logging.String(logging.FieldEventType, "task_cancel"),
		logging.Int64(logging.FieldTaskID, req.ID))
	return nil
}

func (s *service) QueueSummary(_ QueueSummaryRequest, resp *QueueSummaryResponse) error {
	summary, err := s.daemon.Queue().Summary(s.ctx)
	if err != nil {
		return err
	}
	resp.Totals = summary.Totals
	resp.ByType = summary.ByType
	return nil
}

func (s *service) ForceExecute(req ForceExecuteRequest, resp *ForceExecuteResponse) error {
	if req.TitleID <= 0 {
		return fmt.Errorf("invalid title id %d", req.TitleID)
	}
	scheduleID, err := s.daemon.ForceExecute(s.ctx, req.TitleID)
	if err != nil {
		return err
	}
	resp.ScheduleID = scheduleID
	s.log().Info("force execute requested via IPC",
		logging.String(logging.FieldEventType, "force_execute"),
		logging.Int64(logging.FieldTitleID, req.TitleID),
		logging.Int64(logging.FieldScheduleID, scheduleID))
	return nil
}

func (s *service) StopTitle(req StopTitleRequest, resp *StopTitleResponse) error {
	if req.TitleID <= 0 {
		return fmt.Errorf("invalid title id %d", req.TitleID)
	}
	reason := req.Reason
	if reason == "" {
		reason = "stopped via IPC"
	}
	result, err := s.daemon.StopTitle(s.ctx, req.TitleID, reason)
	if err != nil {
		return err
	}
	resp.StoppedSchedules = result.StoppedSchedules
	resp.StoppedStages = result.StoppedStages
	return nil
}

func (s *service) Cleanup(_ CleanupRequest, resp *CleanupResponse) error {
	cleaned, err := s.daemon.CleanupStuck(s.ctx)
	if err != nil {
		return err
	}
	resp.Cleaned = cleaned
	return nil
}

func (s *service) Refund(req RefundRequest, resp *RefundResponse) error {
	if req.ScheduleID <= 0 || req.Amount <= 0 {
		return errors.New("refund requires a schedule id and a positive amount")
	}
	if err := s.daemon.Refund(s.ctx, req.ScheduleID, req.Amount); err != nil {
		return err
	}
	resp.Refunded = true
	resp.Amount = req.Amount
	return nil
}

func (s *service) CrawlEnqueue(req CrawlEnqueueRequest, resp *CrawlEnqueueResponse) error {
	job, err := s.daemon.CrawlEnqueue(s.ctx, req.URL)
	if err != nil {
		return err
	}
	resp.Job = api.FromCrawlJob(job)
	return nil
}

func (s *service) CrawlRetry(req CrawlRetryRequest, resp *CrawlRetryResponse) error {
	if req.ID <= 0 {
		return fmt.Errorf("invalid crawl job id %d", req.ID)
	}
	retried, err := s.daemon.CrawlRetry(s.ctx, req.ID)
	if err != nil {
		return err
	}
	resp.Retried = retried
	return nil
}

func (s *service) CrawlList(req CrawlListRequest, resp *CrawlListResponse) error {
	jobs, err := s.daemon.CrawlList(s.ctx, queue.CrawlStatus(req.Status), req.Limit)
	if err != nil {
		return err
	}
	resp.Jobs = make([]CrawlJob, 0, len(jobs))
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, api.FromCrawlJob(job))
	}
	return nil
}

func (s *service) LogTail(req LogTailRequest, resp *LogTailResponse) error {
	logPath := s.daemon.LogPath()
	if logPath == "" {
		resp.Offset = 0
		return nil
	}
	wait := time.Duration(req.WaitMillis) * time.Millisecond
	if wait <= 0 && req.Follow {
		wait = time.Second
	}
	options := logs.TailOptions{
		Offset: req.Offset,
		Limit:  req.Limit,
		Follow: req.Follow,
		Wait:   wait,
	}
	ctx := s.ctx
	if req.Follow && wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, logPath, options)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			resp.Offset = result.Offset
			return nil
		}
		return err
	}
	resp.Lines = result.Lines
	resp.Offset = result.Offset
	return nil
}

func (s *service) TestNotification(_ TestNotificationRequest, resp *TestNotificationResponse) error {
	sent, message, err := s.daemon.TestNotification(s.ctx)
	resp.Sent = sent
	resp.Message = message
	return err
}
