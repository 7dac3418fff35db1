package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Loom.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Scheduler toggles or queries the automation scheduler. Action is "start",
// "stop", or empty for a status read.
func (c *Client) Scheduler(action string) (*SchedulerResponse, error) {
	var resp SchedulerResponse
	if err := c.client.Call("Loom.Scheduler", SchedulerRequest{Action: action}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueEnqueue submits a task.
func (c *Client) QueueEnqueue(req QueueEnqueueRequest) (*QueueEnqueueResponse, error) {
	var resp QueueEnqueueResponse
	if err := c.client.Call("Loom.QueueEnqueue", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueList returns tasks filtered by type and statuses.
func (c *Client) QueueList(req QueueListRequest) (*QueueListResponse, error) {
	var resp QueueListResponse
	if err := c.client.Call("Loom.QueueList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueDescribe returns details for a single task.
func (c *Client) QueueDescribe(id int64) (*QueueDescribeResponse, error) {
	var resp QueueDescribeResponse
	if err := c.client.Call("Loom.QueueDescribe", QueueDescribeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueCancel cancels a waiting task or flags a running one.
func (c *Client) QueueCancel(id int64) (*QueueCancelResponse, error) {
	var resp QueueCancelResponse
	if err := c.client.Call("Loom.QueueCancel", QueueCancelRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueSummary returns aggregate queue counts.
func (c *Client) QueueSummary() (*QueueSummaryResponse, error) {
	var resp QueueSummaryResponse
	if err := c.client.Call("Loom.QueueSummary", QueueSummaryRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ForceExecute runs a title's automation immediately.
func (c *Client) ForceExecute(titleID int64) (*ForceExecuteResponse, error) {
	var resp ForceExecuteResponse
	if err := c.client.Call("Loom.ForceExecute", ForceExecuteRequest{TitleID: titleID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopTitle halts automation for a title.
func (c *Client) StopTitle(titleID int64, reason string) (*StopTitleResponse, error) {
	var resp StopTitleResponse
	if err := c.client.Call("Loom.StopTitle", StopTitleRequest{TitleID: titleID, Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cleanup sweeps stalled schedules.
func (c *Client) Cleanup() (*CleanupResponse, error) {
	var resp CleanupResponse
	if err := c.client.Call("Loom.Cleanup", CleanupRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refund credits a user for a failed schedule.
func (c *Client) Refund(scheduleID, amount int64) (*RefundResponse, error) {
	var resp RefundResponse
	if err := c.client.Call("Loom.Refund", RefundRequest{ScheduleID: scheduleID, Amount: amount}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CrawlEnqueue submits a URL for crawling.
func (c *Client) CrawlEnqueue(url string) (*CrawlEnqueueResponse, error) {
	var resp CrawlEnqueueResponse
	if err := c.client.Call("Loom.CrawlEnqueue", CrawlEnqueueRequest{URL: url}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CrawlRetry resets a failed crawl job.
func (c *Client) CrawlRetry(id int64) (*CrawlRetryResponse, error) {
	var resp CrawlRetryResponse
	if err := c.client.Call("Loom.CrawlRetry", CrawlRetryRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CrawlList returns crawl jobs.
func (c *Client) CrawlList(req CrawlListRequest) (*CrawlListResponse, error) {
	var resp CrawlListResponse
	if err := c.client.Call("Loom.CrawlList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LogTail returns log lines from the daemon.
func (c *Client) LogTail(req LogTailRequest) (*LogTailResponse, error) {
	var resp LogTailResponse
	if err := c.client.Call("Loom.LogTail", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestNotification triggers a notification test via the daemon.
func (c *Client) TestNotification() (*TestNotificationResponse, error) {
	var resp TestNotificationResponse
	if err := c.client.Call("Loom.TestNotification", TestNotificationRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
