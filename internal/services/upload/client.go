package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

// Request describes one publish call to the upload collaborator.
type Request struct {
	TitleID   int64  `json:"titleId"`
	TitleName string `json:"titleName"`
	UserID    string `json:"userId,omitempty"`
	VideoPath string `json:"videoPath"`
}

// Result captures the collaborator's response for a published video.
type Result struct {
	RemoteID string `json:"id"`
	URL      string `json:"url"`
}

// Service defines the upload operations used by the upload stage.
type Service interface {
	Publish(ctx context.Context, req Request) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// Client talks to the upload collaborator over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (used in tests).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

// NewClient constructs an upload client from configuration. Returns nil when
// no collaborator endpoint is configured; callers treat nil as unavailable.
func NewClient(cfg *config.Config, opts ...Option) *Client {
	if cfg == nil {
		return nil
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.Upload.BaseURL), "/")
	if baseURL == "" {
		return nil
	}
	timeout := time.Duration(cfg.Upload.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	client := &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.Upload.APIKey),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Publish sends a rendered video to the collaborator.
func (c *Client) Publish(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.VideoPath) == "" {
		return nil, errors.New("video path required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode upload request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send upload request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("upload collaborator returned %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &result, nil
}

// HealthCheck verifies the collaborator endpoint responds.
func (c *Client) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send health request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("upload collaborator health returned %s", resp.Status)
	}
	return nil
}

var _ Service = (*Client)(nil)
