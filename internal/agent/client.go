package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"meshcast/internal/models"
)

// ErrNoJob is returned by NextJob when the orchestrator has nothing to hand
// out.
var ErrNoJob = errors.New("agent: no job available")

// Client is the agent's HTTP adapter for the orchestrator control surface.
// Transient transport errors and retryable status codes (5xx, 429) are retried
// with a fixed interval; client errors are returned immediately.
type Client struct {
	baseURL       string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// ClientConfig wires the Client. Zero values select one attempt, no retry
// pause, and a 30 second request timeout.
type ClientConfig struct {
	BaseURL       string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

// NewClient validates the base URL and applies config defaults.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("agent: orchestrator base URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := cfg.RetryInterval
	if interval < 0 {
		interval = 0
	}
	return &Client{
		baseURL:       baseURL,
		client:        httpClient,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}, nil
}

type registerRequest struct {
	WorkerID     string              `json:"workerId,omitempty"`
	Capabilities models.Capabilities `json:"capabilities"`
}

type heartbeatRequest struct {
	Status models.WorkerStatus `json:"status"`
}

type assignedJob struct {
	ID      string              `json:"id"`
	Attempt int                 `json:"attempt"`
	Job     models.TranscodeJob `json:"job"`
}

type completeRequest struct {
	WorkerID   string `json:"workerId"`
	OutputPath string `json:"outputPath"`
}

type failRequest struct {
	WorkerID string `json:"workerId"`
	Error    string `json:"error"`
}

// Register enrols the worker with the orchestrator, passing any persisted id
// so restarts keep their identity.
func (c *Client) Register(ctx context.Context, workerID string, caps models.Capabilities) (models.Worker, error) {
	var worker models.Worker
	err := c.doJSON(ctx, http.MethodPost, "/workers/register",
		registerRequest{WorkerID: workerID, Capabilities: caps}, &worker)
	if err != nil {
		return models.Worker{}, fmt.Errorf("register worker: %w", err)
	}
	return worker, nil
}

// Heartbeat reports the worker's current status.
func (c *Client) Heartbeat(ctx context.Context, workerID string, status models.WorkerStatus) error {
	return c.doJSON(ctx, http.MethodPost, "/workers/"+workerID+"/heartbeat",
		heartbeatRequest{Status: status}, nil)
}

// NextJob polls the orchestrator for work. ErrNoJob signals an empty queue.
func (c *Client) NextJob(ctx context.Context, workerID string) (string, models.TranscodeJob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/jobs/next?workerId="+workerID, nil)
	if err != nil {
		return "", models.TranscodeJob{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", models.TranscodeJob{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return "", models.TranscodeJob{}, ErrNoJob
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var assigned assignedJob
		if err := json.NewDecoder(resp.Body).Decode(&assigned); err != nil {
			return "", models.TranscodeJob{}, fmt.Errorf("decode job assignment: %w", err)
		}
		return assigned.ID, assigned.Job, nil
	default:
		data, _ := io.ReadAll(resp.Body)
		return "", models.TranscodeJob{}, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
}

// ReportComplete settles a finished job with its published output path.
func (c *Client) ReportComplete(ctx context.Context, jobID, workerID, outputPath string) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID+"/complete",
		completeRequest{WorkerID: workerID, OutputPath: outputPath}, nil)
}

// ReportFailure settles a failed job with its error detail.
func (c *Client) ReportFailure(ctx context.Context, jobID, workerID, detail string) error {
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+jobID+"/fail",
		failRequest{WorkerID: workerID, Error: detail}, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			retryable, callErr := consumeResponse(resp, dest)
			if callErr == nil {
				return nil
			}
			if !retryable {
				return callErr
			}
			lastErr = callErr
		}

		if attempt < c.maxAttempts {
			c.logger.Warn("orchestrator request failed",
				"method", method, "path", path, "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

// consumeResponse drains one HTTP response, reporting whether a failure is
// worth retrying. Server-side trouble (5xx) and throttling (429) are; other
// client errors are not.
func consumeResponse(resp *http.Response, dest interface{}) (bool, error) {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if dest == nil {
			io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
		return false, nil
	}
	data, _ := io.ReadAll(resp.Body)
	err := fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retryable, err
}
