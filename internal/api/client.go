package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/t77yq/jobscheduler/internal/model"
)

// Client calls a running scheduler's HTTP surface
type Client struct {
	baseURL    string
	user       string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. user is sent on manual runs.
func NewClient(baseURL, user string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		user:       user,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) ListJobs(ctx context.Context) ([]*model.ScheduledJob, error) {
	var jobs []*model.ScheduledJob
	return jobs, c.do(ctx, http.MethodGet, "/api/jobs", &jobs)
}

func (c *Client) GetJob(ctx context.Context, jobName string) (*model.ScheduledJob, error) {
	var job model.ScheduledJob
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobName), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) GetJobHistory(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	path := "/api/jobs/" + url.PathEscape(jobName) + "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var executions []*model.JobExecution
	return executions, c.do(ctx, http.MethodGet, path, &executions)
}

// RunJob blocks until the attempt finishes
func (c *Client) RunJob(ctx context.Context, jobName string) (*model.JobExecution, error) {
	var execution model.JobExecution
	if err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobName)+"/run", &execution); err != nil {
		return nil, err
	}
	return &execution, nil
}

func (c *Client) PauseJob(ctx context.Context, jobName string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobName)+"/pause", nil)
}

func (c *Client) ResumeJob(ctx context.Context, jobName string) error {
	return c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(jobName)+"/resume", nil)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.user != "" {
		req.Header.Set(UserHeader, c.user)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
