// Package conductor is a small HTTP client for the task endpoints of a
// Conductor server: batch poll, result update and single task fetch.
package conductor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seantiz/taskworker/internal/model"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	authHeader         = "X-Authorization"
	maxErrorBody       = 4 << 10
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("conductor: status %d", e.StatusCode)
	}
	return fmt.Sprintf("conductor: status %d: %s", e.StatusCode, e.Message)
}

// BatchPollRequest asks for up to Count tasks of TaskType.
type BatchPollRequest struct {
	TaskType string
	Domain   string
	WorkerID string
	Count    int
	// Timeout is how long the server may hold the request waiting for tasks.
	Timeout time.Duration
}

// Client talks to the Conductor task API rooted at BaseURL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthToken sends token in the X-Authorization header.
func WithAuthToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the API at baseURL, e.g.
// "http://localhost:8080/api".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// BatchPoll fetches up to req.Count tasks. An empty queue yields an empty
// slice and no error.
func (c *Client) BatchPoll(ctx context.Context, req BatchPollRequest) ([]model.Task, error) {
	q := url.Values{}
	if req.WorkerID != "" {
		q.Set("workerid", req.WorkerID)
	}
	if req.Domain != "" {
		q.Set("domain", req.Domain)
	}
	count := req.Count
	if count < 1 {
		count = 1
	}
	q.Set("count", strconv.Itoa(count))
	q.Set("timeout", strconv.FormatInt(req.Timeout.Milliseconds(), 10))

	path := "/tasks/poll/batch/" + url.PathEscape(req.TaskType) + "?" + q.Encode()

	var tasks []model.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, fmt.Errorf("batch poll %s: %w", req.TaskType, err)
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, nil
}

// UpdateTask reports a task result.
func (c *Client) UpdateTask(ctx context.Context, result model.TaskResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode task result: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", body, nil); err != nil {
		return fmt.Errorf("update task %s: %w", result.TaskID, err)
	}
	return nil
}

// GetTask fetches a single task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &t); err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return &t, nil
}

// do sends a request and decodes a JSON response into out when out is
// non-nil and the body is not empty.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(authHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
