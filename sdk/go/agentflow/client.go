package agentflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming calls override it with no timeout.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the AgentFlow REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// ChatRequest is the payload for a synchronous or streaming chat call.
type ChatRequest struct {
	Question  string         `json:"question"`
	Tools     []string       `json:"tools,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QueryResult mirrors the server side answer for a single question.
type QueryResult struct {
	Question     string   `json:"question"`
	Rephrased    string   `json:"rephrased"`
	Retrieved    string   `json:"retrieved"`
	Answer       string   `json:"answer"`
	Summary      string   `json:"summary"`
	Sources      []string `json:"sources,omitempty"`
	Observations string   `json:"observations"`
	Cached       bool     `json:"cached,omitempty"`
	CreatedAt    int64    `json:"created_at"`
}

// StreamEvent is a single server-sent event emitted during a streaming chat.
// Event is one of "rephrased", "retrieved", "answer", "summary" or "done";
// Data holds the raw payload, and Result is populated for the "done" event.
type StreamEvent struct {
	Event  string
	Data   string
	Result *QueryResult
}

// StreamHandler receives stream events in arrival order. Returning an error
// aborts the stream.
type StreamHandler func(event StreamEvent) error

// TaskSubmission is the payload required to create an asynchronous task.
type TaskSubmission struct {
	ID        string         `json:"id,omitempty"`
	Question  string         `json:"question"`
	Tools     []string       `json:"tools,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Wait      bool           `json:"wait,omitempty"`
	// TimeoutSeconds bounds the wait when Wait is set.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// TaskResult carries the pipeline output attached to a completed task.
type TaskResult struct {
	Rephrased    string   `json:"rephrased"`
	Answer       string   `json:"answer"`
	Summary      string   `json:"summary"`
	Sources      []string `json:"sources,omitempty"`
	Observations string   `json:"observations"`
}

// Task is the server side view of an asynchronous question.
type Task struct {
	ID         string         `json:"id"`
	Question   string         `json:"question"`
	Tools      []string       `json:"tools,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Status     string         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	LastError  string         `json:"last_error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Result     *TaskResult    `json:"result,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// TaskStats aggregates task counts per status.
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListTasksOptions filters the task listing endpoint.
type ListTasksOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	SessionID string
	Query     string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentFlow API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores a bearer token attached to subsequent calls. Leave it
// empty against servers running with authentication disabled.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Chat answers a question synchronously.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (QueryResult, error) {
	var result QueryResult
	if err := c.post(ctx, "/api/v1/chat", req, &result); err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// ChatStream answers a question over server-sent events, invoking handler for
// every event. It returns the final result carried by the "done" event.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, handler StreamHandler) (*QueryResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	// Streams can outlive the default client timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}

	return readEventStream(resp.Body, handler)
}

// SubmitTask creates an asynchronous task. When submission.Wait is set the
// server blocks until the task completes or the timeout elapses.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var t Task
	if err := c.post(ctx, "/api/v1/tasks", submission, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// GetTask fetches task details by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListTasks returns tasks matching the provided filters.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	values := url.Values{}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		values.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		values.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.SessionID != "" {
		values.Set("session_id", opts.SessionID)
	}
	if opts.Query != "" {
		values.Set("q", opts.Query)
	}
	endpoint := "/api/v1/tasks"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var tasks []Task
	if err := c.get(ctx, endpoint, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// WaitForTask polls a task until it succeeds, exhausts its retries, or the
// context ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if t.Status == "succeeded" || (t.Status == "failed" && t.Attempts >= t.MaxRetries) {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TaskStats returns aggregate counts for stored tasks.
func (c *Client) TaskStats(ctx context.Context) (TaskStats, error) {
	var stats TaskStats
	if err := c.get(ctx, "/api/v1/tasks/stats", &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// History returns the most recent answered questions.
func (c *Client) History(ctx context.Context, limit int) ([]QueryResult, error) {
	endpoint := "/api/v1/history"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var results []QueryResult
	if err := c.get(ctx, endpoint, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	var rawQuery string
	if idx := strings.IndexByte(endpoint, '?'); idx >= 0 {
		rawQuery = endpoint[idx+1:]
		endpoint = endpoint[:idx]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// readEventStream parses text/event-stream frames until the "done" or "error"
// event arrives, or the stream ends.
func readEventStream(r io.Reader, handler StreamHandler) (*QueryResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		eventName string
		dataLines []string
		final     *QueryResult
	)

	flush := func() error {
		if eventName == "" && len(dataLines) == 0 {
			return nil
		}
		event := StreamEvent{Event: eventName, Data: strings.Join(dataLines, "\n")}
		eventName = ""
		dataLines = nil

		switch event.Event {
		case "error":
			apiErr := &APIError{StatusCode: http.StatusInternalServerError}
			_ = json.Unmarshal([]byte(event.Data), apiErr)
			if apiErr.Message == "" {
				apiErr.Message = event.Data
			}
			return apiErr
		case "done":
			var result QueryResult
			if err := json.Unmarshal([]byte(event.Data), &result); err != nil {
				return fmt.Errorf("decode final result: %w", err)
			}
			final = &result
			event.Result = final
		}
		if handler != nil {
			return handler(event)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without final result")
	}
	return final, nil
}
