package tasknestsdk

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
)

// Client is a minimal Tasknest HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     90 * time.Second,
	}
}

// Task mirrors the API task model.
type Task struct {
	ID                  string   `json:"id"`
	Title               string   `json:"title"`
	Description         *string  `json:"description"`
	Status              string   `json:"status"`
	Priority            string   `json:"priority"`
	DueDate             *string  `json:"due_date"`
	EstimatedHours      *float64 `json:"estimated_hours"`
	Tags                []string `json:"tags"`
	UserID              string   `json:"user_id"`
	ParentTaskID        *string  `json:"parent_task_id"`
	CreatedAt           string   `json:"created_at"`
	UpdatedAt           string   `json:"updated_at"`
	EnhancedTitle       *string  `json:"enhanced_title"`
	EnhancedDescription *string  `json:"enhanced_description"`
	EnhancementNotes    *string  `json:"enhancement_notes"`
	EnhancementStatus   string   `json:"ai_enhancement_status"`
}

// NewTask is the create payload. Zero values are omitted and take server defaults.
type NewTask struct {
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Status         string   `json:"status,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	DueDate        *string  `json:"due_date,omitempty"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	ParentTaskID   *string  `json:"parent_task_id,omitempty"`
}

// TaskWithChildren is a task and its direct subtasks.
type TaskWithChildren struct {
	Task     Task   `json:"task"`
	Children []Task `json:"children"`
}

// Event represents a task history entry.
type Event struct {
	ID      string         `json:"id"`
	TaskID  string         `json:"task_id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	TS      string         `json:"ts"`
}

// Enhancement is the result of an AI enhance or split.
type Enhancement struct {
	Success         bool   `json:"success"`
	EnhancementType string `json:"enhancement_type"`
	Source          string `json:"source"`
	Data            struct {
		TaskID          string `json:"task_id"`
		OldTitle        string `json:"old_title"`
		NewTitle        string `json:"new_title"`
		NewDescription  string `json:"new_description"`
		Notes           string `json:"notes"`
		SubtasksCreated int    `json:"subtasks_created"`
		Subtasks        []Task `json:"subtasks"`
		Rationale       string `json:"rationale"`
		Task            Task   `json:"task"`
	} `json:"data"`
}

// ListOptions filters a task listing.
type ListOptions struct {
	Status   string
	Priority string
	ParentID string
	RootOnly bool
	Tag      string
	Query    string
	Limit    int
	Cursor   string
}

// TaskPage is one page of tasks; NextCursor is empty on the last page.
type TaskPage struct {
	Items      []Task
	NextCursor string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in NewTask) (Task, error) {
	var resp Task
	_, err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	_, err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateTask sends a partial update; only keys present in fields are changed.
// A nil parent_task_id detaches the task.
func (c *Client) UpdateTask(ctx context.Context, id string, fields map[string]any) (Task, error) {
	var resp Task
	_, err := c.do(ctx, http.MethodPut, "tasks/"+url.PathEscape(id), fields, &resp)
	return resp, err
}

// SetStatus changes only the status.
func (c *Client) SetStatus(ctx context.Context, id, status string) (Task, error) {
	var resp Task
	_, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%s/status", url.PathEscape(id)), map[string]any{"status": status}, &resp)
	return resp, err
}

// DeleteTask deletes a task; its subtasks survive as root tasks.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(id), nil, nil)
	return err
}

// ListTasks returns one page of the caller's tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (TaskPage, error) {
	q := url.Values{}
	setQuery(q, "status", opts.Status)
	setQuery(q, "priority", opts.Priority)
	setQuery(q, "parent_task_id", opts.ParentID)
	setQuery(q, "tag", opts.Tag)
	setQuery(q, "q", opts.Query)
	setQuery(q, "cursor", opts.Cursor)
	if opts.RootOnly {
		q.Set("root_only", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "tasks"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var page TaskPage
	hdr, err := c.do(ctx, http.MethodGet, endpoint, nil, &page.Items)
	if err != nil {
		return page, err
	}
	page.NextCursor = hdr.Get("X-Next-Cursor")
	return page, nil
}

// Children returns the direct subtasks of a task.
func (c *Client) Children(ctx context.Context, id string) ([]Task, error) {
	var resp []Task
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/children", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// WithChildren returns a task together with its direct subtasks.
func (c *Client) WithChildren(ctx context.Context, id string) (TaskWithChildren, error) {
	var resp TaskWithChildren
	_, err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/with-children", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns the task's history, newest first.
func (c *Client) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("tasks/%s/events", url.PathEscape(id))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Enhance runs an AI enhancement; mode is "enhance" or "split". The call blocks until the model answers.
func (c *Client) Enhance(ctx context.Context, id, mode string) (Enhancement, error) {
	var resp Enhancement
	_, err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/enhance-ai", url.PathEscape(id)), map[string]any{"enhancement_type": mode}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (http.Header, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error, env.Message
		}
		return resp.Header, apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return resp.Header, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.Header, nil
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
