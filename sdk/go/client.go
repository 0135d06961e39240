// Package checklinesdk is a minimal Checkline HTTP API client.
package checklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Checkline server.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Metrics mirrors the task metrics block.
type Metrics struct {
	TimeSpentHours       float64 `json:"time_spent_hours"`
	CompletionPercentage int     `json:"completion_percentage"`
	CompletedAt          *string `json:"completed_at,omitempty"`
}

// ProgressEntry mirrors one section's recorded progress.
type ProgressEntry struct {
	SectionID      string                     `json:"section_id"`
	Status         string                     `json:"status"`
	Notes          string                     `json:"notes,omitempty"`
	Photos         []string                   `json:"photos,omitempty"`
	TimeSpentHours float64                    `json:"time_spent_hours,omitempty"`
	Responses      map[string]json.RawMessage `json:"responses,omitempty"`
}

// Task is the API task model. Template and response values are kept raw
// so callers can decode them into their own types.
type Task struct {
	ID             string                     `json:"id"`
	Name           string                     `json:"name"`
	TemplateID     string                     `json:"template_id"`
	Status         string                     `json:"status"`
	AssigneeID     *string                    `json:"assignee_id,omitempty"`
	Template       json.RawMessage            `json:"template,omitempty"`
	Responses      map[string]json.RawMessage `json:"responses,omitempty"`
	Progress       []ProgressEntry            `json:"progress,omitempty"`
	Signature      string                     `json:"signature,omitempty"`
	OperatorForced bool                       `json:"operator_forced,omitempty"`
	Metrics        Metrics                    `json:"metrics"`
	CreatedAt      string                     `json:"created_at"`
	UpdatedAt      string                     `json:"updated_at"`
}

// MetricsReport is the computed scoring and completion view.
type MetricsReport struct {
	ScorePercentage      int     `json:"score_percentage"`
	CompletionPercentage int     `json:"completion_percentage"`
	TimeSpentHours       float64 `json:"time_spent_hours"`
	OperatorForced       bool    `json:"operator_forced,omitempty"`
}

// Attachment is a stored file reference.
type Attachment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at"`
}

// Event is one audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ResponseItem addresses one answer by section and question.
type ResponseItem struct {
	SectionID  string          `json:"section_id,omitempty"`
	QuestionID string          `json:"question_id"`
	Value      json.RawMessage `json:"value"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ImportTemplate uploads a raw checklist template document.
func (c *Client) ImportTemplate(ctx context.Context, raw []byte) error {
	return c.doRaw(ctx, http.MethodPost, "v0/templates", raw, nil)
}

// CreateTask creates an inspection task from a template.
func (c *Client) CreateTask(ctx context.Context, name, templateID string) (Task, error) {
	body := map[string]any{"name": name, "template_id": templateID}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp.Task, err
}

// GetTask fetches a task with template, responses and progress.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodGet, c.taskPath(id, ""), nil, &resp)
	return resp.Task, err
}

// ListTasks returns tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "v0/tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

// StartTask moves a pending task to in_progress.
func (c *Client) StartTask(ctx context.Context, id string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "start"), nil, &resp)
	return resp.Task, err
}

// SaveQuestionnaire writes a batch of responses.
func (c *Client) SaveQuestionnaire(ctx context.Context, id string, items []ResponseItem) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPut, c.taskPath(id, "questionnaire"), map[string]any{"responses": items}, &resp)
	return resp.Task, err
}

// SaveProgress writes per-section progress entries.
func (c *Client) SaveProgress(ctx context.Context, id string, entries []ProgressEntry) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPut, c.taskPath(id, "progress"), map[string]any{"entries": entries}, &resp)
	return resp.Task, err
}

// SaveMetrics pushes client-side completion and time. The server only
// ever moves these forward.
func (c *Client) SaveMetrics(ctx context.Context, id string, m Metrics) (Metrics, error) {
	body := map[string]any{
		"completion_percentage": m.CompletionPercentage,
		"time_spent_hours":      m.TimeSpentHours,
	}
	var resp struct {
		Metrics Metrics `json:"metrics"`
	}
	err := c.do(ctx, http.MethodPut, c.taskPath(id, "metrics"), body, &resp)
	return resp.Metrics, err
}

// GetMetrics fetches the computed metrics report.
func (c *Client) GetMetrics(ctx context.Context, id string) (MetricsReport, error) {
	var resp MetricsReport
	err := c.do(ctx, http.MethodGet, c.taskPath(id, "metrics"), nil, &resp)
	return resp, err
}

// SaveSignature stores the inspector signature.
func (c *Client) SaveSignature(ctx context.Context, id, signature string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPut, c.taskPath(id, "signature"), map[string]any{"signature": signature}, &resp)
	return resp.Task, err
}

// SubmitTask saves and submits the task. The signature may be empty
// when the task was signed earlier.
func (c *Client) SubmitTask(ctx context.Context, id, signature string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "submit"), map[string]any{"signature": signature}, &resp)
	return resp.Task, err
}

// ArchiveTask archives the task; fails with 412 unless fully completed
// and signed.
func (c *Client) ArchiveTask(ctx context.Context, id string) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "archive"), nil, &resp)
	return resp.Task, err
}

// AddAttachment records an uploaded file against the task.
func (c *Client) AddAttachment(ctx context.Context, id, name, fileURL string, sizeBytes int64) (Attachment, error) {
	body := map[string]any{"name": name, "url": fileURL, "size_bytes": sizeBytes}
	var resp struct {
		Attachment Attachment `json:"attachment"`
	}
	err := c.do(ctx, http.MethodPost, c.taskPath(id, "attachments"), body, &resp)
	return resp.Attachment, err
}

// Events returns recent audit log entries.
func (c *Client) Events(ctx context.Context, limit int, taskID string) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if taskID != "" {
		params.Set("task_id", taskID)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// Health checks that the server is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil, nil)
}

func (c *Client) taskPath(id, suffix string) string {
	p := fmt.Sprintf("v0/tasks/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, endpoint, raw, out)
}

func (c *Client) doRaw(ctx context.Context, method, endpoint string, raw []byte, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
