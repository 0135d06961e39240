package server

import (
	"checkline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	ID            *string           `json:"id,omitempty"`
	Name          string            `json:"name"`
	TemplateID    string            `json:"template_id"`
	AssigneeID    *string           `json:"assignee_id,omitempty"`
	PreInspection []domain.Question `json:"pre_inspection_questions,omitempty"`
}

type ResponseItem struct {
	SectionID  string          `json:"section_id,omitempty"`
	QuestionID string          `json:"question_id"`
	Value      domain.Response `json:"value"`
}

type SaveQuestionnaireRequest struct {
	Responses []ResponseItem `json:"responses"`
}

type SaveProgressRequest struct {
	Entries []domain.ProgressEntry `json:"entries"`
}

type SaveMetricsRequest struct {
	CompletionPercentage int     `json:"completion_percentage" minimum:"0" maximum:"100"`
	TimeSpentHours       float64 `json:"time_spent_hours" minimum:"0"`
}

type SaveSignatureRequest struct {
	Signature string `json:"signature"`
}

type SubmitTaskRequest struct {
	// Signature may be omitted when the task was signed earlier.
	Signature string `json:"signature,omitempty"`
}

type AddAttachmentRequest struct {
	Name      string `json:"name"`
	URL       string `json:"url,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type TaskResponse struct {
	Task domain.Task `json:"task"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type TemplateResponse struct {
	Template domain.Template `json:"template"`
}

type TemplateListResponse struct {
	Templates []domain.Template `json:"templates"`
}

type MetricsResponse struct {
	TaskID  string             `json:"task_id"`
	Metrics domain.TaskMetrics `json:"metrics"`
}

type AttachmentResponse struct {
	Attachment domain.Attachment `json:"attachment"`
}

type AttachmentListResponse struct {
	Attachments []domain.Attachment `json:"attachments"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is the plaintext secret, returned once at creation.
	Key string `json:"key,omitempty"`
}

type APIKeyListResponse struct {
	Keys []domain.APIKey `json:"keys"`
}
