package domain

import "fmt"

// TaskStatus is the lifecycle state of an inspection task.
// Statuses only move forward; there are no reverse edges.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusArchived   TaskStatus = "archived"
)

func (s TaskStatus) String() string { return string(s) }

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusArchived:
		return true
	}
	return false
}

// rank orders statuses along the forward-only lifecycle.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusInProgress:
		return 1
	case TaskStatusCompleted:
		return 2
	case TaskStatusArchived:
		return 3
	}
	return -1
}

// CanTransitionTo reports whether moving to target keeps the lifecycle
// monotonic. Archive may be reached directly from in_progress (signed
// tasks skip the explicit completed step); the archive gate itself is
// enforced by the engine, not here.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	if !s.IsValid() || !target.IsValid() {
		return false
	}
	if target.rank() <= s.rank() {
		return false
	}
	switch s {
	case TaskStatusPending:
		return target == TaskStatusInProgress || target == TaskStatusArchived
	case TaskStatusInProgress:
		return target == TaskStatusCompleted || target == TaskStatusArchived
	case TaskStatusCompleted:
		return target == TaskStatusArchived
	}
	return false
}

// EnsureTransition returns a descriptive error for illegal transitions.
func EnsureTransition(from, to TaskStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid task status transition %s -> %s", from, to)
	}
	return nil
}

// SectionStatus is the per-section progress state recorded by the inspector.
type SectionStatus string

const (
	SectionStatusPending           SectionStatus = "pending"
	SectionStatusInProgress        SectionStatus = "in_progress"
	SectionStatusCompleted         SectionStatus = "completed"
	SectionStatusFullCompliance    SectionStatus = "full_compliance"
	SectionStatusPartialCompliance SectionStatus = "partial_compliance"
	SectionStatusNonCompliance     SectionStatus = "non_compliance"
	SectionStatusNotApplicable     SectionStatus = "not_applicable"
)

func (s SectionStatus) IsValid() bool {
	switch s {
	case SectionStatusPending, SectionStatusInProgress, SectionStatusCompleted,
		SectionStatusFullCompliance, SectionStatusPartialCompliance,
		SectionStatusNonCompliance, SectionStatusNotApplicable:
		return true
	}
	return false
}

// ProgressEntry is the recorded state of one section of a task.
type ProgressEntry struct {
	SectionID string              `json:"section_id"`
	Status    SectionStatus       `json:"status" enum:"pending,in_progress,completed,full_compliance,partial_compliance,non_compliance,not_applicable"`
	Notes     string              `json:"notes,omitempty"`
	Photos    []string            `json:"photos,omitempty"`
	TimeSpent float64             `json:"time_spent_hours,omitempty"`
	Responses map[string]Response `json:"responses,omitempty"`
}

// TaskMetrics are the derived values persisted alongside a task.
type TaskMetrics struct {
	TimeSpent            float64 `json:"time_spent_hours"`
	CompletionPercentage int     `json:"completion_percentage"`
	CompletedAt          *string `json:"completed_at,omitempty" format:"date-time"`
}

// Task is the aggregate root for one inspection instance.
type Task struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	TemplateID    string              `json:"template_id"`
	Status        TaskStatus          `json:"status" enum:"pending,in_progress,completed,archived"`
	AssigneeID    *string             `json:"assignee_id,omitempty"`
	Template      *Template           `json:"template,omitempty"`
	Responses     map[string]Response `json:"responses,omitempty"`
	Progress      []ProgressEntry     `json:"progress,omitempty"`
	PreInspection []Question          `json:"pre_inspection_questions,omitempty"`
	// Signature is the opaque signature image payload; empty means unsigned.
	// Write-once: the engine never overwrites a stored signature.
	Signature string `json:"signature,omitempty"`
	// OperatorForced marks a completion percentage forced to 100 by an
	// explicit submit attestation rather than computed from responses.
	OperatorForced bool        `json:"operator_forced,omitempty"`
	Metrics        TaskMetrics `json:"metrics"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	UpdatedAt      string      `json:"updated_at" format:"date-time"`
}

// Signed reports whether an inspector signature is present.
func (t Task) Signed() bool { return t.Signature != "" }

// Attachment is a stored file reference returned by uploads.
type Attachment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"size_bytes"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one entry of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates non-JWT callers of the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
