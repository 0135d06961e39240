package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"checkline/internal/config"
	"checkline/internal/domain"
	"checkline/internal/events"
	"checkline/internal/repo"
	"checkline/internal/responses"
	"checkline/internal/scoring"
	"checkline/internal/template"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg != nil {
		domain.ExtendNotApplicable(cfg.Responses.ExtraNotApplicable...)
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) cfg() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

// ImportTemplate parses, validates and stores a checklist definition.
func (e Engine) ImportTemplate(ctx context.Context, data []byte, actorID string) (*domain.Template, error) {
	t, err := template.Parse(data)
	if err != nil {
		return nil, ValidationError{Field: "template", Message: err.Error()}
	}
	if err := template.Validate(t); err != nil {
		return nil, ValidationError{Field: "template", Message: err.Error()}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, t, e.nowRFC3339()); err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "template.import", "", "template", t.ID, actorID, events.EventPayload{"name": t.Name}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID            string
	Name          string
	TemplateID    string
	AssigneeID    string
	PreInspection []domain.Question
	ActorID       string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.Name == "" {
		return domain.Task{}, ValidationError{Field: "name", Message: "name is required"}
	}
	if opts.TemplateID == "" {
		return domain.Task{}, ValidationError{Field: "template_id", Message: "template is required"}
	}
	tmpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.nowRFC3339()
	t := domain.Task{
		ID:            opts.ID,
		Name:          opts.Name,
		TemplateID:    opts.TemplateID,
		Status:        domain.TaskStatusPending,
		PreInspection: opts.PreInspection,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.AssigneeID != "" {
		t.AssigneeID = &opts.AssigneeID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "task.create", t.ID, "task", t.ID, opts.ActorID, events.EventPayload{"template_id": t.TemplateID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	t.Template = tmpl
	return t, nil
}

// GetTask returns a task assembled with its template, stored responses
// and per-section progress.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return e.assemble(ctx, t)
}

func (e Engine) assemble(ctx context.Context, t domain.Task) (domain.Task, error) {
	tmpl, err := e.Repo.GetTemplate(ctx, t.TemplateID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	t.Template = tmpl
	store, err := e.Repo.LoadResponses(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	t.Responses = store.Snapshot()
	progress, err := e.Repo.ListProgress(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	t.Progress = progress
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// ensureMutable rejects every mutation against an archived task;
// archived is terminal.
func ensureMutable(t domain.Task) error {
	if t.Status == domain.TaskStatusArchived {
		return PreconditionFailedError{Reason: "task is archived"}
	}
	return nil
}

// ensureInProgress additionally requires the task to be mid-inspection.
// Responses and progress are only recordable between start and submit.
func ensureInProgress(t domain.Task) error {
	if err := ensureMutable(t); err != nil {
		return err
	}
	if t.Status != domain.TaskStatusInProgress {
		return PreconditionFailedError{Reason: ReasonNotInProgress}
	}
	return nil
}

// StartTask moves a pending task to in_progress.
func (e Engine) StartTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskStatusInProgress {
		return t, nil
	}
	if err := domain.EnsureTransition(t.Status, domain.TaskStatusInProgress); err != nil {
		return domain.Task{}, ValidationError{Field: "status", Message: err.Error()}
	}
	t.Status = domain.TaskStatusInProgress
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.start", t.ID, "task", t.ID, actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ResponseInput is one answer addressed by its section and question.
type ResponseInput struct {
	SectionID  string
	QuestionID string
	Value      domain.Response
}

// RecordResponse stores a single answer under its canonical key and
// refreshes the derived completion percentage when it moves by at least
// the configured delta.
func (e Engine) RecordResponse(ctx context.Context, taskID string, in ResponseInput, actorID string) (domain.Task, error) {
	return e.saveResponses(ctx, taskID, []ResponseInput{in}, "response.record", actorID)
}

// SaveQuestionnaire stores a batch of answers atomically.
func (e Engine) SaveQuestionnaire(ctx context.Context, taskID string, items []ResponseInput, actorID string) (domain.Task, error) {
	return e.saveResponses(ctx, taskID, items, "questionnaire.save", actorID)
}

func (e Engine) saveResponses(ctx context.Context, taskID string, items []ResponseInput, evtType, actorID string) (domain.Task, error) {
	if len(items) == 0 {
		return domain.Task{}, ValidationError{Field: "responses", Message: "no responses given"}
	}
	for _, in := range items {
		if in.QuestionID == "" {
			return domain.Task{}, ValidationError{Field: "question_id", Message: "question id is required"}
		}
		if in.Value.IsZero() {
			return domain.Task{}, ValidationError{Field: "value", Message: "empty response value"}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureInProgress(t); err != nil {
		return domain.Task{}, err
	}
	now := e.nowRFC3339()
	keys := make([]string, 0, len(items))
	for _, in := range items {
		key := responses.CanonicalKey(in.SectionID, in.QuestionID)
		if err := e.Repo.UpsertResponse(ctx, tx, taskID, key, in.Value, now); err != nil {
			return domain.Task{}, fmt.Errorf("store response %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	t, err = e.refreshCompletion(ctx, tx, t, now)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, t.ID, "response", "", actorID, events.EventPayload{"keys": keys}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// completionTx recomputes the answered fraction from the responses
// stored inside the tx and merges it with the stored percentage, so the
// result never sits below what the task row already records.
func (e Engine) completionTx(ctx context.Context, tx *sql.Tx, t domain.Task) (int, error) {
	tmpl, err := e.Repo.GetTemplate(ctx, t.TemplateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return t.Metrics.CompletionPercentage, nil
		}
		return 0, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT key,value_json FROM responses WHERE task_id=? ORDER BY created_at ASC, rowid ASC`, t.ID)
	if err != nil {
		return 0, err
	}
	store, err := scanResponses(rows)
	if err != nil {
		return 0, err
	}
	local := scoring.Completion(tmpl, t.PreInspection, store)
	return scoring.AuthoritativeCompletion(t.Metrics.CompletionPercentage, local), nil
}

// refreshCompletion persists the recomputed completion when it moved by
// at least the configured delta. Stored completion never goes down.
func (e Engine) refreshCompletion(ctx context.Context, tx *sql.Tx, t domain.Task, now string) (domain.Task, error) {
	next, err := e.completionTx(ctx, tx, t)
	if err != nil {
		return t, err
	}
	if next-t.Metrics.CompletionPercentage < e.cfg().CompletionDelta() {
		return t, nil
	}
	t.Metrics.CompletionPercentage = next
	t.UpdatedAt = now
	if err := e.Repo.UpdateTaskMetrics(ctx, tx, t.ID, t.Metrics, now); err != nil {
		return t, err
	}
	return t, nil
}

// SaveProgress upserts per-section progress entries.
func (e Engine) SaveProgress(ctx context.Context, taskID string, entries []domain.ProgressEntry, actorID string) (domain.Task, error) {
	if len(entries) == 0 {
		return domain.Task{}, ValidationError{Field: "progress", Message: "no progress entries given"}
	}
	for _, p := range entries {
		if p.SectionID == "" {
			return domain.Task{}, ValidationError{Field: "section_id", Message: "section id is required"}
		}
		if !p.Status.IsValid() {
			return domain.Task{}, ValidationError{Field: "status", Message: fmt.Sprintf("unknown section status %q", p.Status)}
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureInProgress(t); err != nil {
		return domain.Task{}, err
	}
	now := e.nowRFC3339()
	sections := make([]string, 0, len(entries))
	for _, p := range entries {
		if err := e.Repo.UpsertProgress(ctx, tx, taskID, p, now); err != nil {
			return domain.Task{}, fmt.Errorf("store progress %s: %w", p.SectionID, err)
		}
		sections = append(sections, p.SectionID)
	}
	if err := e.Events.Append(ctx, tx, "progress.save", t.ID, "progress", "", actorID, events.EventPayload{"sections": sections}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SaveMetrics merges client-reported metrics into the stored ones.
// Completion takes the max of stored and reported values, so a stale
// client can never roll a task's completion back. Time spent is treated
// the same way.
func (e Engine) SaveMetrics(ctx context.Context, taskID string, m domain.TaskMetrics, actorID string) (domain.TaskMetrics, error) {
	if m.CompletionPercentage < 0 || m.CompletionPercentage > 100 {
		return domain.TaskMetrics{}, ValidationError{Field: "completion_percentage", Message: "must be between 0 and 100"}
	}
	if m.TimeSpent < 0 {
		return domain.TaskMetrics{}, ValidationError{Field: "time_spent_hours", Message: "must not be negative"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskMetrics{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.TaskMetrics{}, err
	}
	if err := ensureMutable(t); err != nil {
		return domain.TaskMetrics{}, err
	}
	merged := t.Metrics
	merged.CompletionPercentage = scoring.AuthoritativeCompletion(t.Metrics.CompletionPercentage, m.CompletionPercentage)
	if m.TimeSpent > merged.TimeSpent {
		merged.TimeSpent = m.TimeSpent
	}
	if merged == t.Metrics {
		tx.Rollback()
		return merged, nil
	}
	now := e.nowRFC3339()
	if err := e.Repo.UpdateTaskMetrics(ctx, tx, t.ID, merged, now); err != nil {
		return domain.TaskMetrics{}, err
	}
	if err := e.Events.Append(ctx, tx, "metrics.save", t.ID, "metrics", "", actorID, events.EventPayload{
		"completion_percentage": merged.CompletionPercentage,
		"time_spent_hours":      merged.TimeSpent,
	}); err != nil {
		return domain.TaskMetrics{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskMetrics{}, err
	}
	return merged, nil
}

// SaveSignature stores the inspector signature. Write-once: a second
// signature for the same task is rejected. Signing does not change the
// task status.
func (e Engine) SaveSignature(ctx context.Context, taskID, signature, actorID string) (domain.Task, error) {
	if signature == "" {
		return domain.Task{}, ValidationError{Field: "signature", Message: "signature is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureMutable(t); err != nil {
		return domain.Task{}, err
	}
	if t.Signed() {
		return domain.Task{}, PreconditionFailedError{Reason: "task is already signed"}
	}
	t.Signature = signature
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "signature.save", t.ID, "signature", "", actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SaveAndSubmit finalizes a task on the operator's explicit attestation:
// the signature is stored (unless the task already carries one), the
// completion percentage is forced to 100 regardless of the computed
// value with the forced flag recorded, and the task moves to completed.
// A submitted task is always signed.
func (e Engine) SaveAndSubmit(ctx context.Context, taskID, signature, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureMutable(t); err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskStatusCompleted {
		return t, nil
	}
	if err := domain.EnsureTransition(t.Status, domain.TaskStatusCompleted); err != nil {
		return domain.Task{}, ValidationError{Field: "status", Message: err.Error()}
	}
	signedNow := false
	if signature != "" {
		if t.Signed() {
			return domain.Task{}, PreconditionFailedError{Reason: "task is already signed"}
		}
		t.Signature = signature
		signedNow = true
	}
	if !t.Signed() {
		return domain.Task{}, ValidationError{Field: "signature", Message: "signature is required"}
	}
	now := e.nowRFC3339()
	forced := t.Metrics.CompletionPercentage < 100
	t.Status = domain.TaskStatusCompleted
	t.OperatorForced = forced
	t.Metrics.CompletionPercentage = 100
	t.Metrics.CompletedAt = &now
	t.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if signedNow {
		if err := e.Events.Append(ctx, tx, "signature.save", t.ID, "signature", "", actorID, nil); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.submit", t.ID, "task", t.ID, actorID, events.EventPayload{"operator_forced": forced}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ArchiveTask moves a task to archived. The gate requires both full
// completion and a stored signature; failures report the first unmet
// condition. Completion is recomputed from the stored responses, so a
// delta-deferred metrics write cannot block an actually complete task.
func (e Engine) ArchiveTask(ctx context.Context, taskID, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == domain.TaskStatusArchived {
		return t, nil
	}
	completion := t.Metrics.CompletionPercentage
	if completion < 100 {
		if completion, err = e.completionTx(ctx, tx, t); err != nil {
			return domain.Task{}, err
		}
	}
	if completion < 100 {
		return domain.Task{}, PreconditionFailedError{Reason: ReasonNotFullyCompleted}
	}
	if !t.Signed() {
		return domain.Task{}, PreconditionFailedError{Reason: ReasonNotSigned}
	}
	t.Metrics.CompletionPercentage = completion
	if err := domain.EnsureTransition(t.Status, domain.TaskStatusArchived); err != nil {
		return domain.Task{}, ValidationError{Field: "status", Message: err.Error()}
	}
	t.Status = domain.TaskStatusArchived
	t.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.archive", t.ID, "task", t.ID, actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// AddAttachment records an uploaded file reference against a task.
func (e Engine) AddAttachment(ctx context.Context, taskID, name, url string, sizeBytes int64, actorID string) (domain.Attachment, error) {
	if name == "" {
		return domain.Attachment{}, ValidationError{Field: "name", Message: "name is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Attachment{}, err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if err := ensureMutable(t); err != nil {
		return domain.Attachment{}, err
	}
	a := domain.Attachment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Name:      name,
		URL:       url,
		SizeBytes: sizeBytes,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertAttachment(ctx, tx, a); err != nil {
		return domain.Attachment{}, err
	}
	if err := e.Events.Append(ctx, tx, "attachment.add", taskID, "attachment", a.ID, actorID, events.EventPayload{"name": name, "size_bytes": sizeBytes}); err != nil {
		return domain.Attachment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Attachment{}, err
	}
	return a, nil
}

// MetricsReport is the full derived view of a task, computed on demand.
type MetricsReport struct {
	Score                scoring.Score `json:"score"`
	ScorePercentage      int           `json:"score_percentage"`
	CompletionPercentage int           `json:"completion_percentage"`
	TimeSpentHours       float64       `json:"time_spent_hours"`
	OperatorForced       bool          `json:"operator_forced,omitempty"`
}

// ComputeMetrics recomputes scoring and completion from stored data.
// The completion value merges the stored percentage with the freshly
// computed one so it stays monotonic.
func (e Engine) ComputeMetrics(ctx context.Context, taskID string) (MetricsReport, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return MetricsReport{}, err
	}
	tmpl, err := e.Repo.GetTemplate(ctx, t.TemplateID)
	if err != nil {
		return MetricsReport{}, err
	}
	store, err := e.Repo.LoadResponses(ctx, taskID)
	if err != nil {
		return MetricsReport{}, err
	}
	score := scoring.Task(tmpl, store)
	local := scoring.Completion(tmpl, t.PreInspection, store)
	return MetricsReport{
		Score:                score,
		ScorePercentage:      score.Percentage(),
		CompletionPercentage: scoring.AuthoritativeCompletion(t.Metrics.CompletionPercentage, local),
		TimeSpentHours:       t.Metrics.TimeSpent,
		OperatorForced:       t.OperatorForced,
	}, nil
}

func scanResponses(rows *sql.Rows) (*responses.Store, error) {
	defer rows.Close()
	var items []responses.Item
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var v domain.Response
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("decode response %s: %w", key, err)
		}
		items = append(items, responses.Item{Key: key, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return responses.Load(items), nil
}
