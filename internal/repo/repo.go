package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"checkline/internal/domain"
	"checkline/internal/responses"
	"checkline/internal/template"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- templates ---

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t *domain.Template, createdAt string) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO templates(id,name,body_json,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, string(body), createdAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (*domain.Template, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `SELECT body_json FROM templates WHERE id=?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// Stored templates may predate the canonical shape; run them through
	// the normalizing loader rather than plain unmarshal.
	return template.Parse([]byte(body))
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT body_json FROM templates ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		t, err := template.Parse([]byte(body))
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	return res, rows.Err()
}

// --- tasks ---

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	pre, err := marshalOptional(t.PreInspection)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,name,template_id,status,assignee_id,pre_inspection_json,signature,operator_forced,time_spent_hours,completion_percentage,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.TemplateID, string(t.Status), nullableStringPtr(t.AssigneeID), pre,
		nullable(t.Signature), boolToInt(t.OperatorForced), t.Metrics.TimeSpent, t.Metrics.CompletionPercentage,
		nullableStringPtr(t.Metrics.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, assignee_id=?, signature=?, operator_forced=?, time_spent_hours=?, completion_percentage=?, completed_at=?, updated_at=? WHERE id=?`,
		string(t.Status), nullableStringPtr(t.AssigneeID), nullable(t.Signature), boolToInt(t.OperatorForced),
		t.Metrics.TimeSpent, t.Metrics.CompletionPercentage, nullableStringPtr(t.Metrics.CompletedAt), t.UpdatedAt, t.ID)
	return err
}

// UpdateTaskMetrics writes derived metrics without touching status or
// signature; used by the checkpoint and reconciliation writes.
func (r Repo) UpdateTaskMetrics(ctx context.Context, tx *sql.Tx, taskID string, m domain.TaskMetrics, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET time_spent_hours=?, completion_percentage=?, updated_at=? WHERE id=?`,
		m.TimeSpent, m.CompletionPercentage, updatedAt, taskID)
	return err
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var status string
	var assignee, pre, signature, completedAt sql.NullString
	var forced int
	err := scan(&t.ID, &t.Name, &t.TemplateID, &status, &assignee, &pre, &signature, &forced,
		&t.Metrics.TimeSpent, &t.Metrics.CompletionPercentage, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.TaskStatus(status)
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if pre.Valid && pre.String != "" {
		if err := json.Unmarshal([]byte(pre.String), &t.PreInspection); err != nil {
			return t, fmt.Errorf("decode pre-inspection questions: %w", err)
		}
	}
	if signature.Valid {
		t.Signature = signature.String
	}
	t.OperatorForced = forced != 0
	if completedAt.Valid {
		t.Metrics.CompletedAt = &completedAt.String
	}
	return t, nil
}

const taskColumns = `id,name,template_id,status,assignee_id,pre_inspection_json,signature,operator_forced,time_spent_hours,completion_percentage,completed_at,created_at,updated_at`

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	Status     string
	TemplateID string
	AssigneeID string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.TemplateID != "" {
		clauses = append(clauses, "template_id=?")
		args = append(args, f.TemplateID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- responses ---

// LoadResponses returns a task's answers as an ordered store. Insertion
// order is the input order the legacy fallback rule depends on.
func (r Repo) LoadResponses(ctx context.Context, taskID string) (*responses.Store, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value_json FROM responses WHERE task_id=? ORDER BY created_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, err
	}
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

func (r Repo) UpsertResponse(ctx context.Context, tx *sql.Tx, taskID, key string, v domain.Response, now string) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO responses(task_id,key,value_json,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(task_id,key) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
		taskID, key, string(raw), now, now)
	return err
}

// --- progress ---

func (r Repo) UpsertProgress(ctx context.Context, tx *sql.Tx, taskID string, p domain.ProgressEntry, now string) error {
	photos, err := marshalOptional(p.Photos)
	if err != nil {
		return err
	}
	resps, err := marshalOptional(p.Responses)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO progress(task_id,section_id,status,notes,photos_json,time_spent_hours,responses_json,updated_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(task_id,section_id) DO UPDATE SET status=excluded.status, notes=excluded.notes, photos_json=excluded.photos_json, time_spent_hours=excluded.time_spent_hours, responses_json=excluded.responses_json, updated_at=excluded.updated_at`,
		taskID, p.SectionID, string(p.Status), nullable(p.Notes), photos, p.TimeSpent, resps, now)
	return err
}

func (r Repo) ListProgress(ctx context.Context, taskID string) ([]domain.ProgressEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT section_id,status,notes,photos_json,time_spent_hours,responses_json FROM progress WHERE task_id=? ORDER BY section_id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressEntry
	for rows.Next() {
		var p domain.ProgressEntry
		var status string
		var notes, photos, resps sql.NullString
		if err := rows.Scan(&p.SectionID, &status, &notes, &photos, &p.TimeSpent, &resps); err != nil {
			return nil, err
		}
		p.Status = domain.SectionStatus(status)
		if notes.Valid {
			p.Notes = notes.String
		}
		if photos.Valid && photos.String != "" {
			if err := json.Unmarshal([]byte(photos.String), &p.Photos); err != nil {
				return nil, fmt.Errorf("decode progress photos: %w", err)
			}
		}
		if resps.Valid && resps.String != "" {
			if err := json.Unmarshal([]byte(resps.String), &p.Responses); err != nil {
				return nil, fmt.Errorf("decode progress responses: %w", err)
			}
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- attachments ---

func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments(id,task_id,name,url,size_bytes,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.TaskID, a.Name, a.URL, a.SizeBytes, a.CreatedAt)
	return err
}

func (r Repo) ListAttachments(ctx context.Context, taskID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,name,url,size_bytes,created_at FROM attachments WHERE task_id=? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Name, &a.URL, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, taskID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if taskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, taskID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,task_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var taskID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &taskID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with id greater than the cursor, oldest
// first, for webhook delivery.
func (r Repo) EventsAfter(ctx context.Context, limit int, after int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,task_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var taskID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &taskID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if taskID.Valid {
			e.TaskID = taskID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, used to seed webhook
// cursors so only new events get delivered.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalOptional(v any) (any, error) {
	switch vv := v.(type) {
	case []string:
		if len(vv) == 0 {
			return nil, nil
		}
	case []domain.Question:
		if len(vv) == 0 {
			return nil, nil
		}
	case map[string]domain.Response:
		if len(vv) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
