package session

import (
	"context"
	"encoding/json"
	"fmt"

	checklinesdk "checkline/sdk/go"

	"checkline/internal/domain"
	"checkline/internal/engine"
)

// RemoteService implements TaskService over the HTTP API.
type RemoteService struct {
	Client *checklinesdk.Client
}

var _ TaskService = RemoteService{}

func (s RemoteService) FetchTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.Client.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return taskFromSDK(t)
}

func (s RemoteService) PersistQuestionnaire(ctx context.Context, taskID string, items []engine.ResponseInput) error {
	out := make([]checklinesdk.ResponseItem, 0, len(items))
	for _, in := range items {
		raw, err := json.Marshal(in.Value)
		if err != nil {
			return fmt.Errorf("encode response %s: %w", in.QuestionID, err)
		}
		out = append(out, checklinesdk.ResponseItem{
			SectionID:  in.SectionID,
			QuestionID: in.QuestionID,
			Value:      raw,
		})
	}
	_, err := s.Client.SaveQuestionnaire(ctx, taskID, out)
	return err
}

func (s RemoteService) PersistProgress(ctx context.Context, taskID string, entries []domain.ProgressEntry) error {
	out := make([]checklinesdk.ProgressEntry, 0, len(entries))
	for _, p := range entries {
		e := checklinesdk.ProgressEntry{
			SectionID:      p.SectionID,
			Status:         string(p.Status),
			Notes:          p.Notes,
			Photos:         p.Photos,
			TimeSpentHours: p.TimeSpent,
		}
		if len(p.Responses) > 0 {
			e.Responses = make(map[string]json.RawMessage, len(p.Responses))
			for k, v := range p.Responses {
				raw, err := json.Marshal(v)
				if err != nil {
					return fmt.Errorf("encode progress response %s: %w", k, err)
				}
				e.Responses[k] = raw
			}
		}
		out = append(out, e)
	}
	_, err := s.Client.SaveProgress(ctx, taskID, out)
	return err
}

func (s RemoteService) PersistMetrics(ctx context.Context, taskID string, m domain.TaskMetrics) (domain.TaskMetrics, error) {
	saved, err := s.Client.SaveMetrics(ctx, taskID, checklinesdk.Metrics{
		CompletionPercentage: m.CompletionPercentage,
		TimeSpentHours:       m.TimeSpent,
	})
	if err != nil {
		return domain.TaskMetrics{}, err
	}
	return domain.TaskMetrics{
		CompletionPercentage: saved.CompletionPercentage,
		TimeSpent:            saved.TimeSpentHours,
		CompletedAt:          saved.CompletedAt,
	}, nil
}

func (s RemoteService) PersistSignature(ctx context.Context, taskID, signature string) error {
	_, err := s.Client.SaveSignature(ctx, taskID, signature)
	return err
}

func (s RemoteService) SubmitTask(ctx context.Context, taskID, signature string) (domain.Task, error) {
	t, err := s.Client.SubmitTask(ctx, taskID, signature)
	if err != nil {
		return domain.Task{}, err
	}
	return taskFromSDK(t)
}

func (s RemoteService) ArchiveTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := s.Client.ArchiveTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	return taskFromSDK(t)
}

func (s RemoteService) UploadAttachment(ctx context.Context, taskID, name, url string, sizeBytes int64) (domain.Attachment, error) {
	a, err := s.Client.AddAttachment(ctx, taskID, name, url, sizeBytes)
	if err != nil {
		return domain.Attachment{}, err
	}
	return domain.Attachment{
		ID:        a.ID,
		TaskID:    a.TaskID,
		Name:      a.Name,
		URL:       a.URL,
		SizeBytes: a.SizeBytes,
		CreatedAt: a.CreatedAt,
	}, nil
}

func taskFromSDK(t checklinesdk.Task) (domain.Task, error) {
	out := domain.Task{
		ID:             t.ID,
		Name:           t.Name,
		TemplateID:     t.TemplateID,
		Status:         domain.TaskStatus(t.Status),
		AssigneeID:     t.AssigneeID,
		Signature:      t.Signature,
		OperatorForced: t.OperatorForced,
		Metrics: domain.TaskMetrics{
			TimeSpent:            t.Metrics.TimeSpentHours,
			CompletionPercentage: t.Metrics.CompletionPercentage,
			CompletedAt:          t.Metrics.CompletedAt,
		},
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if len(t.Template) > 0 {
		var tmpl domain.Template
		if err := json.Unmarshal(t.Template, &tmpl); err != nil {
			return domain.Task{}, fmt.Errorf("decode template: %w", err)
		}
		out.Template = &tmpl
	}
	if len(t.Responses) > 0 {
		out.Responses = make(map[string]domain.Response, len(t.Responses))
		for k, raw := range t.Responses {
			var v domain.Response
			if err := json.Unmarshal(raw, &v); err != nil {
				return domain.Task{}, fmt.Errorf("decode response %s: %w", k, err)
			}
			out.Responses[k] = v
		}
	}
	for _, p := range t.Progress {
		entry := domain.ProgressEntry{
			SectionID: p.SectionID,
			Status:    domain.SectionStatus(p.Status),
			Notes:     p.Notes,
			Photos:    p.Photos,
			TimeSpent: p.TimeSpentHours,
		}
		if len(p.Responses) > 0 {
			entry.Responses = make(map[string]domain.Response, len(p.Responses))
			for k, raw := range p.Responses {
				var v domain.Response
				if err := json.Unmarshal(raw, &v); err != nil {
					return domain.Task{}, fmt.Errorf("decode progress response %s: %w", k, err)
				}
				entry.Responses[k] = v
			}
		}
		out.Progress = append(out.Progress, entry)
	}
	return out, nil
}
