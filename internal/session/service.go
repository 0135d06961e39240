package session

import (
	"context"

	"checkline/internal/domain"
	"checkline/internal/engine"
)

// TaskService is the persistence edge a session talks through. The
// remote implementation goes over the HTTP API; EngineService runs
// against a local workspace database.
type TaskService interface {
	FetchTask(ctx context.Context, id string) (domain.Task, error)
	PersistQuestionnaire(ctx context.Context, taskID string, items []engine.ResponseInput) error
	PersistProgress(ctx context.Context, taskID string, entries []domain.ProgressEntry) error
	PersistMetrics(ctx context.Context, taskID string, m domain.TaskMetrics) (domain.TaskMetrics, error)
	PersistSignature(ctx context.Context, taskID, signature string) error
	SubmitTask(ctx context.Context, taskID, signature string) (domain.Task, error)
	ArchiveTask(ctx context.Context, taskID string) (domain.Task, error)
	UploadAttachment(ctx context.Context, taskID, name, url string, sizeBytes int64) (domain.Attachment, error)
}

// EngineService adapts the local engine to the TaskService edge, used
// when a session runs directly on the workspace database.
type EngineService struct {
	Engine  engine.Engine
	ActorID string
}

var _ TaskService = EngineService{}

func (s EngineService) FetchTask(ctx context.Context, id string) (domain.Task, error) {
	return s.Engine.GetTask(ctx, id)
}

func (s EngineService) PersistQuestionnaire(ctx context.Context, taskID string, items []engine.ResponseInput) error {
	_, err := s.Engine.SaveQuestionnaire(ctx, taskID, items, s.ActorID)
	return err
}

func (s EngineService) PersistProgress(ctx context.Context, taskID string, entries []domain.ProgressEntry) error {
	_, err := s.Engine.SaveProgress(ctx, taskID, entries, s.ActorID)
	return err
}

func (s EngineService) PersistMetrics(ctx context.Context, taskID string, m domain.TaskMetrics) (domain.TaskMetrics, error) {
	return s.Engine.SaveMetrics(ctx, taskID, m, s.ActorID)
}

func (s EngineService) PersistSignature(ctx context.Context, taskID, signature string) error {
	_, err := s.Engine.SaveSignature(ctx, taskID, signature, s.ActorID)
	return err
}

func (s EngineService) SubmitTask(ctx context.Context, taskID, signature string) (domain.Task, error) {
	return s.Engine.SaveAndSubmit(ctx, taskID, signature, s.ActorID)
}

func (s EngineService) ArchiveTask(ctx context.Context, taskID string) (domain.Task, error) {
	return s.Engine.ArchiveTask(ctx, taskID, s.ActorID)
}

func (s EngineService) UploadAttachment(ctx context.Context, taskID, name, url string, sizeBytes int64) (domain.Attachment, error) {
	return s.Engine.AddAttachment(ctx, taskID, name, url, sizeBytes, s.ActorID)
}
