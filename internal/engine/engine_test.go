package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"checkline/internal/config"
	"checkline/internal/db"
	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/migrate"
)

const testTemplate = `{
  "id": "tmpl-1",
  "name": "Fire safety inspection",
  "pages": [
    {
      "id": "page-1",
      "name": "Main",
      "sections": [
        {
          "id": "sec1",
          "name": "Extinguishers",
          "mandatory": true,
          "questions": [
            {"id": "q1", "text": "Extinguisher present", "type": "compliance"},
            {"id": "q2", "text": "Pressure gauge in green", "type": "yesno", "weight": 2},
            {"id": "q3", "text": "Notes", "type": "text", "requirement_type": "recommended"}
          ]
        }
      ]
    }
  ]
}`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.ImportTemplate(ctx, []byte(testTemplate), "tester"); err != nil {
		t.Fatalf("import template: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createTask(t *testing.T) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Name:       "Warehouse A",
		TemplateID: "tmpl-1",
		ActorID:    "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) answer(t *testing.T, taskID, sectionID, questionID, value string) {
	t.Helper()
	_, err := env.Engine.RecordResponse(env.Ctx, taskID, engine.ResponseInput{
		SectionID:  sectionID,
		QuestionID: questionID,
		Value:      domain.ChoiceResponse(value),
	}, "tester")
	if err != nil {
		t.Fatalf("record response %s: %v", questionID, err)
	}
}

func TestLifecycleAndArchiveGate(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if task.Status != domain.TaskStatusPending {
		t.Fatalf("new task status = %s", task.Status)
	}

	task, err := env.Engine.StartTask(env.Ctx, task.ID, "tester")
	if err != nil || task.Status != domain.TaskStatusInProgress {
		t.Fatalf("start: %v status=%s", err, task.Status)
	}

	// incomplete task cannot be archived
	_, err = env.Engine.ArchiveTask(env.Ctx, task.ID, "tester")
	var pre engine.PreconditionFailedError
	if !errors.As(err, &pre) || pre.Reason != engine.ReasonNotFullyCompleted {
		t.Fatalf("archive incomplete: %v", err)
	}

	env.answer(t, task.ID, "sec1", "q1", "full_compliance")
	env.answer(t, task.ID, "sec1", "q2", "yes")
	env.answer(t, task.ID, "sec1", "q3", "all good")

	task, err = env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Metrics.CompletionPercentage != 100 {
		t.Fatalf("completion = %d, want 100", task.Metrics.CompletionPercentage)
	}

	// complete but unsigned
	_, err = env.Engine.ArchiveTask(env.Ctx, task.ID, "tester")
	if !errors.As(err, &pre) || pre.Reason != engine.ReasonNotSigned {
		t.Fatalf("archive unsigned: %v", err)
	}

	if _, err := env.Engine.SaveSignature(env.Ctx, task.ID, "sig-data", "tester"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	task, err = env.Engine.ArchiveTask(env.Ctx, task.ID, "tester")
	if err != nil || task.Status != domain.TaskStatusArchived {
		t.Fatalf("archive: %v status=%s", err, task.Status)
	}

	// archived is terminal
	_, err = env.Engine.RecordResponse(env.Ctx, task.ID, engine.ResponseInput{
		SectionID: "sec1", QuestionID: "q1", Value: domain.ChoiceResponse("no"),
	}, "tester")
	if !errors.As(err, &pre) {
		t.Fatalf("mutation after archive: %v", err)
	}
}

func TestScoringHeuristics(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// q1 full (2/2), q2 partial with weight 2 (2/4)
	env.answer(t, task.ID, "sec1", "q1", "full_compliance")
	env.answer(t, task.ID, "sec1", "q2", "partial_compliance")

	m, err := env.Engine.ComputeMetrics(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Score.Achieved != 4 || m.Score.Possible != 6 {
		t.Fatalf("score = %v/%v, want 4/6", m.Score.Achieved, m.Score.Possible)
	}
	if m.ScorePercentage != 67 {
		t.Fatalf("score percentage = %d, want 67", m.ScorePercentage)
	}

	// marking q2 not applicable drops its points from both sides
	env.answer(t, task.ID, "sec1", "q2", "N/A")
	m, err = env.Engine.ComputeMetrics(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Score.Achieved != 2 || m.Score.Possible != 2 {
		t.Fatalf("score after n/a = %v/%v, want 2/2", m.Score.Achieved, m.Score.Possible)
	}
}

func TestOperatorForcedSubmit(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.answer(t, task.ID, "sec1", "q1", "full_compliance")

	task, err := env.Engine.SaveAndSubmit(env.Ctx, task.ID, "sig-data", "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.Metrics.CompletionPercentage != 100 || !task.OperatorForced {
		t.Fatalf("metrics = %+v forced=%v, want forced 100", task.Metrics, task.OperatorForced)
	}
	if task.Metrics.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if !task.Signed() {
		t.Fatal("submit did not store the signature")
	}
}

func TestSubmitRequiresSignature(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	// unsigned submit without an image is rejected
	_, err := env.Engine.SaveAndSubmit(env.Ctx, task.ID, "", "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "signature" {
		t.Fatalf("unsigned submit: %v", err)
	}

	// a task signed beforehand submits without a new image
	if _, err := env.Engine.SaveSignature(env.Ctx, task.ID, "sig-data", "tester"); err != nil {
		t.Fatal(err)
	}
	task, err = env.Engine.SaveAndSubmit(env.Ctx, task.ID, "", "tester")
	if err != nil || task.Status != domain.TaskStatusCompleted {
		t.Fatalf("submit after sign: %v status=%s", err, task.Status)
	}

	// the signature stays write-once through the submit path
	task2 := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task2.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SaveSignature(env.Ctx, task2.ID, "first", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.SaveAndSubmit(env.Ctx, task2.ID, "second", "tester")
	var pre engine.PreconditionFailedError
	if !errors.As(err, &pre) {
		t.Fatalf("submit with second signature: %v", err)
	}
}

func TestSignatureWriteOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	task, err := env.Engine.SaveSignature(env.Ctx, task.ID, "first", "tester")
	if err != nil {
		t.Fatal(err)
	}
	// signing does not change the task status
	if task.Status != domain.TaskStatusInProgress {
		t.Fatalf("status after sign = %s", task.Status)
	}
	_, err = env.Engine.SaveSignature(env.Ctx, task.ID, "second", "tester")
	var pre engine.PreconditionFailedError
	if !errors.As(err, &pre) {
		t.Fatalf("second signature: %v", err)
	}
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil || got.Signature != "first" {
		t.Fatalf("signature = %q, want first", got.Signature)
	}
}

func TestCompletionNeverRollsBack(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	m, err := env.Engine.SaveMetrics(env.Ctx, task.ID, domain.TaskMetrics{CompletionPercentage: 60, TimeSpent: 0.5}, "tester")
	if err != nil || m.CompletionPercentage != 60 {
		t.Fatalf("save metrics: %v %+v", err, m)
	}
	// stale client reporting a lower value does not win
	m, err = env.Engine.SaveMetrics(env.Ctx, task.ID, domain.TaskMetrics{CompletionPercentage: 30, TimeSpent: 0.2}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if m.CompletionPercentage != 60 || m.TimeSpent != 0.5 {
		t.Fatalf("metrics rolled back: %+v", m)
	}
}

func TestLegacyResponseKeyFallback(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	// legacy records stored answers under the bare question id
	env.answer(t, task.ID, "", "q1", "full_compliance")
	m, err := env.Engine.ComputeMetrics(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Score.Achieved != 2 {
		t.Fatalf("legacy key not resolved, score = %+v", m.Score)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	// pending cannot jump straight to completed
	_, err := env.Engine.SaveAndSubmit(env.Ctx, task.ID, "sig-data", "tester")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("submit from pending: %v", err)
	}
}

func TestResponsesRequireInProgress(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)

	// pending: no responses yet
	_, err := env.Engine.RecordResponse(env.Ctx, task.ID, engine.ResponseInput{
		SectionID: "sec1", QuestionID: "q1", Value: domain.ChoiceResponse("yes"),
	}, "tester")
	var pre engine.PreconditionFailedError
	if !errors.As(err, &pre) || pre.Reason != engine.ReasonNotInProgress {
		t.Fatalf("record on pending: %v", err)
	}
	_, err = env.Engine.SaveProgress(env.Ctx, task.ID, []domain.ProgressEntry{{
		SectionID: "sec1", Status: domain.SectionStatusInProgress,
	}}, "tester")
	if !errors.As(err, &pre) || pre.Reason != engine.ReasonNotInProgress {
		t.Fatalf("progress on pending: %v", err)
	}

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Metrics.CompletionPercentage != 0 || len(got.Responses) != 0 {
		t.Fatalf("pending task mutated: completion=%d responses=%d",
			got.Metrics.CompletionPercentage, len(got.Responses))
	}

	// completed: the questionnaire is frozen
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.answer(t, task.ID, "sec1", "q1", "full_compliance")
	if _, err := env.Engine.SaveAndSubmit(env.Ctx, task.ID, "sig-data", "tester"); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RecordResponse(env.Ctx, task.ID, engine.ResponseInput{
		SectionID: "sec1", QuestionID: "q2", Value: domain.ChoiceResponse("no"),
	}, "tester")
	if !errors.As(err, &pre) || pre.Reason != engine.ReasonNotInProgress {
		t.Fatalf("record on completed: %v", err)
	}
}

func TestArchiveGateRecomputesCompletion(t *testing.T) {
	env := newTestEnv(t)
	// a large write threshold defers the stored completion update
	env.Engine.Config.Thresholds.CompletionDelta = 40
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	env.answer(t, task.ID, "sec1", "q1", "full_compliance")
	env.answer(t, task.ID, "sec1", "q2", "yes")
	env.answer(t, task.ID, "sec1", "q3", "all good")
	if _, err := env.Engine.SaveSignature(env.Ctx, task.ID, "sig-data", "tester"); err != nil {
		t.Fatal(err)
	}

	// the first and third answers fell under the threshold, so the row lags
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Metrics.CompletionPercentage >= 100 {
		t.Fatalf("stored completion = %d, expected a lagging value", stored.Metrics.CompletionPercentage)
	}

	// the gate recomputes from responses and lets the archive through
	task, err = env.Engine.ArchiveTask(env.Ctx, task.ID, "tester")
	if err != nil || task.Status != domain.TaskStatusArchived {
		t.Fatalf("archive: %v status=%s", err, task.Status)
	}
	if task.Metrics.CompletionPercentage != 100 {
		t.Fatalf("archived completion = %d, want 100", task.Metrics.CompletionPercentage)
	}
}
