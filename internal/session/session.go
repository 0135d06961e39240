package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"checkline/internal/config"
	"checkline/internal/domain"
	"checkline/internal/engine"
	"checkline/internal/responses"
	"checkline/internal/scoring"
	"checkline/internal/timetrack"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Options tune a session beyond the workspace config.
type Options struct {
	// OnElapsed receives the running elapsed time on every display tick.
	OnElapsed func(time.Duration)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Session is the working state of one open task. A single goroutine
// owns every field below; external calls are serialized through the
// command channel, so no mutation ever races a timer callback.
type Session struct {
	svc TaskService
	cfg *config.Config
	log *zap.Logger
	now func() time.Time

	task    domain.Task
	store   *responses.Store
	tracker *timetrack.Tracker
	sched   *Scheduler

	selection       string
	draftDirty      bool
	lastInteraction time.Time
	lastSaved       domain.TaskMetrics
	onElapsed       func(time.Duration)

	cmds chan func()
	quit chan struct{}
	done chan struct{}
}

func New(svc TaskService, cfg *config.Config, log *zap.Logger, opts Options) *Session {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		svc:       svc,
		cfg:       cfg,
		log:       log,
		now:       now,
		onElapsed: opts.OnElapsed,
		cmds:      make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Open fetches the task, seeds local state and starts the timers. The
// time tracker only starts for an unsigned in_progress task.
func (s *Session) Open(ctx context.Context, taskID string) error {
	t, err := s.svc.FetchTask(ctx, taskID)
	if err != nil {
		return err
	}
	s.task = t
	s.store = storeFromSnapshot(t.Responses)
	s.tracker = timetrack.New(hoursToDuration(t.Metrics.TimeSpent))
	s.tracker.Now = s.now
	s.tracker.Start(t.Status, t.Signed())
	s.lastSaved = t.Metrics

	go s.loop()

	s.sched = NewScheduler(s.cfg, Hooks{
		OnDisplayTick: func(time.Time) { s.post(s.displayTick) },
		OnCheckpoint:  func(time.Time) { s.post(func() { s.checkpoint(context.Background(), false) }) },
		OnPoll:        func(time.Time) { s.post(func() { s.reconcile(context.Background()) }) },
	}, s.log)
	s.sched.Start()
	s.log.Info("session opened",
		zap.String("task_id", t.ID),
		zap.String("status", string(t.Status)),
		zap.Int("completion", t.Metrics.CompletionPercentage))
	return nil
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

// do runs fn on the session goroutine and waits for it.
func (s *Session) do(fn func()) error {
	ack := make(chan struct{})
	select {
	case <-s.quit:
		return ErrClosed
	case s.cmds <- func() { fn(); close(ack) }:
	}
	<-ack
	return nil
}

// post queues fn without waiting and drops it if the loop is busy.
// Timer ticks are periodic, so a dropped one costs nothing.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.quit:
	default:
	}
}

// Close flushes a final checkpoint, stops the timers and ends the loop.
func (s *Session) Close(ctx context.Context) error {
	if s.tracker == nil {
		return ErrClosed
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	err := s.do(func() {
		s.tracker.Pause()
		s.checkpoint(ctx, true)
	})
	if err != nil {
		return err
	}
	close(s.quit)
	<-s.done
	s.log.Info("session closed", zap.String("task_id", s.task.ID))
	return nil
}

// Task returns the current local copy of the task.
func (s *Session) Task() domain.Task {
	var t domain.Task
	s.do(func() { t = s.task })
	return t
}

// Elapsed returns the tracked time including the running segment.
func (s *Session) Elapsed() time.Duration {
	var d time.Duration
	s.do(func() { d = s.tracker.Elapsed() })
	return d
}

// Select records which section the operator is looking at; reconcile
// restores it so a background refresh never yanks the view elsewhere.
func (s *Session) Select(sectionID string) {
	s.do(func() { s.selection = sectionID })
}

func (s *Session) Selection() string {
	var sel string
	s.do(func() { sel = s.selection })
	return sel
}

// SetDraft flags an in-flight unsaved edit. While set, reconciliation
// is suspended so the refresh cannot clobber the operator's typing.
func (s *Session) SetDraft(dirty bool) {
	s.do(func() { s.draftDirty = dirty })
}

// Suspend pauses time tracking while the task is out of view (window
// hidden, app backgrounded). Accumulated time is kept.
func (s *Session) Suspend() error {
	return s.do(func() { s.tracker.Pause() })
}

// Resume restarts time tracking after a Suspend. It is a no-op unless
// the task is still in_progress and unsigned; a permanently stopped
// tracker stays stopped.
func (s *Session) Resume() error {
	return s.do(func() { s.tracker.Start(s.task.Status, s.task.Signed()) })
}

// Answer stores one response locally and persists it immediately.
func (s *Session) Answer(ctx context.Context, sectionID, questionID string, v domain.Response) error {
	var err error
	doErr := s.do(func() {
		s.lastInteraction = s.now()
		err = s.svc.PersistQuestionnaire(ctx, s.task.ID, []engine.ResponseInput{{
			SectionID:  sectionID,
			QuestionID: questionID,
			Value:      v,
		}})
		if err != nil {
			return
		}
		s.store.Set(sectionID, questionID, v)
		s.task.Responses = s.store.Snapshot()
		s.refreshLocalCompletion()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// SaveProgress persists section progress entries.
func (s *Session) SaveProgress(ctx context.Context, entries []domain.ProgressEntry) error {
	var err error
	doErr := s.do(func() {
		s.lastInteraction = s.now()
		err = s.svc.PersistProgress(ctx, s.task.ID, entries)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Sign persists the signature and permanently stops time tracking.
// The task status does not change.
func (s *Session) Sign(ctx context.Context, signature string) error {
	var err error
	doErr := s.do(func() {
		err = s.svc.PersistSignature(ctx, s.task.ID, signature)
		if err != nil {
			return
		}
		s.task.Signature = signature
		s.tracker.StopPermanently()
		s.checkpoint(ctx, true)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Submit finalizes the task with the operator's attestation. The
// signature is required unless the task was signed earlier; tracking
// stops for good and the accumulated time is flushed.
func (s *Session) Submit(ctx context.Context, signature string) error {
	var err error
	doErr := s.do(func() {
		var t domain.Task
		t, err = s.svc.SubmitTask(ctx, s.task.ID, signature)
		if err != nil {
			return
		}
		s.task = t
		s.tracker.StopPermanently()
		s.checkpoint(ctx, true)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Archive archives the task and permanently stops the session timers.
func (s *Session) Archive(ctx context.Context) error {
	var err error
	doErr := s.do(func() {
		var t domain.Task
		t, err = s.svc.ArchiveTask(ctx, s.task.ID)
		if err != nil {
			return
		}
		s.task = t
		s.tracker.StopPermanently()
	})
	if doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) displayTick() {
	if s.onElapsed != nil {
		s.onElapsed(s.tracker.Elapsed())
	}
}

// checkpoint pushes accumulated time and completion to the service when
// either moved meaningfully since the last successful write. Failures
// are logged and retried on the next checkpoint. force skips the delta
// gate: the final flush on sign, submit and close must not drop a tail
// below the thresholds, because no later write ever happens.
func (s *Session) checkpoint(ctx context.Context, force bool) {
	m := domain.TaskMetrics{
		TimeSpent:            s.tracker.Hours(),
		CompletionPercentage: s.task.Metrics.CompletionPercentage,
	}
	completionDelta := m.CompletionPercentage - s.lastSaved.CompletionPercentage
	timeDelta := m.TimeSpent - s.lastSaved.TimeSpent
	if !force && completionDelta < s.cfg.CompletionDelta() && timeDelta < s.cfg.TimeDeltaHours() {
		return
	}
	saved, err := s.svc.PersistMetrics(ctx, s.task.ID, m)
	if err != nil {
		s.log.Warn("checkpoint failed",
			zap.String("task_id", s.task.ID),
			zap.Error(err))
		return
	}
	s.lastSaved = saved
	s.task.Metrics = saved
	s.log.Debug("checkpoint saved",
		zap.String("task_id", s.task.ID),
		zap.Int("completion", saved.CompletionPercentage),
		zap.Float64("hours", saved.TimeSpent))
}

// reconcile pulls fresh server state and merges it into the local copy.
// It is skipped while the operator has an unsaved draft or interacted
// within the interaction window.
func (s *Session) reconcile(ctx context.Context) {
	if s.draftDirty {
		return
	}
	if s.now().Sub(s.lastInteraction) < s.cfg.InteractionWindow() {
		return
	}
	fresh, err := s.svc.FetchTask(ctx, s.task.ID)
	if err != nil {
		s.log.Warn("reconcile fetch failed",
			zap.String("task_id", s.task.ID),
			zap.Error(err))
		return
	}
	selection := s.selection

	// server answers fill local gaps; local answers always win
	for key, v := range fresh.Responses {
		if !s.store.HasKey(key) {
			s.store.SetKey(key, v)
		}
	}
	s.task.Responses = s.store.Snapshot()
	s.task.Status = fresh.Status
	if fresh.Signature != "" {
		s.task.Signature = fresh.Signature
	}
	s.task.Progress = fresh.Progress
	s.task.Metrics.CompletionPercentage = scoring.AuthoritativeCompletion(
		fresh.Metrics.CompletionPercentage, s.task.Metrics.CompletionPercentage)
	if fresh.Metrics.TimeSpent > s.tracker.Hours() {
		s.tracker = resumeTracker(fresh.Metrics.TimeSpent, s.tracker, fresh)
	}
	s.refreshLocalCompletion()

	if s.task.Status == domain.TaskStatusArchived || s.task.Signed() {
		s.tracker.StopPermanently()
	}

	// The fetch showed what the server has stored; rebase the write
	// baseline on it, then push the recomputed values when they beat it
	// meaningfully instead of waiting for the next checkpoint tick.
	if fresh.Metrics.CompletionPercentage > s.lastSaved.CompletionPercentage {
		s.lastSaved.CompletionPercentage = fresh.Metrics.CompletionPercentage
	}
	if fresh.Metrics.TimeSpent > s.lastSaved.TimeSpent {
		s.lastSaved.TimeSpent = fresh.Metrics.TimeSpent
	}
	s.checkpoint(ctx, false)

	s.selection = selection
	s.log.Debug("reconciled",
		zap.String("task_id", s.task.ID),
		zap.String("status", string(s.task.Status)),
		zap.Int("completion", s.task.Metrics.CompletionPercentage))
}

func (s *Session) refreshLocalCompletion() {
	if s.task.Template == nil {
		return
	}
	local := scoring.Completion(s.task.Template, s.task.PreInspection, s.store)
	s.task.Metrics.CompletionPercentage = scoring.AuthoritativeCompletion(
		s.task.Metrics.CompletionPercentage, local)
}

// resumeTracker rebases the tracker on a larger server-side total while
// keeping the current running state.
func resumeTracker(serverHours float64, old *timetrack.Tracker, t domain.Task) *timetrack.Tracker {
	nt := timetrack.New(hoursToDuration(serverHours))
	nt.Now = old.Now
	if old.State() == timetrack.StateRunning {
		nt.Start(t.Status, t.Signed())
	}
	if old.State() == timetrack.StateStopped {
		nt.StopPermanently()
	}
	return nt
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// storeFromSnapshot rebuilds an ordered store from a task's response
// map. Map order is not stable, so keys are sorted for a deterministic
// legacy-fallback scan.
func storeFromSnapshot(snapshot map[string]domain.Response) *responses.Store {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	items := make([]responses.Item, 0, len(keys))
	for _, k := range keys {
		items = append(items, responses.Item{Key: k, Value: snapshot[k]})
	}
	return responses.Load(items)
}
