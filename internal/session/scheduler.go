package session

import (
	"time"

	"go.uber.org/zap"

	"checkline/internal/config"
)

// tickerFactory yields a tick channel and its stop function. Tests swap
// it for hand-driven channels.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Hooks are the scheduler's outbound edges. Nil hooks are skipped.
type Hooks struct {
	// OnDisplayTick fires every display interval while running; drives
	// the visible elapsed-time readout.
	OnDisplayTick func(time.Time)
	// OnCheckpoint fires on the checkpoint interval; persists accumulated
	// time and completion.
	OnCheckpoint func(time.Time)
	// OnPoll fires on the reconcile interval; pulls fresh server state.
	OnPoll func(time.Time)
}

// Scheduler owns the three periodic cadences of an open task session.
// All timer lifecycles live here; nothing else in the session starts a
// ticker.
type Scheduler struct {
	cfg       *config.Config
	hooks     Hooks
	log       *zap.Logger
	newTicker tickerFactory

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(cfg *config.Config, hooks Hooks, log *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cfg:       cfg,
		hooks:     hooks,
		log:       log,
		newTicker: realTicker,
	}
}

// Start launches the single timer goroutine. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	displayC, stopDisplay := s.newTicker(s.cfg.DisplayTick())
	checkpointC, stopCheckpoint := s.newTicker(s.cfg.TimeCheckpoint())
	pollC, stopPoll := s.newTicker(s.cfg.ReconcilePoll())

	s.log.Debug("scheduler started",
		zap.Duration("display_tick", s.cfg.DisplayTick()),
		zap.Duration("checkpoint", s.cfg.TimeCheckpoint()),
		zap.Duration("poll", s.cfg.ReconcilePoll()))

	go func() {
		defer close(s.done)
		defer stopDisplay()
		defer stopCheckpoint()
		defer stopPoll()
		for {
			select {
			case <-s.stop:
				return
			case t := <-displayC:
				if s.hooks.OnDisplayTick != nil {
					s.hooks.OnDisplayTick(t)
				}
			case t := <-checkpointC:
				if s.hooks.OnCheckpoint != nil {
					s.hooks.OnCheckpoint(t)
				}
			case t := <-pollC:
				if s.hooks.OnPoll != nil {
					s.hooks.OnPoll(t)
				}
			}
		}
	}()
}

// Stop halts all three tickers and waits for the timer goroutine to
// exit. Safe to call more than once.
func (s *Scheduler) Stop() {
	if s.stop == nil {
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	s.stop = nil
	s.done = nil
	s.log.Debug("scheduler stopped")
}
