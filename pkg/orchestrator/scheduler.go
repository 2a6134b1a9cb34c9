package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// abandonTimeout bounds the wait for abandoned executions to release their slots.
const abandonTimeout = 10 * time.Second

// SchedulerConfig configures the dispatch loop.
type SchedulerConfig struct {
	// InstanceID identifies this scheduler in claims.
	InstanceID string

	// MaxParallel is the maximum number of concurrent executions.
	MaxParallel int

	// PollInterval bounds the time between dispatch attempts without wakeups.
	PollInterval time.Duration

	// ReapInterval is how often stale claims and pending cancellations are swept.
	ReapInterval time.Duration

	// LivenessThreshold is how long a claimed run may go without a heartbeat.
	LivenessThreshold time.Duration

	// ShutdownGrace is how long Run waits for in-flight executions after ctx ends.
	// Executions still running then are abandoned: their engines are stopped and
	// their runs are left for the stale-claim reaper.
	ShutdownGrace time.Duration
}

// Validate checks the scheduler configuration.
func (c SchedulerConfig) Validate(heartbeat time.Duration) error {
	if c.InstanceID == "" {
		return fmt.Errorf("scheduler instance id is required")
	}
	if c.LivenessThreshold <= 2*heartbeat {
		return fmt.Errorf("liveness threshold %s must exceed twice the heartbeat interval %s", c.LivenessThreshold, heartbeat)
	}
	return nil
}

// Scheduler is the single logical owner of which queued run executes next.
// Several schedulers may share a store; claims are arbitrated by the store's atomic guard.
type Scheduler struct {
	cfg     SchedulerConfig
	machine *Machine
	worker  *Worker
	wakeups WakeupSource
	metrics Metrics
	logger  zerolog.Logger
	now     func() time.Time

	// slots bounds concurrent executions
	slots chan struct{}

	// kick is signalled when an execution finishes so a freed slot is refilled immediately
	kick chan struct{}

	wg     sync.WaitGroup
	active atomic.Int64
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithWakeupSource makes the scheduler dispatch on hints in addition to polling.
func WithWakeupSource(src WakeupSource) SchedulerOption {
	return func(s *Scheduler) { s.wakeups = src }
}

// WithSchedulerMetrics sets the metrics sink.
func WithSchedulerMetrics(m Metrics) SchedulerOption {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the clock used for liveness decisions.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig, machine *Machine, worker *Worker, logger zerolog.Logger, opts ...SchedulerOption) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 15 * time.Second
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	s := &Scheduler{
		cfg:     cfg,
		machine: machine,
		worker:  worker,
		metrics: noopMetrics{},
		logger:  logger.With().Str("component", "scheduler").Str("instance", cfg.InstanceID).Logger(),
		now:     time.Now,
		slots:   make(chan struct{}, cfg.MaxParallel),
		kick:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run dispatches until ctx is cancelled, then waits for in-flight executions.
func (s *Scheduler) Run(ctx context.Context) error {
	var wake <-chan DispatchSignal
	if s.wakeups != nil {
		ch, err := s.wakeups.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("failed to subscribe to dispatch wakeups: %w", err)
		}
		wake = ch
	}

	// Executions outlive ctx so that shutdown can drain them gracefully.
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelExec()

	s.logger.Info().
		Int("max_parallel", s.cfg.MaxParallel).
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("liveness_threshold", s.cfg.LivenessThreshold).
		Msg("Scheduler started")

	poll := time.NewTicker(s.cfg.PollInterval)
	defer poll.Stop()
	reap := time.NewTicker(s.cfg.ReapInterval)
	defer reap.Stop()

	s.reapOnce(ctx)
	s.dispatch(ctx, execCtx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(cancelExec)
			return nil
		case <-poll.C:
			s.dispatch(ctx, execCtx)
		case <-s.kick:
			s.dispatch(ctx, execCtx)
		case sig, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			s.logger.Debug().Str("run_id", sig.RunID).Str("reason", sig.Reason).Msg("Dispatch wakeup")
			s.dispatch(ctx, execCtx)
		case <-reap.C:
			s.reapOnce(ctx)
		}
	}
}

func (s *Scheduler) shutdown(cancelExec context.CancelFunc) {
	s.logger.Info().Int64("in_flight", s.active.Load()).Msg("Scheduler stopping")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownGrace):
	}

	s.logger.Warn().Int64("in_flight", s.active.Load()).Msg("Shutdown grace elapsed, abandoning in-flight executions")
	cancelExec()
	select {
	case <-done:
	case <-time.After(abandonTimeout):
		s.logger.Error().Int64("in_flight", s.active.Load()).Msg("Abandoned executions did not stop, exiting without them")
	}
}

// dispatch claims runs until no slot is free or nothing is claimable.
func (s *Scheduler) dispatch(ctx context.Context, execCtx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case s.slots <- struct{}{}:
		default:
			return
		}

		run, err := s.machine.Claim(ctx, s.cfg.InstanceID)
		if err != nil {
			<-s.slots
			s.metrics.RecordClaim("error")
			if ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("Failed to claim run")
			}
			return
		}
		if run == nil {
			<-s.slots
			return
		}

		s.metrics.RecordClaim("claimed")
		s.metrics.SetActiveExecutions(int(s.active.Add(1)))
		s.wg.Add(1)
		go s.execute(execCtx, run)
	}
}

func (s *Scheduler) execute(ctx context.Context, run *Run) {
	defer func() {
		s.metrics.SetActiveExecutions(int(s.active.Add(-1)))
		<-s.slots
		s.wg.Done()
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}()

	if err := s.worker.Execute(ctx, run); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Run execution ended without recording an outcome")
	}
}

func (s *Scheduler) reapOnce(ctx context.Context) {
	if err := s.Reap(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Reaper pass failed")
	}
}

// Reap requeues stale claims once, fails them with WorkerLost the second time,
// and completes cancellations of runs that no worker holds.
func (s *Scheduler) Reap(ctx context.Context) error {
	store := s.machine.Store()

	cutoff := s.now().Add(-s.cfg.LivenessThreshold)
	stale, err := store.ListStale(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list stale runs: %w", err)
	}

	for _, run := range stale {
		req := TransitionRequest{RunID: run.ID, From: run.State, Actor: s.cfg.InstanceID}
		action := "requeued"
		if run.RequeueCount == 0 {
			req.To = StateQueued
			req.Reason = fmt.Sprintf("stale claim by %s requeued", run.ClaimedBy)
		} else {
			action = "worker_lost"
			req.To = StateFailed
			req.Failure = &Failure{
				Kind:    KindWorkerLost,
				Message: fmt.Sprintf("claim by %s lost liveness after a requeue", run.ClaimedBy),
			}
			req.Reason = string(KindWorkerLost)
		}

		if _, err := s.machine.Transition(ctx, req); err != nil {
			if IsInvalidState(err) {
				continue
			}
			return err
		}
		s.metrics.RecordStaleClaim(action)
		s.logger.Warn().
			Str("run_id", run.ID).
			Str("scope", run.Scope).
			Str("claimed_by", run.ClaimedBy).
			Str("action", action).
			Msg("Stale claim detected")
	}

	for _, state := range []RunState{StateQueued, StateAwaitingApproval} {
		pending, err := store.ListCancelRequested(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to list pending cancellations: %w", err)
		}
		for _, run := range pending {
			_, err := s.machine.Transition(ctx, TransitionRequest{
				RunID:   run.ID,
				From:    state,
				To:      StateCancelled,
				Failure: &Failure{Kind: KindCancelled, Message: "cancelled before execution"},
				Reason:  "cancelled",
				Actor:   s.cfg.InstanceID,
			})
			if err != nil && !IsInvalidState(err) {
				return err
			}
		}
	}
	return nil
}

// ActiveExecutions returns the number of executions currently running.
func (s *Scheduler) ActiveExecutions() int {
	return int(s.active.Load())
}
