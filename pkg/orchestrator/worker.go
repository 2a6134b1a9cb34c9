package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/netintent/netintent/pkg/orchestrator"

// WorkerConfig configures run execution.
type WorkerConfig struct {
	// ID identifies the claiming scheduler instance.
	ID string

	// HeartbeatInterval is how often a claimed run refreshes its liveness and checks for cancellation.
	HeartbeatInterval time.Duration

	// EventBatchSize is the number of events buffered before they are appended to the run store.
	EventBatchSize int

	// EventFlushInterval bounds how long events stay buffered.
	EventFlushInterval time.Duration
}

// Metrics receives scheduler and worker measurements.
type Metrics interface {
	RecordClaim(result string)
	RecordStaleClaim(action string)
	SetActiveExecutions(n int)
	RecordExecution(phase Phase, status ExitStatus, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordClaim(string)                                {}
func (noopMetrics) RecordStaleClaim(string)                           {}
func (noopMetrics) SetActiveExecutions(int)                           {}
func (noopMetrics) RecordExecution(Phase, ExitStatus, time.Duration) {}

// Worker executes one claimed run phase at a time.
type Worker struct {
	cfg       WorkerConfig
	machine   *Machine
	artifacts ArtifactStore
	engine    EngineAdapter
	metrics   Metrics
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// NewWorker creates a worker. metrics may be nil.
func NewWorker(cfg WorkerConfig, machine *Machine, artifacts ArtifactStore, engine EngineAdapter, metrics Metrics, logger zerolog.Logger) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.EventBatchSize <= 0 {
		cfg.EventBatchSize = 64
	}
	if cfg.EventFlushInterval <= 0 {
		cfg.EventFlushInterval = 500 * time.Millisecond
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Worker{
		cfg:       cfg,
		machine:   machine,
		artifacts: artifacts,
		engine:    engine,
		metrics:   metrics,
		logger:    logger.With().Str("component", "worker").Str("worker", cfg.ID).Logger(),
		tracer:    otel.Tracer(tracerName),
	}
}

// Execute runs the phase matching the claimed run's state and records its outcome.
// It returns the context error when ctx ends before the outcome could be recorded;
// the run is then left to the stale-claim reaper.
func (w *Worker) Execute(ctx context.Context, run *Run) error {
	phase, engineMode, ok := PhaseForState(run.State)
	if !ok {
		return fmt.Errorf("run %s is not executable in state %s", run.ID, run.State)
	}

	ctx, span := w.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.scope", run.Scope),
		attribute.String("run.phase", string(phase)),
	))
	defer span.End()

	log := w.logger.With().
		Str("run_id", run.ID).
		Str("scope", run.Scope).
		Str("phase", string(phase)).
		Logger()
	log.Info().Str("engine_mode", string(engineMode)).Msg("Executing run")

	snapshot, err := w.loadSnapshot(ctx, run)
	if err != nil {
		return w.finish(ctx, run, phase, nil, NewInternalError("failed to load intent snapshot", err), log)
	}

	cancelCh := make(chan struct{})
	var cancelOnce sync.Once
	cancel := func() { cancelOnce.Do(func() { close(cancelCh) }) }
	if run.CancelRequested {
		cancel()
	}

	var claimLost atomic.Bool
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, run, cancel, &claimLost, log)

	// owns is checked before anything of this attempt is persisted. A requeued
	// run may have been claimed again before the next heartbeat notices.
	owns := func() bool {
		if claimLost.Load() {
			return false
		}
		ok, err := w.ownsClaim(context.WithoutCancel(ctx), run)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to verify claim")
			return true
		}
		if !ok {
			claimLost.Store(true)
			cancel()
		}
		return ok
	}

	execution, err := w.engine.Execute(ctx, ExecutionRequest{
		RunID:       run.ID,
		Phase:       phase,
		Scope:       run.Scope,
		TemplateSet: run.TemplateSet,
		Tags:        run.Tags,
		Mode:        engineMode,
		Snapshot:    snapshot,
		Cancel:      cancelCh,
	})
	if err != nil {
		stopHeartbeat()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.SetStatus(codes.Error, err.Error())
		return w.finish(ctx, run, phase, nil, NewInternalError("failed to start engine", err), log)
	}

	// A requeued attempt continues the sequence of the phase it repeats.
	base, err := w.machine.Store().LastEventSeq(ctx, run.ID, phase)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read last event sequence")
	}

	transcript, count, drainErr := w.drain(ctx, run, phase, base, execution, owns, log)
	if transcript != nil {
		defer func() {
			transcript.Close()
			os.Remove(transcript.Name())
		}()
	}
	result, waitErr := execution.Wait()
	stopHeartbeat()
	if result != nil && result.RenderedArchive != "" {
		defer os.Remove(result.RenderedArchive)
	}

	if ctx.Err() != nil {
		log.Warn().Msg("Execution interrupted by shutdown, leaving run for recovery")
		return ctx.Err()
	}
	if !owns() {
		log.Warn().Msg("Claim lost during execution, discarding outcome")
		return ErrClaimLost
	}

	var failure error
	switch {
	case drainErr != nil:
		failure = NewInternalError("failed to record engine transcript", drainErr)
	case waitErr != nil:
		failure = NewInternalError("engine execution failed", waitErr)
	}

	if result != nil {
		w.metrics.RecordExecution(phase, result.Status, result.FinishedAt.Sub(result.StartedAt))
		span.SetAttributes(attribute.String("engine.status", string(result.Status)), attribute.Int("engine.exit_code", result.ExitCode))
	}

	outcome := classify(result, failure)
	if err := w.writeArtifacts(ctx, run, phase, engineMode, transcript, count, result, outcome, log); err != nil && outcome == nil {
		outcome = NewInternalError("failed to persist artifacts", err)
	}
	if outcome != nil {
		span.SetStatus(codes.Error, outcome.Error())
	}

	return w.finish(ctx, run, phase, result, outcome, log)
}

// classify maps an execution result to the error recorded on the run, or nil on success.
func classify(result *ExecutionResult, failure error) error {
	if failure != nil {
		return failure
	}
	if result == nil {
		return NewInternalError("engine returned no result", nil)
	}
	switch result.Status {
	case ExitSucceeded:
		return nil
	case ExitCancelled:
		return NewCancelledError("cancellation observed during execution")
	case ExitTimedOut:
		return NewTimedOutError("engine exceeded its wall-clock budget")
	default:
		return NewEngineFailureError(result.ExitCode)
	}
}

func (w *Worker) finish(ctx context.Context, run *Run, phase Phase, result *ExecutionResult, outcome error, log zerolog.Logger) error {
	req := TransitionRequest{
		RunID:     run.ID,
		From:      run.State,
		ClaimedBy: w.cfg.ID,
	}
	if result != nil {
		code := result.ExitCode
		req.ExitCode = &code
	}

	switch {
	case outcome == nil && phase == PhasePlan:
		req.To = StateAwaitingApproval
		req.Reason = "plan succeeded"
	case outcome == nil:
		req.To = StateApplied
		req.Reason = "apply succeeded"
	case KindOf(outcome) == KindCancelled:
		req.To = StateCancelled
		req.Failure = FailureFromError(outcome)
		req.Reason = "cancelled"
	default:
		req.To = StateFailed
		req.Failure = FailureFromError(outcome)
		req.Reason = string(req.Failure.Kind)
	}

	updated, err := w.machine.Transition(ctx, req)
	if err != nil {
		if IsInvalidState(err) {
			log.Warn().Err(err).Msg("Run changed state during execution, outcome discarded")
			return nil
		}
		return fmt.Errorf("failed to record outcome of run %s: %w", run.ID, err)
	}

	ev := log.Info()
	if outcome != nil {
		ev = log.Warn().Str("kind", string(KindOf(outcome))).Err(outcome)
	}
	ev.Str("state", string(updated.State)).Msg("Run phase finished")
	return nil
}

func (w *Worker) loadSnapshot(ctx context.Context, run *Run) (*IntentSnapshot, error) {
	rc, _, err := w.artifacts.Open(ctx, run.ID, PhaseSubmit, ArtifactIntentSnapshot)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var snapshot IntentSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode intent snapshot: %w", err)
	}
	return &snapshot, nil
}

// ownsClaim reports whether run is still executing under this worker's claim.
// A run that was requeued and claimed again carries a higher requeue count.
func (w *Worker) ownsClaim(ctx context.Context, run *Run) (bool, error) {
	current, err := w.machine.Store().GetRun(ctx, run.ID)
	if err != nil {
		return false, err
	}
	return current.State == run.State &&
		current.ClaimedBy == w.cfg.ID &&
		current.RequeueCount == run.RequeueCount, nil
}

func (w *Worker) heartbeat(ctx context.Context, run *Run, cancel func(), lost *atomic.Bool, log zerolog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.machine.Store().Heartbeat(ctx, run.ID, w.cfg.ID)
			if errors.Is(err, ErrClaimLost) {
				lost.Store(true)
				cancel()
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("Heartbeat failed")
				}
				continue
			}
			if requested {
				log.Info().Msg("Cancellation requested")
				cancel()
			}
		}
	}
}

// drain consumes the execution's events, appending them to the run store in batches
// and spooling them into a transcript file.
func (w *Worker) drain(ctx context.Context, run *Run, phase Phase, base int64, execution Execution, owns func() bool, log zerolog.Logger) (*os.File, int64, error) {
	transcript, err := os.CreateTemp("", "netintent-transcript-*")
	if err != nil {
		// Keep draining so the engine never blocks on a full channel.
		for range execution.Events() {
		}
		return nil, 0, fmt.Errorf("failed to create transcript spool: %w", err)
	}
	out := bufio.NewWriter(transcript)

	batch := make([]ExecutionEvent, 0, w.cfg.EventBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if !owns() {
			log.Warn().Int("events", len(batch)).Msg("Claim lost, dropping execution events")
			batch = make([]ExecutionEvent, 0, w.cfg.EventBatchSize)
			return
		}
		if err := w.machine.RecordEvents(context.WithoutCancel(ctx), batch); err != nil {
			log.Error().Err(err).Int("events", len(batch)).Msg("Failed to append execution events")
		}
		batch = make([]ExecutionEvent, 0, w.cfg.EventBatchSize)
	}

	ticker := time.NewTicker(w.cfg.EventFlushInterval)
	defer ticker.Stop()

	var count int64
	var writeErr error
	events := execution.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				flush()
				if err := out.Flush(); err != nil && writeErr == nil {
					writeErr = err
				}
				return transcript, count, writeErr
			}
			ev.RunID = run.ID
			ev.Phase = phase
			ev.Seq += base
			count++
			if _, err := out.WriteString(FormatTranscriptLine(ev)); err != nil && writeErr == nil {
				writeErr = err
			}
			batch = append(batch, ev)
			if len(batch) >= w.cfg.EventBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// FormatTranscriptLine renders one event as a transcript line.
func FormatTranscriptLine(ev ExecutionEvent) string {
	return fmt.Sprintf("%s %06d %-6s | %s\n", ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.Seq, ev.Stream, ev.Payload)
}

func (w *Worker) writeArtifacts(
	ctx context.Context,
	run *Run,
	phase Phase,
	mode EngineMode,
	transcript *os.File,
	count int64,
	result *ExecutionResult,
	outcome error,
	log zerolog.Logger,
) error {
	// Artifacts are written even if ctx is cancelled after the engine exited.
	ctx = context.WithoutCancel(ctx)
	var errs []error

	if transcript != nil {
		if _, err := transcript.Seek(0, io.SeekStart); err != nil {
			errs = append(errs, fmt.Errorf("failed to rewind transcript: %w", err))
		} else if err := w.put(ctx, run, phase, ArtifactEngineTranscript, transcript, log); err != nil {
			errs = append(errs, err)
		}
	}

	if result != nil && result.RenderedArchive != "" {
		if err := w.putFile(ctx, run, phase, ArtifactRenderedOutput, result.RenderedArchive, log); err != nil {
			errs = append(errs, err)
		}
	}

	report, err := BuildReport(run, phase, mode, result, count, FailureFromError(outcome)).Encode()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to encode report: %w", err))
	} else if err := w.put(ctx, run, phase, ArtifactReport, bytes.NewReader(report), log); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (w *Worker) putFile(ctx context.Context, run *Run, phase Phase, name ArtifactName, path string, log zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s spool: %w", name, err)
	}
	defer f.Close()
	return w.put(ctx, run, phase, name, f, log)
}

func (w *Worker) put(ctx context.Context, run *Run, phase Phase, name ArtifactName, r io.Reader, log zerolog.Logger) error {
	_, err := w.artifacts.Put(ctx, run.ID, phase, name, r)
	if errors.Is(err, ErrArtifactExists) {
		// A previous attempt of a requeued run already produced this artifact.
		log.Warn().Str("artifact", string(name)).Msg("Artifact already written by an earlier attempt, keeping it")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", name, err)
	}
	return nil
}
