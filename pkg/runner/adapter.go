package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/netintent/netintent/pkg/runner"

	// maxLineSize bounds a single engine output line.
	maxLineSize = 10 * 1024 * 1024

	eventBuffer = 256
)

// Config configures the adapter.
type Config struct {
	// WorkRoot holds per-phase workspaces.
	WorkRoot string

	// Command is the engine argv before the generated arguments. It may be
	// empty for container runtimes whose image sets an entrypoint.
	Command []string

	// Timeout is the wall-clock budget of one execution. Zero disables it.
	Timeout time.Duration

	// KeepWorkspace leaves workspaces on disk after the engine exited.
	KeepWorkspace bool
}

// Adapter implements orchestrator.EngineAdapter on top of a Runtime.
type Adapter struct {
	cfg     Config
	runtime Runtime
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewAdapter creates an adapter.
func NewAdapter(cfg Config, rt Runtime, logger zerolog.Logger) (*Adapter, error) {
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	if _, ok := rt.(*ProcessRuntime); ok && len(cfg.Command) == 0 {
		return nil, fmt.Errorf("engine command is required for the process runtime")
	}
	return &Adapter{
		cfg:     cfg,
		runtime: rt,
		logger:  logger.With().Str("component", "runner").Str("runtime", rt.Name()).Logger(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}, nil
}

// Execute prepares the workspace and starts the engine.
func (a *Adapter) Execute(ctx context.Context, req orchestrator.ExecutionRequest) (orchestrator.Execution, error) {
	switch req.Mode {
	case orchestrator.EngineModeCheck, orchestrator.EngineModeMutate:
	default:
		return nil, orchestrator.NewValidationError(fmt.Sprintf("unknown engine mode %q", req.Mode), nil)
	}
	if req.RunID == "" {
		return nil, orchestrator.NewValidationError("run id is required", nil)
	}

	ws, err := PrepareWorkspace(a.cfg.WorkRoot, req)
	if err != nil {
		return nil, err
	}

	root := a.runtime.MountPoint(ws.Dir)
	command := make([]string, 0, len(a.cfg.Command)+16)
	command = append(command, a.cfg.Command...)
	command = append(command, EngineArgs(root, req)...)

	inv := Invocation{
		Name:      fmt.Sprintf("netintent-%s-%s", req.RunID, req.Phase),
		Command:   command,
		Env:       EngineEnv(root, req),
		Workspace: ws,
	}

	_, span := a.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("run.phase", string(req.Phase)),
		attribute.String("engine.mode", string(req.Mode)),
		attribute.String("engine.runtime", a.runtime.Name()),
	))

	log := a.logger.With().Str("run_id", req.RunID).Str("phase", string(req.Phase)).Logger()

	startedAt := a.now()
	proc, err := a.runtime.Start(ctx, inv)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		if !a.cfg.KeepWorkspace {
			ws.Remove()
		}
		return nil, err
	}
	log.Debug().Strs("command", command).Msg("Engine started")

	e := &execution{
		adapter:   a,
		ctx:       ctx,
		req:       req,
		ws:        ws,
		proc:      proc,
		span:      span,
		log:       log,
		startedAt: startedAt,
		events:    make(chan orchestrator.ExecutionEvent, eventBuffer),
		done:      make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// execution is one running engine process.
type execution struct {
	adapter   *Adapter
	ctx       context.Context
	req       orchestrator.ExecutionRequest
	ws        *Workspace
	proc      Process
	span      trace.Span
	log       zerolog.Logger
	startedAt time.Time

	mu     sync.Mutex
	seq    int64
	events chan orchestrator.ExecutionEvent

	done   chan struct{}
	result *orchestrator.ExecutionResult
	err    error
}

func (e *execution) Events() <-chan orchestrator.ExecutionEvent { return e.events }

func (e *execution) Wait() (*orchestrator.ExecutionResult, error) {
	<-e.done
	return e.result, e.err
}

// emit numbers an event and sends it. Sending under the lock keeps channel
// order equal to sequence order.
func (e *execution) emit(stream, payload string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.events <- orchestrator.ExecutionEvent{
		RunID:     e.req.RunID,
		Phase:     e.req.Phase,
		Seq:       e.seq,
		Timestamp: e.adapter.now().UTC(),
		Stream:    stream,
		Payload:   payload,
	}
}

func (e *execution) run() {
	defer close(e.done)
	defer e.span.End()

	var cancelled, timedOut, abandoned atomic.Bool
	stop := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		var timeout <-chan time.Time
		if e.adapter.cfg.Timeout > 0 {
			timer := time.NewTimer(e.adapter.cfg.Timeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case <-e.req.Cancel:
			cancelled.Store(true)
			e.log.Info().Msg("Cancelling engine")
		case <-timeout:
			timedOut.Store(true)
			e.log.Warn().Dur("timeout", e.adapter.cfg.Timeout).Msg("Engine exceeded its timeout")
		case <-e.ctx.Done():
			// The caller stopped waiting; the run is left to recovery.
			abandoned.Store(true)
			e.log.Warn().Msg("Execution abandoned, stopping engine")
		case <-stop:
			return
		}
		if err := e.proc.Kill(); err != nil {
			e.log.Error().Err(err).Msg("Failed to kill engine")
		}
	}()

	var wg sync.WaitGroup
	for _, s := range []struct {
		name string
		r    io.Reader
	}{
		{orchestrator.StreamStdout, e.proc.Stdout()},
		{orchestrator.StreamStderr, e.proc.Stderr()},
	} {
		if s.r == nil {
			continue
		}
		wg.Add(1)
		go func(stream string, r io.Reader) {
			defer wg.Done()
			e.scan(stream, r)
		}(s.name, s.r)
	}
	wg.Wait()

	code, waitErr := e.proc.Wait()
	close(stop)
	<-watchDone
	finishedAt := e.adapter.now()

	status := orchestrator.ExitFailed
	switch {
	case waitErr == nil && code == 0:
		// A kill that raced a clean exit changes nothing.
		status = orchestrator.ExitSucceeded
	case cancelled.Load(), abandoned.Load():
		status = orchestrator.ExitCancelled
	case timedOut.Load():
		status = orchestrator.ExitTimedOut
	}

	result := &orchestrator.ExecutionResult{
		Status:     status,
		ExitCode:   code,
		StartedAt:  e.startedAt,
		FinishedAt: finishedAt,
	}
	e.collectOutputs(result)

	e.emit(orchestrator.StreamSystem, fmt.Sprintf("engine exited with code %d (%s) after %s",
		code, status, finishedAt.Sub(e.startedAt).Round(time.Millisecond)))
	close(e.events)

	if waitErr != nil && status == orchestrator.ExitFailed {
		e.err = waitErr
		e.span.SetStatus(codes.Error, waitErr.Error())
	}
	e.span.SetAttributes(attribute.String("engine.status", string(status)), attribute.Int("engine.exit_code", code))
	e.result = result

	if !e.adapter.cfg.KeepWorkspace {
		if err := e.ws.Remove(); err != nil {
			e.log.Warn().Err(err).Msg("Failed to remove workspace")
		}
	}
	e.log.Debug().Str("status", string(status)).Int("exit_code", code).Msg("Engine finished")
}

// scan turns a stream into events. A line over maxLineSize ends scanning;
// the rest of the stream is discarded so the engine never blocks on a full pipe.
func (e *execution) scan(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		e.emit(stream, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) {
			e.emit(orchestrator.StreamSystem, fmt.Sprintf("%s: %v, discarding remaining output", stream, err))
		}
		io.Copy(io.Discard, r)
	}
}

func (e *execution) collectOutputs(result *orchestrator.ExecutionResult) {
	archive, err := e.ws.ArchiveOutputs("")
	if err != nil {
		e.emit(orchestrator.StreamSystem, fmt.Sprintf("failed to archive engine outputs: %v", err))
	}
	result.RenderedArchive = archive

	summary, err := e.ws.ReadSummary()
	if err != nil {
		e.emit(orchestrator.StreamSystem, fmt.Sprintf("ignoring engine summary: %v", err))
	}
	result.Summary = summary
}
