package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/netintent/netintent/pkg/policy"
	"github.com/netintent/netintent/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/netintent/netintent/pkg/control"

// DefaultTemplateSet is used when a submission names none.
const DefaultTemplateSet = "base"

// TemplateSetPattern restricts template set names to a single path element.
var TemplateSetPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// SubmitRequest is a run submission.
type SubmitRequest struct {
	Intent       []byte            `json:"-" validate:"required"`
	IntentFormat string            `json:"intent_format,omitempty" validate:"omitempty,oneof=yaml json"`
	Mode         orchestrator.Mode `json:"mode" validate:"required,oneof=plan apply"`
	Scope        string            `json:"scope" validate:"required,scope"`
	TemplateSet  string            `json:"template_set,omitempty" validate:"omitempty,templateset"`
	Tags         []string          `json:"tags,omitempty" validate:"max=64,dive,required,max=128,excludesall=0x2C"`
	SubmittedBy  string            `json:"submitted_by,omitempty" validate:"max=256"`
}

// RunView is the status of a run.
type RunView struct {
	Run         *orchestrator.Run               `json:"run"`
	Artifacts   []orchestrator.Artifact         `json:"artifacts"`
	Transitions []orchestrator.TransitionRecord `json:"transitions"`
}

// Artifacts is the part of the artifact store the control plane uses.
type Artifacts interface {
	Stage(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName, r io.Reader) (*orchestrator.Artifact, error)
	Open(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName) (io.ReadCloser, *orchestrator.Artifact, error)
	List(ctx context.Context, runID string) ([]orchestrator.Artifact, error)
}

// Admission decides whether a submission may be queued.
type Admission interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Decision, error)
}

// AdmissionMetrics records admission decisions.
type AdmissionMetrics interface {
	RecordAdmission(allowed bool)
}

// ServiceConfig tunes the Control API.
type ServiceConfig struct {
	// PlanMaxAge bounds how old an approved plan may be for an apply submission.
	// Zero means no bound.
	PlanMaxAge time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAdmission evaluates submissions against an admission policy.
func WithAdmission(a Admission) ServiceOption {
	return func(s *Service) { s.admission = a }
}

// WithNotifier sends a dispatch wakeup after each submission and approval.
func WithNotifier(n orchestrator.Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithAdmissionMetrics records admission decisions.
func WithAdmissionMetrics(m AdmissionMetrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceClock replaces the wall clock.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the run ID generator.
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) { s.newID = newID }
}

// Service is the Control API: it accepts submissions and serves run status.
// It never blocks on execution.
type Service struct {
	cfg       ServiceConfig
	machine   *orchestrator.Machine
	store     orchestrator.RunStore
	artifacts Artifacts
	inventory InventoryResolver
	admission Admission
	notifier  orchestrator.Notifier
	metrics   AdmissionMetrics
	validate  *validator.Validate
	tracer    trace.Tracer
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService creates the Control API.
func NewService(cfg ServiceConfig, machine *orchestrator.Machine, artifacts Artifacts, inventory InventoryResolver, logger zerolog.Logger, opts ...ServiceOption) *Service {
	validate := validator.New()
	_ = validate.RegisterValidation("scope", func(fl validator.FieldLevel) bool {
		return ScopePattern.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("templateset", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		return TemplateSetPattern.MatchString(name) && !strings.Contains(name, "..")
	})

	s := &Service{
		cfg:       cfg,
		machine:   machine,
		store:     machine.Store(),
		artifacts: artifacts,
		inventory: inventory,
		validate:  validate,
		tracer:    otel.Tracer(tracerName),
		logger:    logger.With().Str("component", "control").Logger(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and records a submission and returns the new run ID.
// Nothing is written unless every check passes.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (runID string, err error) {
	ctx, span := s.tracer.Start(ctx, "control.submit", trace.WithAttributes(
		attribute.String("scope", req.Scope),
		attribute.String("mode", string(req.Mode)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req.IntentFormat == "" {
		req.IntentFormat = FormatYAML
	}
	if req.TemplateSet == "" {
		req.TemplateSet = DefaultTemplateSet
	}
	if err := s.validate.Struct(req); err != nil {
		return "", validationError(err)
	}

	intent, err := NormalizeIntent(req.Intent, req.IntentFormat)
	if err != nil {
		return "", err
	}

	inventory, err := s.inventory.Resolve(ctx, req.Scope)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	if err := s.admit(ctx, req, intent, now); err != nil {
		return "", err
	}

	if req.Mode == orchestrator.ModeApply {
		if err := s.requireApprovedPlan(ctx, req.Scope, intent.Digest, now); err != nil {
			return "", err
		}
	}

	runID = s.newID()
	span.SetAttributes(attribute.String("run_id", runID))

	snapshot, err := json.Marshal(orchestrator.IntentSnapshot{
		RunID:           runID,
		Scope:           req.Scope,
		TemplateSet:     req.TemplateSet,
		IntentFormat:    req.IntentFormat,
		Intent:          req.Intent,
		IntentDigest:    intent.Digest,
		InventoryRef:    inventory.Ref,
		Inventory:       inventory.Data,
		InventoryDigest: inventory.Digest,
		CreatedAt:       now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode intent snapshot: %w", err)
	}
	staged, err := s.artifacts.Stage(ctx, runID, orchestrator.PhaseSubmit, orchestrator.ArtifactIntentSnapshot, bytes.NewReader(snapshot))
	if err != nil {
		return "", fmt.Errorf("failed to stage intent snapshot: %w", err)
	}

	run := &orchestrator.Run{
		ID:           runID,
		Mode:         req.Mode,
		Scope:        req.Scope,
		TemplateSet:  req.TemplateSet,
		Tags:         req.Tags,
		State:        orchestrator.StateQueued,
		IntentRef:    staged.Handle,
		IntentDigest: intent.Digest,
		ArtifactPath: orchestrator.ArtifactRoot(runID),
		SubmittedBy:  req.SubmittedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateRun(ctx, run, staged); err != nil {
		return "", err
	}

	s.logger.Info().
		Str("run_id", runID).
		Str("scope", run.Scope).
		Str("mode", string(run.Mode)).
		Str("intent_digest", run.IntentDigest).
		Str("submitted_by", run.SubmittedBy).
		Str("trace_id", telemetry.TraceID(ctx)).
		Msg("Run submitted")

	s.machine.NotifyCreated(ctx, run)
	s.audit(ctx, runID, orchestrator.AuditRunSubmitted, req.SubmittedBy, map[string]any{
		"mode":          run.Mode,
		"scope":         run.Scope,
		"template_set":  run.TemplateSet,
		"tags":          run.Tags,
		"intent_digest": run.IntentDigest,
	})
	s.wakeup(ctx, run, "submitted")
	return runID, nil
}

func (s *Service) admit(ctx context.Context, req SubmitRequest, intent *NormalizedIntent, now time.Time) error {
	if s.admission == nil {
		return nil
	}
	decision, err := s.admission.Evaluate(ctx, &policy.Input{
		Mode:        string(req.Mode),
		Scope:       req.Scope,
		TemplateSet: req.TemplateSet,
		Tags:        req.Tags,
		SubmittedBy: req.SubmittedBy,
		Intent:      intent.Document,
		Time:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to evaluate admission policy: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordAdmission(decision.Allowed)
	}
	if decision.Allowed {
		return nil
	}
	messages := decision.Messages()
	return orchestrator.NewPreconditionFailedError("denied by admission policy: "+strings.Join(messages, "; "), nil).
		WithCode(orchestrator.CodePolicyDenied).
		WithDetail("violations", messages)
}

func (s *Service) requireApprovedPlan(ctx context.Context, scope, digest string, now time.Time) error {
	var since time.Time
	if s.cfg.PlanMaxAge > 0 {
		since = now.Add(-s.cfg.PlanMaxAge)
	}
	plan, err := s.store.FindApprovedPlan(ctx, scope, digest, since)
	if err != nil {
		return err
	}
	if plan == nil {
		return orchestrator.NewPreconditionFailedError(
			fmt.Sprintf("no approved plan of this intent over scope %q", scope), nil).
			WithCode(orchestrator.CodeNoApprovedPlan).
			WithDetail("intent_digest", digest)
	}
	return nil
}

// GetStatus returns a run with its artifact references and transition history.
func (s *Service) GetStatus(ctx context.Context, runID string) (*RunView, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.artifacts.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	transitions, err := s.store.ListTransitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if artifacts == nil {
		artifacts = []orchestrator.Artifact{}
	}
	return &RunView{Run: run, Artifacts: artifacts, Transitions: transitions}, nil
}

// Approve moves a reviewed plan back to the queue in apply mode. The scope
// lease is kept, so the run is the next one dispatched for its scope.
func (s *Service) Approve(ctx context.Context, runID, actor string) (*orchestrator.Run, error) {
	run, err := s.machine.Transition(ctx, orchestrator.TransitionRequest{
		RunID:  runID,
		From:   orchestrator.StateAwaitingApproval,
		To:     orchestrator.StateQueued,
		Mode:   orchestrator.ModeApply,
		Reason: "approved",
		Actor:  actor,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("run_id", runID).
		Str("scope", run.Scope).
		Str("actor", actor).
		Msg("Run approved")

	s.audit(ctx, runID, orchestrator.AuditRunApproved, actor, map[string]any{
		"intent_digest": run.IntentDigest,
	})
	s.wakeup(ctx, run, "approved")
	return run, nil
}

// Cancel requests cancellation. Cancelling a terminal run is a no-op, and
// repeated requests are idempotent. Runs no worker holds are cancelled at once;
// executing runs are stopped by their worker.
func (s *Service) Cancel(ctx context.Context, runID, actor string) (*orchestrator.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.IsTerminal() {
		return run, nil
	}

	alreadyRequested := run.CancelRequested
	run, err = s.store.RequestCancel(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.IsTerminal() {
		return run, nil
	}
	if !alreadyRequested {
		s.audit(ctx, runID, orchestrator.AuditRunCancelRequested, actor, map[string]any{
			"state": run.State,
		})
	}

	switch run.State {
	case orchestrator.StateQueued, orchestrator.StateAwaitingApproval:
		cancelled, err := s.machine.Transition(ctx, orchestrator.TransitionRequest{
			RunID:   runID,
			From:    run.State,
			To:      orchestrator.StateCancelled,
			Failure: &orchestrator.Failure{Kind: orchestrator.KindCancelled, Message: cancelMessage(actor)},
			Reason:  "cancel requested",
			Actor:   actor,
		})
		if orchestrator.IsInvalidState(err) {
			// Claimed meanwhile; the worker or the reaper honours the flag.
			s.logger.Debug().Str("run_id", runID).Msg("Cancel raced with the scheduler, leaving it to the worker")
			return s.store.GetRun(ctx, runID)
		}
		if err != nil {
			return nil, err
		}
		run = cancelled
	default:
		s.logger.Info().
			Str("run_id", runID).
			Str("state", string(run.State)).
			Str("actor", actor).
			Msg("Cancellation requested")
	}
	return run, nil
}

func cancelMessage(actor string) string {
	if actor == "" {
		return "cancelled"
	}
	return "cancelled by " + actor
}

// ListRuns returns runs, newest first.
func (s *Service) ListRuns(ctx context.Context, filter orchestrator.RunFilter) ([]*orchestrator.Run, error) {
	if filter.State != "" {
		if err := filter.State.Validate(); err != nil {
			return nil, orchestrator.NewValidationError("invalid state filter", err)
		}
	}
	if filter.Scope != "" && !ScopePattern.MatchString(filter.Scope) {
		return nil, orchestrator.NewValidationError(fmt.Sprintf("invalid scope %q", filter.Scope), nil)
	}
	if filter.Limit < 0 {
		return nil, orchestrator.NewValidationError("limit must not be negative", nil)
	}
	return s.store.ListRuns(ctx, filter)
}

// Events returns the execution events of a run after the afterID cursor.
func (s *Service) Events(ctx context.Context, runID string, afterID int64, limit int) ([]orchestrator.ExecutionEvent, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if afterID < 0 || limit < 0 {
		return nil, orchestrator.NewValidationError("cursor and limit must not be negative", nil)
	}
	return s.store.ListEvents(ctx, runID, afterID, limit)
}

// Audit returns the audit entries of a run.
func (s *Service) Audit(ctx context.Context, runID string) ([]orchestrator.AuditEntry, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, runID)
}

// OpenArtifact streams an artifact. The reader fails at EOF if the content
// does not match its digest.
func (s *Service) OpenArtifact(ctx context.Context, runID string, phase orchestrator.Phase, name orchestrator.ArtifactName) (io.ReadCloser, *orchestrator.Artifact, error) {
	if err := phase.Validate(); err != nil {
		return nil, nil, orchestrator.NewValidationError("invalid artifact phase", err)
	}
	if err := name.Validate(); err != nil {
		return nil, nil, orchestrator.NewValidationError("invalid artifact name", err)
	}
	return s.artifacts.Open(ctx, runID, phase, name)
}

// Health checks the run store when it supports it.
func (s *Service) Health(ctx context.Context) error {
	if hc, ok := s.store.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, runID, action, actor string, detail map[string]any) {
	encoded, err := json.Marshal(detail)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to encode audit detail")
		return
	}
	entry := &orchestrator.AuditEntry{
		RunID:     runID,
		Action:    action,
		Actor:     actor,
		Detail:    string(encoded),
		CreatedAt: s.now().UTC(),
	}
	// The mutation is committed; a lost audit row is logged, not surfaced.
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("run_id", runID).
			Str("action", action).
			Msg("Failed to append audit entry")
	}
}

func (s *Service) wakeup(ctx context.Context, run *orchestrator.Run, reason string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, orchestrator.DispatchSignal{
		RunID:  run.ID,
		Scope:  run.Scope,
		Reason: reason,
		At:     s.now().UTC(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to send dispatch wakeup")
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return orchestrator.NewValidationError("invalid submission", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	rerr := orchestrator.NewValidationError("invalid submission: "+strings.Join(fields, ", "), nil)
	if hasTag(verrs, "scope") {
		rerr = rerr.WithCode(orchestrator.CodeUnknownScope)
	}
	return rerr.WithDetail("fields", fields)
}

func hasTag(verrs validator.ValidationErrors, tag string) bool {
	for _, fe := range verrs {
		if fe.Tag() == tag {
			return true
		}
	}
	return false
}
