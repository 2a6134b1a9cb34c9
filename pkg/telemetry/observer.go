package telemetry

import (
	"context"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// Observer feeds committed transitions and events into metrics, the event
// publisher and the log. It implements orchestrator.Observer.
type Observer struct {
	metrics *Metrics
	events  *EventPublisher
	logger  zerolog.Logger
}

// NewObserver creates an observer. Metrics and events may be nil.
func NewObserver(metrics *Metrics, events *EventPublisher, logger zerolog.Logger) *Observer {
	return &Observer{
		metrics: metrics,
		events:  events,
		logger:  logger.With().Str("component", "observer").Logger(),
	}
}

// OnTransition implements orchestrator.Observer.
func (o *Observer) OnTransition(_ context.Context, run *orchestrator.Run, rec orchestrator.TransitionRecord) {
	if o.metrics != nil {
		if rec.From == "" {
			o.metrics.RecordSubmission(run.Mode)
		}
		o.metrics.RecordTransition(rec, run.Failure)
	}

	evt := o.logger.Info()
	if rec.To == orchestrator.StateFailed {
		evt = o.logger.Warn()
	}
	if run.Failure != nil {
		evt = evt.Str("failure_kind", string(run.Failure.Kind)).Str("failure", run.Failure.Message)
	}
	evt.Str("run_id", rec.RunID).
		Str("scope", run.Scope).
		Str("from", string(rec.From)).
		Str("to", string(rec.To)).
		Str("reason", rec.Reason).
		Str("actor", rec.Actor).
		Msg("Run transitioned")

	if o.events != nil {
		o.events.Publish(Event{
			Type:      EventTypeRunTransition,
			Timestamp: rec.At,
			RunID:     rec.RunID,
			From:      rec.From,
			State:     rec.To,
			Message:   rec.Reason,
		})
	}
}

// OnEvents implements orchestrator.Observer.
func (o *Observer) OnEvents(_ context.Context, events []orchestrator.ExecutionEvent) {
	if len(events) == 0 {
		return
	}
	if o.metrics != nil {
		o.metrics.RecordEvents(events)
	}
	if o.events == nil {
		return
	}

	// A batch may span runs only in theory; publish one hint per run.
	start := 0
	for i := 1; i <= len(events); i++ {
		if i < len(events) && events[i].RunID == events[start].RunID {
			continue
		}
		last := events[i-1]
		o.events.Publish(Event{
			Type:        EventTypeEventsAppended,
			RunID:       last.RunID,
			Phase:       last.Phase,
			LastEventID: last.ID,
			Count:       i - start,
		})
		start = i
	}
}
