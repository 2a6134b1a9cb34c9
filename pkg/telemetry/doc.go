// Package telemetry wires the observability of netintent processes.
//
// It provides structured logging (zerolog), tracing (OpenTelemetry with OTLP
// or stdout exporters), Prometheus metrics on a private registry, and an
// in-process publisher of run lifecycle events. The Observer type plugs all
// of them into the orchestrator state machine:
//
//	tel, err := telemetry.NewTelemetry(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	machine := orchestrator.NewMachine(store, tel.Logger.Component("orchestrator"), tel.Observer())
//
// Exposed metrics:
//
//   - netintent_runs_submitted_total{mode}
//   - netintent_run_transitions_total{from,to}
//   - netintent_runs_finished_total{state,kind}
//   - netintent_execution_duration_seconds{phase,status}
//   - netintent_active_executions
//   - netintent_execution_events_total{stream}
//   - netintent_claims_total{result}
//   - netintent_stale_claims_total{action}
//   - netintent_policy_admissions_total{decision}
//
// Lifecycle events are hints. A subscriber that misses one re-reads the run
// store, which stays the source of truth.
package telemetry
