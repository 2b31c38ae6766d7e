// Package telemetry wires OpenTelemetry tracing and metrics for turnd.
//
// Spans cover a turn end to end (turn, evaluation.fanout, phase.advance,
// oracle.invoke) and metrics are exported over OTLP gRPC or HTTP.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx, span := tel.Tracer("turnd/orchestrator").Start(ctx, "turn")
//	defer span.End()
//
// Initialization failures never stop the daemon. The instance is marked
// degraded and hands out the global no-op providers.
//
// Tests use NewTestTelemetry, which records spans in memory.
package telemetry
