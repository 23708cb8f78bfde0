// Package telemetry provides observability instrumentation for leasekeeper.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics behind a single Telemetry bundle
// that is built once in main and handed to each component.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	op := tel.StartOperation(ctx, "monitor.cycle")
//	defer op.End(err)
//	op.Logger.Info("cycle started")
//
// Components that do not care about telemetry in tests use NewNop.
package telemetry
