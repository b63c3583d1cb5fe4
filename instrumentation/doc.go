// Package instrumentation provides OpenTelemetry instrumentation for the session gateway.
//
// Metrics cover the HTTP layer, the login flow (pending authorizations, callbacks,
// code exchanges, token validations, logouts), the admission webhook, provider API
// calls and the signing key set cache. Traces wrap every handler and every outbound
// provider call.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "session-gateway",
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// When Enabled is false all providers are no-ops and recording has no cost.
package instrumentation
