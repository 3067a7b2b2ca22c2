// Package observability provides OpenTelemetry tracing and Prometheus metrics
// for the agent bus. It implements production-ready observability following
// cloud-native best practices.
//
// # Tracing
//
// Initialize tracing at application startup:
//
//	provider, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "acgs-agent-bus",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//	})
//	defer provider.Shutdown(ctx)
//
// Create spans manually:
//
//	ctx, span := provider.StartSpan(ctx, "operation_name")
//	defer span.End()
//
// # Metrics
//
// Initialize metrics at application startup:
//
//	metrics := observability.NewMetrics("agentbus")
//
// Expose the /metrics endpoint:
//
//	http.Handle("/metrics", metrics.Handler())
//
// Use the HTTP middleware to record request metrics:
//
//	http.Handle("/", metrics.HTTPMiddleware(yourHandler))
//
// Record business metrics:
//
//	metrics.RecordDecision("tenant-1", "command", "ALLOW")
//	metrics.ObserveProcessing("tenant-1", time.Since(start))
//	metrics.SetQueueDepth(42)
package observability
