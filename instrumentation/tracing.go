package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Semantic attribute keys used across the connector's spans and metrics.
const (
	// HTTP attributes
	AttrHTTPMethod     = "http.method"
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPStatusCode = "http.status_code"

	// Auth flow attributes
	AttrAuthFlowStep  = "auth.flow.step"
	AttrAuthErrorCode = "auth.error.code"

	// Registry attributes
	AttrRegistryOperation = "registry.operation"
	AttrRegistryResult    = "registry.result"
	AttrRegistryBackend   = "registry.backend"

	// Provider attributes
	AttrProviderOperation = "provider.operation"
	AttrProviderErrorType = "provider.error.type"

	// Security attributes
	AttrAuditEventType = "audit.event.type"
)

// RecordError records an error on the span and marks it as failed.
// Safe to call with a nil or non-recording span.
func RecordError(span trace.Span, err error) {
	if span == nil || !span.IsRecording() || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanSuccess marks the span as completed successfully
func SetSpanSuccess(span trace.Span) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SetSpanAttributes sets attributes on the span if it is recording
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(attrs...)
}
