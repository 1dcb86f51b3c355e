package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the connector
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow metrics
	LoginStarted      metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	CredentialRemoved metric.Int64Counter

	// Sweep metrics
	SweepRemovedTotal metric.Int64Counter

	// Registry metrics
	RegistryOperationTotal    metric.Int64Counter
	RegistryOperationDuration metric.Float64Histogram
	RegistryCredentialsCount  metric.Int64ObservableGauge
	AuthStatesCount           metric.Int64ObservableGauge

	// Provider (IdP) metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Security metrics
	RateLimitExceeded metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter
}

// newMetrics creates all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	httpMeter := inst.Meter("http")
	flowMeter := inst.Meter("flow")
	registryMeter := inst.Meter("registry")
	providerMeter := inst.Meter("provider")
	securityMeter := inst.Meter("security")

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.LoginStarted, err = flowMeter.Int64Counter(
		"auth.login.started",
		metric.WithDescription("Login flows started (state tokens issued)"),
	)
	if err != nil {
		return nil, err
	}

	m.CallbackProcessed, err = flowMeter.Int64Counter(
		"auth.callback.processed",
		metric.WithDescription("IdP callbacks processed, by result"),
	)
	if err != nil {
		return nil, err
	}

	m.TokenRefreshed, err = flowMeter.Int64Counter(
		"auth.token.refreshed",
		metric.WithDescription("Access tokens refreshed and written back"),
	)
	if err != nil {
		return nil, err
	}

	m.CredentialRemoved, err = flowMeter.Int64Counter(
		"auth.credential.removed",
		metric.WithDescription("Credentials removed by logout"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepRemovedTotal, err = flowMeter.Int64Counter(
		"auth.sweep.removed",
		metric.WithDescription("Entries removed by background sweeps, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.RegistryOperationTotal, err = registryMeter.Int64Counter(
		"registry.operation.total",
		metric.WithDescription("Registry operations, by operation and result"),
	)
	if err != nil {
		return nil, err
	}

	m.RegistryOperationDuration, err = registryMeter.Float64Histogram(
		"registry.operation.duration",
		metric.WithDescription("Registry operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.RegistryCredentialsCount, err = registryMeter.Int64ObservableGauge(
		"registry.credentials.count",
		metric.WithDescription("Current number of stored credential records"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthStatesCount, err = registryMeter.Int64ObservableGauge(
		"registry.states.count",
		metric.WithDescription("Current number of pending authorization states"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("IdP API calls, by operation"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("IdP API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors",
		metric.WithDescription("IdP API call errors, by operation and kind"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"security.ratelimit.exceeded",
		metric.WithDescription("Requests rejected by rate limiting"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"security.audit.events",
		metric.WithDescription("Security audit events emitted, by type"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordLoginStarted records the issuance of a state token
func (m *Metrics) RecordLoginStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.LoginStarted.Add(ctx, 1)
}

// RecordCallbackProcessed records a processed callback with its result
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records a transparent token refresh
func (m *Metrics) RecordTokenRefresh(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordCredentialRemoved records an explicit logout
func (m *Metrics) RecordCredentialRemoved(ctx context.Context) {
	if m == nil {
		return
	}
	m.CredentialRemoved.Add(ctx, 1)
}

// RecordSweep records entries removed by a background sweep.
// kind is "state" or "credential".
func (m *Metrics) RecordSweep(ctx context.Context, kind string, removed int64) {
	if m == nil || removed == 0 {
		return
	}
	m.SweepRemovedTotal.Add(ctx, removed, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordRegistryOperation records a registry operation with count and duration
func (m *Metrics) RecordRegistryOperation(ctx context.Context, operation, result string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrRegistryOperation, operation),
		attribute.String(AttrRegistryResult, result),
	)
	m.RegistryOperationTotal.Add(ctx, 1, attrs)
	m.RegistryOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderAPICall records an IdP API call with its duration
func (m *Metrics) RecordProviderAPICall(ctx context.Context, operation string, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrProviderOperation, operation),
	)
	m.ProviderAPICallsTotal.Add(ctx, 1, attrs)
	m.ProviderAPIDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderAPIError records a failed IdP API call.
// kind distinguishes transient network failures from IdP-reported errors.
func (m *Metrics) RecordProviderAPIError(ctx context.Context, operation, kind string) {
	if m == nil {
		return
	}
	m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderOperation, operation),
		attribute.String(AttrProviderErrorType, kind),
	))
}

// RecordRateLimitExceeded records a rate-limited request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPEndpoint, endpoint),
	))
}

// RecordAuditEvent records an emitted audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrAuditEventType, eventType),
	))
}
