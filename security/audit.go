package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
// User identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	SessionID string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"session_id_hash", hashForLogging(event.SessionID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLoginStarted logs the start of a login flow
func (a *Auditor) LogLoginStarted(userID, sessionID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventLoginStarted,
		UserID:    userID,
		SessionID: sessionID,
		IPAddress: ipAddress,
	})
}

// LogCallbackProcessed logs a successful IdP callback
func (a *Auditor) LogCallbackProcessed(userID, sessionID, tenantID string) {
	a.LogEvent(Event{
		Type:      EventCallbackProcessed,
		UserID:    userID,
		SessionID: sessionID,
		Details: map[string]any{
			"tenant_id": tenantID,
		},
	})
}

// LogCallbackRejected logs a rejected IdP callback
func (a *Auditor) LogCallbackRejected(ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventCallbackRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogStateReplayAttempt logs a state token presented a second time inside its
// validity window
func (a *Auditor) LogStateReplayAttempt(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventStateReplayAttempt,
		IPAddress: ipAddress,
	})
}

// LogCredentialStored logs that a credential record was stored for a user
func (a *Auditor) LogCredentialStored(userID, sessionID string, superseded bool) {
	a.LogEvent(Event{
		Type:      EventCredentialStored,
		UserID:    userID,
		SessionID: sessionID,
		Details: map[string]any{
			"superseded_prior": superseded,
		},
	})
}

// LogCredentialRemoved logs an explicit logout
func (a *Auditor) LogCredentialRemoved(userID, sessionID string) {
	a.LogEvent(Event{
		Type:      EventCredentialRemoved,
		UserID:    userID,
		SessionID: sessionID,
	})
}

// LogCredentialEvicted logs an idle credential removed by a sweep
func (a *Auditor) LogCredentialEvicted(userID string) {
	a.LogEvent(Event{
		Type:   EventCredentialEvicted,
		UserID: userID,
	})
}

// LogTokenRefreshed logs a transparent token refresh written back to the registry
func (a *Auditor) LogTokenRefreshed(userID string) {
	a.LogEvent(Event{
		Type:   EventTokenRefreshed,
		UserID: userID,
	})
}

// LogSessionExpired logs that a refresh failed with a revoked grant and the
// user must re-authenticate
func (a *Auditor) LogSessionExpired(userID string) {
	a.LogEvent(Event{
		Type:   EventSessionExpired,
		UserID: userID,
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, sessionID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		SessionID: sessionID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
