package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Login flow events

	// EventLoginStarted is logged when a login flow is initiated and a state
	// token is issued
	EventLoginStarted = "login_started"

	// EventCallbackProcessed is logged when an IdP callback completes and a
	// credential is stored
	EventCallbackProcessed = "callback_processed"

	// EventCallbackRejected is logged when an IdP callback fails validation
	// (unknown or expired state, IdP-reported error, exchange failure)
	EventCallbackRejected = "callback_rejected"

	// EventStateReplayAttempt is logged when a state token is presented a
	// second time; a consumed token must never validate again
	EventStateReplayAttempt = "state_replay_attempt"

	// Credential lifecycle events

	// EventCredentialStored is logged when a credential record is stored for
	// a user, superseding any prior record
	EventCredentialStored = "credential_stored"

	// EventCredentialRemoved is logged on explicit logout
	EventCredentialRemoved = "credential_removed"

	// EventCredentialEvicted is logged when an idle credential is swept
	EventCredentialEvicted = "credential_evicted"

	// EventTokenRefreshed is logged when an access token is refreshed through
	// a connection handle and written back to the registry
	EventTokenRefreshed = "token_refreshed"

	// EventSessionExpired is logged when the IdP reports a revoked grant and
	// the user must restart the full OAuth flow
	EventSessionExpired = "session_expired"

	// Security violation events

	// EventAuthFailure is logged on generic authentication failures
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
