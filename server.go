package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/forcebridge/mcp-salesforce/auth"
	"github.com/forcebridge/mcp-salesforce/instrumentation"
	"github.com/forcebridge/mcp-salesforce/lifecycle"
	"github.com/forcebridge/mcp-salesforce/providers"
	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/security"
)

// Server implements the OAuth authorization flow and credential lifecycle
// (provider-agnostic). It coordinates the flow using a Provider, a state
// manager and a credential registry, and is the single place where the pieces
// meet: the HTTP Handler delegates here, and the tool layer reads
// connections from the same registry.
type Server struct {
	provider     providers.Provider
	states       *auth.StateManager
	registry     registry.Registry
	coordinator  *lifecycle.Coordinator
	auditor      *security.Auditor
	rateLimiter  *security.RateLimiter
	instrumentor *instrumentation.Instrumentation
	logger       *slog.Logger
	config       *Config
}

// CallbackResult is the outcome of a successfully processed IdP callback
type CallbackResult struct {
	UserID       string
	SessionID    string
	TenantID     string
	ConnectionID string
	ReturnURL    string
}

// StatusInfo describes a session's connection state for /auth/status
type StatusInfo struct {
	Connected  bool      `json:"connected"`
	UserID     string    `json:"userId,omitempty"`
	TenantID   string    `json:"tenantId,omitempty"`
	APIBaseURL string    `json:"apiBaseUrl,omitempty"`
	LastUsed   time.Time `json:"lastUsed,omitzero"`
}

// NewServer creates a new connector server
func NewServer(
	provider providers.Provider,
	states *auth.StateManager,
	reg registry.Registry,
	coordinator *lifecycle.Coordinator,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state manager is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		provider:    provider,
		states:      states,
		registry:    reg,
		coordinator: coordinator,
		config:      config,
		logger:      logger,
	}, nil
}

// Config returns the server configuration after defaults were applied
func (s *Server) Config() *Config {
	return s.config
}

// Registry returns the credential registry backing this server
func (s *Server) Registry() registry.Registry {
	return s.registry
}

// Coordinator returns the shutdown coordinator
func (s *Server) Coordinator() *lifecycle.Coordinator {
	return s.coordinator
}

// SetAuditor sets the security auditor and propagates it to the registry so
// sweep evictions are audited alongside the flow events
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud

	type auditorSetter interface {
		SetAuditor(*security.Auditor)
	}
	if setter, ok := s.registry.(auditorSetter); ok {
		setter.SetAuditor(aud)
	}
}

// SetRateLimiter sets the rate limiter applied to the auth endpoints
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.rateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentor = inst
	s.states.SetInstrumentation(inst)

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.registry.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
	if setter, ok := s.provider.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// Instrumentation returns the configured instrumentation, or nil
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentor
}

// Auditor returns the configured security auditor, or nil
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// BeginLogin starts an authorization flow for a user: it issues a single-use
// state token bound to (user, session, returnURL) and returns the IdP
// authorize URL to redirect the browser to.
func (s *Server) BeginLogin(ctx context.Context, userID, sessionID, returnURL, clientIP string) (string, error) {
	state, err := s.states.Generate(userID, sessionID, returnURL)
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogLoginStarted(userID, sessionID, clientIP)
	}

	s.logger.Info("Login flow started",
		"user_id", userID,
		"provider", s.provider.Name())

	return s.provider.AuthorizationURL(state), nil
}

// CompleteCallback processes the IdP callback: it consumes the state token,
// exchanges the authorization code for tokens, fetches the token holder's
// identity for labeling, and stores the credential record. The state token is
// removed on the first consumption attempt whatever the outcome; a failed
// exchange cannot be replayed with the same state.
func (s *Server) CompleteCallback(ctx context.Context, state, code, clientIP string) (*CallbackResult, error) {
	payload, err := s.states.Consume(state)
	if err != nil {
		if s.auditor != nil {
			if errors.Is(err, auth.ErrStateReplayed) {
				s.auditor.LogStateReplayAttempt(clientIP)
			} else {
				s.auditor.LogCallbackRejected(clientIP, "invalid or expired state")
			}
		}
		s.recordCallbackProcessed(ctx, false)
		return nil, ErrInvalidOrExpiredState("state token is invalid, expired, or already used")
	}

	token, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		s.logger.Error("Code exchange failed", "user_id", payload.UserID, "error", err)
		if s.auditor != nil {
			s.auditor.LogAuthFailure(payload.UserID, payload.SessionID, clientIP, "token exchange failed")
		}
		s.recordCallbackProcessed(ctx, false)
		return nil, ErrTokenExchangeFailed("failed to exchange authorization code")
	}

	identity, err := s.provider.Identity(ctx, token.AccessToken, token.APIBaseURL)
	if err != nil {
		s.logger.Error("Identity lookup failed", "user_id", payload.UserID, "error", err)
		if s.auditor != nil {
			s.auditor.LogAuthFailure(payload.UserID, payload.SessionID, clientIP, "identity lookup failed")
		}
		s.recordCallbackProcessed(ctx, false)
		return nil, ErrIdentityLookupFailed("failed to fetch identity information")
	}

	superseded := s.registry.HasActive(ctx, payload.UserID)

	rec := &registry.CredentialRecord{
		UserID:       payload.UserID,
		SessionID:    payload.SessionID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		APIBaseURL:   token.APIBaseURL,
		TenantID:     identity.TenantID,
		DisplayName:  identity.DisplayName,
		ExpiresAt:    token.ExpiresAt,
	}
	connectionID, err := s.registry.Store(ctx, rec)
	if err != nil {
		s.logger.Error("Failed to store credential", "user_id", payload.UserID, "error", err)
		s.recordCallbackProcessed(ctx, false)
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogCallbackProcessed(payload.UserID, payload.SessionID, identity.TenantID)
		s.auditor.LogCredentialStored(payload.UserID, payload.SessionID, superseded)
	}
	s.recordCallbackProcessed(ctx, true)

	s.logger.Info("Authorization completed",
		"user_id", payload.UserID,
		"tenant_id", identity.TenantID,
		"connection_id", connectionID)

	return &CallbackResult{
		UserID:       payload.UserID,
		SessionID:    payload.SessionID,
		TenantID:     identity.TenantID,
		ConnectionID: connectionID,
		ReturnURL:    payload.ReturnURL,
	}, nil
}

// RedirectURL builds the post-callback redirect target: the flow's return URL
// (or the configured default) with the connection outcome appended.
func (s *Server) RedirectURL(result *CallbackResult) string {
	target := result.ReturnURL
	if target == "" {
		target = s.config.DefaultReturnURL
	}
	if target == "" {
		target = "/"
	}

	u, err := url.Parse(target)
	if err != nil {
		return "/"
	}
	q := u.Query()
	q.Set("connected", "true")
	q.Set("org_id", result.TenantID)
	q.Set("connection_id", result.ConnectionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Status reports the connection state for a session. A session with no
// active credential yields {connected: false} rather than an error.
func (s *Server) Status(ctx context.Context, sessionID string) *StatusInfo {
	rec, err := s.registry.GetBySession(ctx, sessionID)
	if err != nil {
		return &StatusInfo{Connected: false}
	}
	return &StatusInfo{
		Connected:  true,
		UserID:     rec.UserID,
		TenantID:   rec.TenantID,
		APIBaseURL: rec.APIBaseURL,
		LastUsed:   rec.LastUsedAt,
	}
}

// Logout removes the session's credential record and its session binding
func (s *Server) Logout(ctx context.Context, sessionID string) error {
	rec, err := s.registry.GetBySession(ctx, sessionID)
	if err != nil {
		return ErrNoActiveConnection("no active connection for session")
	}

	if err := s.registry.Remove(ctx, rec.UserID); err != nil {
		return fmt.Errorf("failed to remove credential: %w", err)
	}

	if s.auditor != nil {
		s.auditor.LogCredentialRemoved(rec.UserID, sessionID)
	}
	if s.instrumentor != nil {
		s.instrumentor.Metrics().RecordCredentialRemoved(ctx)
	}

	s.logger.Info("Logged out", "user_id", rec.UserID)
	return nil
}

func (s *Server) recordCallbackProcessed(ctx context.Context, success bool) {
	if s.instrumentor == nil {
		return
	}
	s.instrumentor.Metrics().RecordCallbackProcessed(ctx, success)
}
