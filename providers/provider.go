package providers

import (
	"context"
	"errors"
	"time"
)

// ErrGrantRevoked indicates the IdP reported the grant as invalid or revoked
// ("invalid_grant"). Callers must distinguish this from transient failures:
// a revoked grant requires a fresh OAuth flow, not a retry.
var ErrGrantRevoked = errors.New("grant revoked or invalid")

// IsGrantRevoked reports whether err carries a revoked-grant signal
func IsGrantRevoked(err error) bool {
	return errors.Is(err, ErrGrantRevoked)
}

// Token is the credential material returned by an exchange or refresh
type Token struct {
	// AccessToken is the bearer token for API calls
	AccessToken string

	// RefreshToken is the long-lived token for obtaining new access tokens.
	// May be empty on refresh responses when the IdP does not rotate it.
	RefreshToken string

	// APIBaseURL is the API endpoint the tokens are valid against
	// (the Salesforce instance URL)
	APIBaseURL string

	// TokenType is the token type reported by the IdP, normally "Bearer"
	TokenType string

	// IssuedAt is when the IdP issued the token
	IssuedAt time.Time

	// ExpiresAt is the access token expiry; zero when the IdP did not
	// report one
	ExpiresAt time.Time
}

// Identity is the minimal identity information attached to a credential
// record for display and audit. It is never used to authorize access.
type Identity struct {
	// UserID is the unique user identifier at the IdP
	UserID string

	// TenantID is the organization the user belongs to
	TenantID string

	// DisplayName is the user's display name
	DisplayName string

	// Email is the user's email address
	Email string
}

// Provider defines the interface for OAuth identity providers.
// All network operations accept context.Context, carry an explicit timeout,
// and retry once on transient network failure; IdP-reported errors are never
// retried.
type Provider interface {
	// Name returns the provider name (e.g., "salesforce")
	Name() string

	// AuthorizationURL generates the URL to redirect users for
	// authentication, embedding the anti-forgery state token
	AuthorizationURL(state string) string

	// ExchangeCode exchanges an authorization code for tokens
	ExchangeCode(ctx context.Context, code string) (*Token, error)

	// Refresh obtains a fresh access token using a refresh token.
	// Returns an error wrapping ErrGrantRevoked when the IdP reports the
	// grant as invalid, so callers can force re-authentication instead of
	// retrying.
	Refresh(ctx context.Context, refreshToken, apiBaseURL string) (*Token, error)

	// Identity fetches minimal identity information for the token holder
	Identity(ctx context.Context, accessToken, apiBaseURL string) (*Identity, error)
}
