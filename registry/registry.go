package registry

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Registry implementations
var (
	// ErrNotFound is returned when no credential record exists for the given
	// user or session
	ErrNotFound = errors.New("credential not found")

	// ErrClosed is returned when an operation is attempted on a closed registry
	ErrClosed = errors.New("registry is closed")
)

// CredentialRecord is the stored credential state for a single user.
// At most one active record exists per user ID; storing a new record for a
// user fully supersedes the prior one.
type CredentialRecord struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	ConnectionID string    `json:"connection_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	APIBaseURL   string    `json:"api_base_url"`
	TenantID     string    `json:"tenant_id,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"` // zero when the IdP did not report one
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Clone returns a deep copy of the record. Implementations return clones from
// lookups so callers can never mutate stored state.
func (r *CredentialRecord) Clone() *CredentialRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// TokenUpdate carries a partial token update for UpdateTokens. Zero-valued
// fields are left untouched in the stored record: updating the access token
// never erases the refresh token.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsZero reports whether the update carries no fields at all
func (u TokenUpdate) IsZero() bool {
	return u.AccessToken == "" && u.RefreshToken == "" && u.ExpiresAt.IsZero()
}

// TokenWriter is the narrow write capability handed to components that only
// need to persist refreshed tokens, such as connection handles. It is
// satisfied by every Registry.
type TokenWriter interface {
	// UpdateTokens merges the non-zero fields of update into the existing
	// record for userID. Returns ErrNotFound if no record exists; updates
	// never create records implicitly. The merge is atomic: a concurrent
	// reader sees either the old record or the fully merged one.
	UpdateTokens(ctx context.Context, userID string, update TokenUpdate) error
}

// Registry is the credential store contract. Implementations must provide
// per-user mutual exclusion: operations keyed by the same user ID are
// serialized with respect to each other, while operations for different users
// proceed independently.
//
// All methods accept context.Context for tracing and cancellation.
type Registry interface {
	TokenWriter

	// Store saves a credential record for rec.UserID, superseding any
	// existing record for that user, and binds rec.SessionID to the user.
	// A session binding left over from a superseded record is dropped, so
	// GetBySession with the old session ID returns ErrNotFound afterwards.
	// Returns an opaque connection ID for display and audit; it is not a
	// lookup key.
	Store(ctx context.Context, rec *CredentialRecord) (connectionID string, err error)

	// GetByUser returns the active credential record for a user, updating
	// its last-used time. Returns ErrNotFound if none exists.
	GetByUser(ctx context.Context, userID string) (*CredentialRecord, error)

	// GetBySession resolves a session ID to its user's active credential
	// record, updating its last-used time. Returns ErrNotFound if the
	// session is unknown or its binding was superseded.
	GetBySession(ctx context.Context, sessionID string) (*CredentialRecord, error)

	// Remove deletes the credential record and session binding for a user.
	// Returns ErrNotFound if no record exists.
	Remove(ctx context.Context, userID string) error

	// SweepIdle removes records whose last-used time is older than maxIdle
	// and returns the number removed.
	SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error)

	// HasActive reports whether a credential record exists for the user
	// without updating its last-used time.
	HasActive(ctx context.Context, userID string) bool

	// Close releases background resources. The registry rejects operations
	// after Close with ErrClosed.
	Close() error
}
