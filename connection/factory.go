package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/forcebridge/mcp-salesforce/instrumentation"
	"github.com/forcebridge/mcp-salesforce/providers"
	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/security"
)

var (
	// ErrNoActiveConnection is returned when no credential record exists
	// for the requested user or session
	ErrNoActiveConnection = errors.New("no active connection")

	// ErrSessionExpired is returned when the stored grant was revoked at
	// the IdP. The caller must restart the full OAuth flow; retrying the
	// operation cannot succeed.
	ErrSessionExpired = errors.New("session expired, re-authentication required")

	// ErrRefreshFailed is returned when a token refresh fails for a reason
	// other than a revoked grant, such as an IdP outage. The stored grant
	// is still valid and the operation can be retried.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Factory builds connection handles from registry lookups.
// Reads go through the full registry; refresh write-backs go through the
// narrow TokenWriter capability injected at construction, keeping the data
// flow from refresh to registry explicit.
type Factory struct {
	reg      registry.Registry
	writer   registry.TokenWriter
	provider providers.Provider

	apiVersion   string
	httpClient   *http.Client
	logger       *slog.Logger
	auditor      *security.Auditor
	instrumentor *instrumentation.Instrumentation
}

// Config holds factory construction parameters
type Config struct {
	// Registry is the credential store for lookups (required)
	Registry registry.Registry

	// Writer is the write capability for refresh write-backs
	// (defaults to Registry)
	Writer registry.TokenWriter

	// Provider is the IdP client used for token refresh (required)
	Provider providers.Provider

	// APIVersion is the Salesforce REST API version for built clients
	APIVersion string

	// HTTPClient is an optional custom HTTP client for built clients
	HTTPClient *http.Client

	// Logger is the optional structured logger
	Logger *slog.Logger

	// Auditor records refresh and session-expiry audit events when set
	Auditor *security.Auditor

	// Instrumentation records token refresh metrics when set
	Instrumentation *instrumentation.Instrumentation
}

// NewFactory creates a connection factory
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}

	writer := cfg.Writer
	if writer == nil {
		writer = cfg.Registry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Factory{
		reg:          cfg.Registry,
		writer:       writer,
		provider:     cfg.Provider,
		apiVersion:   cfg.APIVersion,
		httpClient:   cfg.HTTPClient,
		logger:       logger,
		auditor:      cfg.Auditor,
		instrumentor: cfg.Instrumentation,
	}, nil
}

// ForUser builds a handle for the user's active credential record.
// Fails with ErrNoActiveConnection when none exists.
func (f *Factory) ForUser(ctx context.Context, userID string) (*Handle, error) {
	rec, err := f.reg.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", ErrNoActiveConnection, userID)
		}
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	return f.newHandle(rec), nil
}

// ForSession resolves a session to its user's credential record and builds a
// handle. Fails with ErrNoActiveConnection when the session is unknown or
// its binding was superseded.
func (f *Factory) ForSession(ctx context.Context, sessionID string) (*Handle, error) {
	rec, err := f.reg.GetBySession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: session", ErrNoActiveConnection)
		}
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	return f.newHandle(rec), nil
}

func (f *Factory) newHandle(rec *registry.CredentialRecord) *Handle {
	return &Handle{
		rec:     rec,
		factory: f,
	}
}
