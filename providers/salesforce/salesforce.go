package salesforce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/forcebridge/mcp-salesforce/instrumentation"
	"github.com/forcebridge/mcp-salesforce/internal/util"
	"github.com/forcebridge/mcp-salesforce/providers"
)

const (
	// DefaultLoginURL is the Salesforce production login host. Sandboxes
	// use https://test.salesforce.com.
	DefaultLoginURL = "https://login.salesforce.com"

	// defaultTimeout bounds every IdP network call. Without it a hung
	// upstream call could block shutdown drain indefinitely.
	defaultTimeout = 30 * time.Second

	// retryBackoff is the pause before the single retry of a transient
	// network failure
	retryBackoff = 500 * time.Millisecond
)

// Provider implements providers.Provider for Salesforce OAuth
type Provider struct {
	config       *oauth2.Config
	httpClient   *http.Client
	instrumentor *instrumentation.Instrumentation
}

// Config holds Salesforce OAuth configuration
type Config struct {
	// ClientID is the connected app's consumer key (required)
	ClientID string

	// ClientSecret is the connected app's consumer secret (required)
	ClientSecret string

	// RedirectURL is the callback URL registered on the connected app
	RedirectURL string

	// LoginURL is the Salesforce login host
	// (default https://login.salesforce.com)
	LoginURL string

	// Scopes requested during authorization
	// (default "api refresh_token id")
	Scopes []string

	// HTTPClient is an optional custom HTTP client; when set, its timeout
	// is used as-is
	HTTPClient *http.Client
}

// NewProvider creates a new Salesforce OAuth provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	loginURL := util.NormalizeBaseURL(cfg.LoginURL)
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"api", "refresh_token", "id"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  loginURL + "/services/oauth2/authorize",
				TokenURL: loginURL + "/services/oauth2/token",
			},
		},
		httpClient: httpClient,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "salesforce"
}

// SetInstrumentation sets OpenTelemetry instrumentation for IdP call metrics
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentor = inst
}

// recordCall records the outcome of one IdP API operation
func (p *Provider) recordCall(ctx context.Context, operation string, start time.Time, err error) {
	if p.instrumentor == nil {
		return
	}
	m := p.instrumentor.Metrics()
	if err != nil {
		kind := "idp"
		if isTransientNetworkError(err) {
			kind = "network"
		}
		m.RecordProviderAPIError(ctx, operation, kind)
		return
	}
	m.RecordProviderAPICall(ctx, operation, time.Since(start).Seconds()*1000)
}

// AuthorizationURL generates the Salesforce authorization URL.
// prompt=login consent forces interactive re-authentication so a shared
// browser never silently reuses another user's Salesforce session.
func (p *Provider) AuthorizationURL(state string) string {
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("prompt", "login consent"),
	)
}

// ExchangeCode exchanges an authorization code for tokens.
// Transient network failures are retried once with a short backoff;
// error responses from the IdP fail immediately.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*providers.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	start := time.Now()
	token, err := p.withRetry(ctx, func() (*oauth2.Token, error) {
		return p.config.Exchange(ctx, code)
	})
	p.recordCall(ctx, "exchange_code", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return p.toProviderToken(token, "")
}

// Refresh obtains a fresh access token using a refresh token.
// A revoked or invalid grant reported by the IdP is wrapped with
// providers.ErrGrantRevoked; transient failures are retried once.
func (p *Provider) Refresh(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	start := time.Now()
	token, err := p.withRetry(ctx, func() (*oauth2.Token, error) {
		src := p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		return src.Token()
	})
	p.recordCall(ctx, "refresh", start, err)
	if err != nil {
		if isGrantRevoked(err) {
			return nil, fmt.Errorf("%w: %v", providers.ErrGrantRevoked, err)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	tok, err := p.toProviderToken(token, apiBaseURL)
	if err != nil {
		return nil, err
	}
	// Salesforce does not rotate the refresh token on refresh; keep the
	// one the caller holds
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}

// Identity fetches minimal identity information from the org's userinfo
// endpoint. The result labels a credential record for display and audit; it
// is never used to authorize access.
func (p *Provider) Identity(ctx context.Context, accessToken, apiBaseURL string) (*providers.Identity, error) {
	start := time.Now()
	ident, err := p.fetchIdentity(ctx, accessToken, apiBaseURL)
	p.recordCall(ctx, "userinfo", start, err)
	return ident, err
}

func (p *Provider) fetchIdentity(ctx context.Context, accessToken, apiBaseURL string) (*providers.Identity, error) {
	base := util.NormalizeBaseURL(apiBaseURL)
	if base == "" {
		return nil, fmt.Errorf("API base URL is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/services/oauth2/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var info struct {
		UserID         string `json:"user_id"`
		OrganizationID string `json:"organization_id"`
		Name           string `json:"name"`
		Email          string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	if info.UserID == "" {
		return nil, fmt.Errorf("userinfo response missing user_id")
	}

	return &providers.Identity{
		UserID:      info.UserID,
		TenantID:    info.OrganizationID,
		DisplayName: info.Name,
		Email:       info.Email,
	}, nil
}

// withRetry runs op, retrying exactly once after a short backoff when the
// failure is a transient network error. IdP-reported errors are surfaced
// immediately.
func (p *Provider) withRetry(ctx context.Context, op func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	token, err := op()
	if err == nil || !isTransientNetworkError(err) {
		return token, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(retryBackoff):
	}
	return op()
}

// toProviderToken converts an oauth2.Token into the provider-neutral shape,
// validating the fields the rest of the system depends on.
// fallbackBaseURL fills in the API base URL when the IdP response omits
// instance_url, as refresh responses may.
func (p *Provider) toProviderToken(token *oauth2.Token, fallbackBaseURL string) (*providers.Token, error) {
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	instanceURL, _ := token.Extra("instance_url").(string)
	instanceURL = util.NormalizeBaseURL(instanceURL)
	if instanceURL == "" {
		instanceURL = util.NormalizeBaseURL(fallbackBaseURL)
	}
	if instanceURL == "" {
		return nil, fmt.Errorf("token response missing instance_url")
	}

	return &providers.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		APIBaseURL:   instanceURL,
		TokenType:    token.TokenType,
		IssuedAt:     issuedAt(token),
		ExpiresAt:    token.Expiry,
	}, nil
}

// issuedAt extracts Salesforce's issued_at extra field (epoch milliseconds,
// reported as a string), falling back to the current time
func issuedAt(token *oauth2.Token) time.Time {
	if raw, ok := token.Extra("issued_at").(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
	}
	return time.Now()
}

// isGrantRevoked reports whether the IdP explicitly rejected the grant
func isGrantRevoked(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return false
	}
	return retrieveErr.ErrorCode == "invalid_grant"
}

// isTransientNetworkError distinguishes network-level failures worth one
// retry from IdP responses that must fail immediately
func isTransientNetworkError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// The IdP answered; its answer will not change on retry
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
