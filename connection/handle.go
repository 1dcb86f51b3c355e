package connection

import (
	"context"
	"fmt"

	"github.com/forcebridge/mcp-salesforce/providers"
	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/salesforce"
	"github.com/forcebridge/mcp-salesforce/security"
)

// Handle is a live authenticated API handle wrapping one credential
// snapshot. It is not persisted and not safe for concurrent use: create one
// per logical operation and discard it afterwards. Any token refresh the
// handle triggers is written back to the registry before the operation
// completes.
type Handle struct {
	rec     *registry.CredentialRecord
	factory *Factory
}

// UserID returns the user the handle's credential belongs to
func (h *Handle) UserID() string {
	return h.rec.UserID
}

// ConnectionID returns the credential's opaque connection ID
func (h *Handle) ConnectionID() string {
	return h.rec.ConnectionID
}

// APIBaseURL returns the instance URL the credential is valid against
func (h *Handle) APIBaseURL() string {
	return h.rec.APIBaseURL
}

// Snapshot returns a copy of the underlying credential record
func (h *Handle) Snapshot() *registry.CredentialRecord {
	return h.rec.Clone()
}

// Do runs fn with an authenticated Salesforce client. When the access token
// is already past its expiry, or when fn fails with an auth-expired
// response, the handle refreshes the token, writes it back through the
// factory's registry writer, and runs fn once more with a fresh client.
func (h *Handle) Do(ctx context.Context, fn func(*salesforce.Client) error) error {
	// Proactive refresh when the stored expiry has clearly passed, saving
	// a doomed round trip. A small grace period absorbs clock skew with
	// the IdP.
	if !h.rec.ExpiresAt.IsZero() &&
		security.IsExpiredWithGracePeriod(h.rec.ExpiresAt, security.DefaultClockSkewGracePeriod) {
		if err := h.refresh(ctx); err != nil {
			return err
		}
	}

	client, err := h.client()
	if err != nil {
		return err
	}

	err = fn(client)
	if !salesforce.IsAuthExpired(err) {
		return err
	}

	// The org rejected the token: refresh, write back, retry once
	if err := h.refresh(ctx); err != nil {
		return err
	}
	client, err = h.client()
	if err != nil {
		return err
	}
	return fn(client)
}

// client builds a Salesforce client from the current snapshot
func (h *Handle) client() (*salesforce.Client, error) {
	return salesforce.NewClient(salesforce.Config{
		BaseURL:     h.rec.APIBaseURL,
		AccessToken: h.rec.AccessToken,
		APIVersion:  h.factory.apiVersion,
		HTTPClient:  h.factory.httpClient,
	})
}

// refresh obtains a fresh access token and writes it back to the registry
// before the calling operation continues. A revoked grant surfaces as
// ErrSessionExpired; any other refresh failure as ErrRefreshFailed.
func (h *Handle) refresh(ctx context.Context) error {
	token, err := h.factory.provider.Refresh(ctx, h.rec.RefreshToken, h.rec.APIBaseURL)
	if err != nil {
		h.recordRefresh(ctx, false)
		if providers.IsGrantRevoked(err) {
			h.factory.logger.Warn("Token refresh rejected as revoked grant",
				"user_id", h.rec.UserID)
			if h.factory.auditor != nil {
				h.factory.auditor.LogSessionExpired(h.rec.UserID)
			}
			return fmt.Errorf("%w: %v", ErrSessionExpired, err)
		}
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	update := registry.TokenUpdate{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
	}
	if err := h.factory.writer.UpdateTokens(ctx, h.rec.UserID, update); err != nil {
		h.recordRefresh(ctx, false)
		return fmt.Errorf("failed to write back refreshed tokens: %w", err)
	}

	h.recordRefresh(ctx, true)
	if h.factory.auditor != nil {
		h.factory.auditor.LogTokenRefreshed(h.rec.UserID)
	}

	// Update the local snapshot so this handle's remaining calls use the
	// fresh token
	h.rec.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		h.rec.RefreshToken = token.RefreshToken
	}
	if !token.ExpiresAt.IsZero() {
		h.rec.ExpiresAt = token.ExpiresAt
	}

	h.factory.logger.Debug("Refreshed access token", "user_id", h.rec.UserID)
	return nil
}

// recordRefresh records the outcome of a token refresh attempt
func (h *Handle) recordRefresh(ctx context.Context, success bool) {
	if h.factory.instrumentor == nil {
		return
	}
	h.factory.instrumentor.Metrics().RecordTokenRefresh(ctx, success)
}
