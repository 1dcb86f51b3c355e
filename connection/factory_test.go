package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/forcebridge/mcp-salesforce/providers"
	"github.com/forcebridge/mcp-salesforce/providers/mock"
	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/registry/memory"
	"github.com/forcebridge/mcp-salesforce/salesforce"
	"github.com/forcebridge/mcp-salesforce/security"
)

// stubOrg serves a minimal Salesforce API that accepts only the given token,
// answering everything else with INVALID_SESSION_ID
func stubOrg(t *testing.T, validToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+validToken {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalSize": 0, "done": true, "records": []}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setup(t *testing.T, provider providers.Provider) (*Factory, *memory.Store) {
	t.Helper()
	store := memory.New(memory.WithSweepInterval(-1))
	t.Cleanup(func() { _ = store.Close() })

	f, err := NewFactory(Config{
		Registry: store,
		Writer:   store,
		Provider: provider,
	})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	return f, store
}

func storeRecord(t *testing.T, store *memory.Store, rec *registry.CredentialRecord) {
	t.Helper()
	if _, err := store.Store(context.Background(), rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
}

func TestFactory_ForUser_NoActiveConnection(t *testing.T) {
	f, _ := setup(t, mock.NewMockProvider())

	_, err := f.ForUser(context.Background(), "nobody")
	if !errors.Is(err, ErrNoActiveConnection) {
		t.Errorf("ForUser() error = %v, want ErrNoActiveConnection", err)
	}
}

func TestFactory_ForSession(t *testing.T) {
	f, store := setup(t, mock.NewMockProvider())
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		APIBaseURL:   "https://org.example.com",
	})

	h, err := f.ForSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ForSession() error = %v", err)
	}
	if h.UserID() != "u1" {
		t.Errorf("UserID() = %q, want %q", h.UserID(), "u1")
	}

	if _, err := f.ForSession(context.Background(), "unknown"); !errors.Is(err, ErrNoActiveConnection) {
		t.Errorf("ForSession(unknown) error = %v, want ErrNoActiveConnection", err)
	}
}

func TestHandle_Do_Success(t *testing.T) {
	org := stubOrg(t, "AT1")
	f, store := setup(t, mock.NewMockProvider())
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		APIBaseURL:   org.URL,
	})

	h, err := f.ForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}

	err = h.Do(context.Background(), func(c *salesforce.Client) error {
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		return err
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestHandle_Do_TransparentRefreshAndWriteBack(t *testing.T) {
	org := stubOrg(t, "AT-new")

	provider := mock.NewMockProvider()
	provider.RefreshFunc = func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
		if refreshToken != "RT1" {
			return nil, fmt.Errorf("unexpected refresh token %q", refreshToken)
		}
		return &providers.Token{
			AccessToken:  "AT-new",
			RefreshToken: "RT1",
			APIBaseURL:   apiBaseURL,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	f, store := setup(t, provider)
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT-stale",
		RefreshToken: "RT1",
		APIBaseURL:   org.URL,
	})

	h, err := f.ForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}

	err = h.Do(context.Background(), func(c *salesforce.Client) error {
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		return err
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want success after transparent refresh", err)
	}
	if got := provider.GetCallCount("Refresh"); got != 1 {
		t.Errorf("Refresh called %d times, want 1", got)
	}

	// The refreshed token was written back before the operation completed
	rec, err := store.GetByUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if rec.AccessToken != "AT-new" {
		t.Errorf("stored AccessToken = %q, want %q", rec.AccessToken, "AT-new")
	}
	if rec.RefreshToken != "RT1" {
		t.Errorf("stored RefreshToken = %q, want %q (preserved)", rec.RefreshToken, "RT1")
	}
}

func TestHandle_Do_RevokedGrantSurfacesSessionExpired(t *testing.T) {
	org := stubOrg(t, "AT-valid-never-matches")

	provider := mock.NewMockProvider()
	provider.RefreshFunc = func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
		return nil, fmt.Errorf("%w: invalid_grant", providers.ErrGrantRevoked)
	}

	f, store := setup(t, provider)
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT-stale",
		RefreshToken: "RT-revoked",
		APIBaseURL:   org.URL,
	})

	h, err := f.ForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}

	err = h.Do(context.Background(), func(c *salesforce.Client) error {
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		return err
	})
	if !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Do() error = %v, want ErrSessionExpired", err)
	}
	if errors.Is(err, ErrNoActiveConnection) {
		t.Error("Do() error must not be ErrNoActiveConnection: a fresh OAuth flow is required, not a retry")
	}
}

func TestHandle_Do_TransientRefreshFailureSurfacesRefreshFailed(t *testing.T) {
	org := stubOrg(t, "AT-valid-never-matches")

	provider := mock.NewMockProvider()
	provider.RefreshFunc = func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
		return nil, fmt.Errorf("connection refused")
	}

	f, store := setup(t, provider)
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT-stale",
		RefreshToken: "RT1",
		APIBaseURL:   org.URL,
	})

	h, err := f.ForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}

	err = h.Do(context.Background(), func(c *salesforce.Client) error {
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		return err
	})
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("Do() error = %v, want ErrRefreshFailed", err)
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Error("Do() error must not be ErrSessionExpired: the grant is still valid")
	}
}

func TestHandle_RefreshEmitsAuditEvents(t *testing.T) {
	org := stubOrg(t, "AT-new")

	provider := mock.NewMockProvider()
	provider.RefreshFunc = func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "AT-new",
			RefreshToken: refreshToken,
			APIBaseURL:   apiBaseURL,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	var buf bytes.Buffer
	auditor := security.NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), true)

	store := memory.New(memory.WithSweepInterval(-1))
	t.Cleanup(func() { _ = store.Close() })
	f, err := NewFactory(Config{
		Registry: store,
		Provider: provider,
		Auditor:  auditor,
	})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT-stale",
		RefreshToken: "RT1",
		APIBaseURL:   org.URL,
	})

	h, err := f.ForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}
	err = h.Do(context.Background(), func(c *salesforce.Client) error {
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		return err
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !strings.Contains(buf.String(), security.EventTokenRefreshed) {
		t.Errorf("audit log missing %q event: %s", security.EventTokenRefreshed, buf.String())
	}

	// A revoked grant is audited as a session expiry
	buf.Reset()
	provider.RefreshFunc = func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
		return nil, fmt.Errorf("%w: invalid_grant", providers.ErrGrantRevoked)
	}
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u2",
		SessionID:    "s2",
		AccessToken:  "AT-stale",
		RefreshToken: "RT-revoked",
		APIBaseURL:   org.URL,
	})
	h, err = f.ForUser(context.Background(), "u2")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}
	err = h.Do(context.Background(), func(c *salesforce.Client) error {
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		return err
	})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("Do() error = %v, want ErrSessionExpired", err)
	}
	if !strings.Contains(buf.String(), security.EventSessionExpired) {
		t.Errorf("audit log missing %q event: %s", security.EventSessionExpired, buf.String())
	}
}

func TestHandle_Do_ProactiveRefreshWhenExpired(t *testing.T) {
	org := stubOrg(t, "AT-new")

	provider := mock.NewMockProvider()
	provider.RefreshFunc = func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
		return &providers.Token{
			AccessToken:  "AT-new",
			RefreshToken: refreshToken,
			APIBaseURL:   apiBaseURL,
			ExpiresAt:    time.Now().Add(time.Hour),
		}, nil
	}

	f, store := setup(t, provider)
	storeRecord(t, store, &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT-expired",
		RefreshToken: "RT1",
		APIBaseURL:   org.URL,
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	h, err := f.ForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ForUser() error = %v", err)
	}

	var calls int
	err = h.Do(context.Background(), func(c *salesforce.Client) error {
		calls++
		_, err := c.Query(context.Background(), "SELECT Id FROM Account")
		return err
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if got := provider.GetCallCount("Refresh"); got != 1 {
		t.Errorf("Refresh called %d times, want 1 (proactive)", got)
	}
	if calls != 1 {
		t.Errorf("operation ran %d times, want 1 (refreshed before first attempt)", calls)
	}
}

func TestNewFactory_Validation(t *testing.T) {
	store := memory.New(memory.WithSweepInterval(-1))
	t.Cleanup(func() { _ = store.Close() })

	if _, err := NewFactory(Config{Provider: mock.NewMockProvider()}); err == nil {
		t.Error("NewFactory() without registry expected error")
	}
	if _, err := NewFactory(Config{Registry: store}); err == nil {
		t.Error("NewFactory() without provider expected error")
	}
}
