// Package mock provides a mock implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forcebridge/mcp-salesforce/providers"
)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string) (*providers.Token, error)

	// RefreshFunc is called when Refresh() is invoked
	RefreshFunc func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error)

	// IdentityFunc is called when Identity() is invoked
	IdentityFunc func(ctx context.Context, accessToken, apiBaseURL string) (*providers.Identity, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider with default implementations
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return fmt.Sprintf("https://mock.example.com/authorize?response_type=code&state=%s", state)
		},
		ExchangeCodeFunc: func(ctx context.Context, code string) (*providers.Token, error) {
			return &providers.Token{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				APIBaseURL:   "https://mock-org.example.com",
				TokenType:    "Bearer",
				IssuedAt:     time.Now(),
			}, nil
		},
		RefreshFunc: func(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
			return &providers.Token{
				AccessToken:  "new-mock-access-token",
				RefreshToken: refreshToken,
				APIBaseURL:   apiBaseURL,
				TokenType:    "Bearer",
				IssuedAt:     time.Now(),
				ExpiresAt:    time.Now().Add(time.Hour),
			}, nil
		},
		IdentityFunc: func(ctx context.Context, accessToken, apiBaseURL string) (*providers.Identity, error) {
			return &providers.Identity{
				UserID:      "mock-user-123",
				TenantID:    "mock-org-001",
				DisplayName: "Mock User",
				Email:       "mock@example.com",
			}, nil
		},
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	m.recordCall("Name")
	return m.NameFunc()
}

// AuthorizationURL generates a mock authorization URL
func (m *MockProvider) AuthorizationURL(state string) string {
	m.recordCall("AuthorizationURL")
	return m.AuthorizationURLFunc(state)
}

// ExchangeCode exchanges a code using the configured function
func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*providers.Token, error) {
	m.recordCall("ExchangeCode")
	return m.ExchangeCodeFunc(ctx, code)
}

// Refresh refreshes a token using the configured function
func (m *MockProvider) Refresh(ctx context.Context, refreshToken, apiBaseURL string) (*providers.Token, error) {
	m.recordCall("Refresh")
	return m.RefreshFunc(ctx, refreshToken, apiBaseURL)
}

// Identity fetches identity information using the configured function
func (m *MockProvider) Identity(ctx context.Context, accessToken, apiBaseURL string) (*providers.Identity, error) {
	m.recordCall("Identity")
	return m.IdentityFunc(ctx, accessToken, apiBaseURL)
}

// GetCallCount returns how many times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

func (m *MockProvider) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}
