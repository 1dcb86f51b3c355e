package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrorCodeSessionExpired, "re-authentication required", http.StatusUnauthorized)
	if got := err.Error(); !strings.Contains(got, ErrorCodeSessionExpired) {
		t.Errorf("Error() = %q, want it to contain %q", got, ErrorCodeSessionExpired)
	}
}

func TestError_JSONShape(t *testing.T) {
	data, err := json.Marshal(ErrInvalidOrExpiredState("state token is invalid"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if body["code"] != ErrorCodeInvalidOrExpiredState {
		t.Errorf("code = %v, want %q", body["code"], ErrorCodeInvalidOrExpiredState)
	}
	if body["message"] != "state token is invalid" {
		t.Errorf("message = %v, want the constructor message", body["message"])
	}
	// Status is transport metadata, never part of the body
	if _, present := body["status"]; present {
		t.Error("status should not be serialized")
	}
}

func TestErrorConstructors_Statuses(t *testing.T) {
	tests := []struct {
		err        *Error
		wantCode   string
		wantStatus int
	}{
		{ErrInvalidOrExpiredState("m"), ErrorCodeInvalidOrExpiredState, http.StatusBadRequest},
		{ErrTokenExchangeFailed("m"), ErrorCodeTokenExchangeFailed, http.StatusBadGateway},
		{ErrIdentityLookupFailed("m"), ErrorCodeIdentityLookupFailed, http.StatusBadGateway},
		{ErrNoActiveConnection("m"), ErrorCodeNoActiveConnection, http.StatusNotFound},
		{ErrSessionExpired("m"), ErrorCodeSessionExpired, http.StatusUnauthorized},
		{ErrRefreshFailed("m"), ErrorCodeRefreshFailed, http.StatusBadGateway},
		{ErrShutdownInProgress("m"), ErrorCodeShutdownInProgress, http.StatusServiceUnavailable},
		{ErrRateLimitExceeded("m"), ErrorCodeRateLimitExceeded, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
		})
	}
}

func TestError_As(t *testing.T) {
	wrapped := fmt.Errorf("handling callback: %w", ErrSessionExpired("grant revoked"))

	var connErr *Error
	if !errors.As(wrapped, &connErr) {
		t.Fatal("errors.As() = false, want true")
	}
	if connErr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want %d", connErr.Status, http.StatusUnauthorized)
	}
}
