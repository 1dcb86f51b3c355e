package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/forcebridge/mcp-salesforce/connection"
	"github.com/forcebridge/mcp-salesforce/lifecycle"
	"github.com/forcebridge/mcp-salesforce/providers/mock"
	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/registry/memory"
)

// stubOrg serves a minimal slice of the Salesforce REST API
func stubOrg(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer AT1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`[{"errorCode":"INVALID_SESSION_ID","message":"Session expired"}]`))
			return
		}

		switch {
		case strings.Contains(r.URL.Path, "/query"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"totalSize": 1,
				"done":      true,
				"records":   []map[string]any{{"Id": "001xx000003DGb1", "Name": "Acme"}},
			})
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/sobjects/"):
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "001xx000003DGb2", "success": true})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`[{"errorCode":"NOT_FOUND","message":"not found"}]`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupTestService(t *testing.T) (*Service, *lifecycle.Coordinator) {
	t.Helper()

	org := stubOrg(t)

	store := memory.New(memory.WithSweepInterval(0))
	t.Cleanup(func() { _ = store.Close() })

	_, err := store.Store(context.Background(), &registry.CredentialRecord{
		UserID:       "u1",
		SessionID:    "s1",
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		APIBaseURL:   org.URL,
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	factory, err := connection.NewFactory(connection.Config{
		Registry: store,
		Provider: mock.NewMockProvider(),
	})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}

	coordinator := lifecycle.NewCoordinator()
	svc, err := NewService(Config{
		Factory:     factory,
		Coordinator: coordinator,
	})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, coordinator
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", result.Content[0])
	}
	return text.Text
}

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(Config{Coordinator: lifecycle.NewCoordinator()}); err == nil {
		t.Error("NewService() without factory error = nil, want error")
	}

	store := memory.New(memory.WithSweepInterval(0))
	defer store.Close()
	factory, err := connection.NewFactory(connection.Config{Registry: store, Provider: mock.NewMockProvider()})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	if _, err := NewService(Config{Factory: factory}); err == nil {
		t.Error("NewService() without coordinator error = nil, want error")
	}
}

func TestService_HandleQuery(t *testing.T) {
	svc, _ := setupTestService(t)

	result, err := svc.handleQuery(context.Background(), callRequest(map[string]any{
		"user_id": "u1",
		"soql":    "SELECT Id, Name FROM Account",
	}))
	if err != nil {
		t.Fatalf("handleQuery() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("result is an error: %s", resultText(t, result))
	}
	if got := resultText(t, result); !strings.Contains(got, "Acme") {
		t.Errorf("result = %q, want it to contain the record name", got)
	}
}

func TestService_HandleQuery_ArgumentValidation(t *testing.T) {
	svc, _ := setupTestService(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing user_id", map[string]any{"soql": "SELECT Id FROM Account"}, "user_id is required"},
		{"missing soql", map[string]any{"user_id": "u1"}, "soql is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := svc.handleQuery(context.Background(), callRequest(tt.args))
			if err != nil {
				t.Fatalf("handleQuery() error = %v", err)
			}
			if !result.IsError {
				t.Fatal("result.IsError = false, want true")
			}
			if got := resultText(t, result); !strings.Contains(got, tt.want) {
				t.Errorf("result = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestService_HandleQuery_NoConnection(t *testing.T) {
	svc, _ := setupTestService(t)

	result, err := svc.handleQuery(context.Background(), callRequest(map[string]any{
		"user_id": "unknown-user",
		"soql":    "SELECT Id FROM Account",
	}))
	if err != nil {
		t.Fatalf("handleQuery() error = %v", err)
	}
	if !result.IsError {
		t.Fatal("result.IsError = false, want true")
	}
	if got := resultText(t, result); !strings.Contains(got, "no active Salesforce connection") {
		t.Errorf("result = %q, want a no-connection message", got)
	}
}

func TestService_HandleCreateRecord(t *testing.T) {
	svc, _ := setupTestService(t)

	result, err := svc.handleCreateRecord(context.Background(), callRequest(map[string]any{
		"user_id": "u1",
		"object":  "Account",
		"fields":  map[string]any{"Name": "New Account"},
	}))
	if err != nil {
		t.Fatalf("handleCreateRecord() error = %v", err)
	}
	if result.IsError {
		t.Fatalf("result is an error: %s", resultText(t, result))
	}
	if got := resultText(t, result); !strings.Contains(got, "001xx000003DGb2") {
		t.Errorf("result = %q, want it to contain the new record ID", got)
	}
}

func TestService_RejectsWhileDraining(t *testing.T) {
	svc, coordinator := setupTestService(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := coordinator.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	result, err := svc.handleQuery(context.Background(), callRequest(map[string]any{
		"user_id": "u1",
		"soql":    "SELECT Id FROM Account",
	}))
	if err != nil {
		t.Fatalf("handleQuery() error = %v", err)
	}
	if !result.IsError {
		t.Fatal("result.IsError = false, want true")
	}
	if got := resultText(t, result); !strings.Contains(got, "shutting down") {
		t.Errorf("result = %q, want a shutdown message", got)
	}
}
