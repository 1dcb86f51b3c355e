package salesforce

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		AccessToken: "AT1",
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Config{AccessToken: "AT1"}); err == nil {
		t.Error("NewClient() without base URL expected error")
	}
	if _, err := NewClient(Config{BaseURL: "https://org.example.com"}); err == nil {
		t.Error("NewClient() without access token expected error")
	}
}

func TestClient_Query(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer AT1" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer AT1")
		}
		if got := r.URL.Query().Get("q"); got != "SELECT Id FROM Account" {
			t.Errorf("q = %q, want %q", got, "SELECT Id FROM Account")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"totalSize": 1,
			"done": true,
			"records": [{"Id": "001000000000001", "Name": "Acme"}]
		}`))
	}))

	result, err := c.Query(context.Background(), "SELECT Id FROM Account")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if result.TotalSize != 1 || !result.Done {
		t.Errorf("Query() = {TotalSize: %d, Done: %v}, want {1, true}", result.TotalSize, result.Done)
	}
	if len(result.Records) != 1 || result.Records[0]["Id"] != "001000000000001" {
		t.Errorf("Records = %v, want one record with Id 001000000000001", result.Records)
	}
}

func TestClient_Query_AuthExpired(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{
			name:   "401 status",
			status: http.StatusUnauthorized,
			body:   `[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`,
		},
		{
			name:   "INVALID_SESSION_ID code on another status",
			status: http.StatusForbidden,
			body:   `[{"message":"Session expired or invalid","errorCode":"INVALID_SESSION_ID"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))

			_, err := c.Query(context.Background(), "SELECT Id FROM Account")
			if !IsAuthExpired(err) {
				t.Errorf("Query() error = %v, want ErrAuthExpired", err)
			}
		})
	}
}

func TestClient_Query_APIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"message":"unexpected token","errorCode":"MALFORMED_QUERY"}]`))
	}))

	_, err := c.Query(context.Background(), "SELEKT")
	if err == nil {
		t.Fatal("Query() expected error, got nil")
	}
	if IsAuthExpired(err) {
		t.Error("Query() error misreported as auth-expired")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Query() error = %v, want *APIError", err)
	}
	if apiErr.ErrorCode != "MALFORMED_QUERY" {
		t.Errorf("ErrorCode = %q, want %q", apiErr.ErrorCode, "MALFORMED_QUERY")
	}
}

func TestClient_DescribeObject(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wantPath := "/services/data/" + DefaultAPIVersion + "/sobjects/Account/describe"
		if r.URL.Path != wantPath {
			t.Errorf("path = %q, want %q", r.URL.Path, wantPath)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"name": "Account",
			"label": "Account",
			"queryable": true,
			"fields": [{"name": "Name", "label": "Account Name", "type": "string"}]
		}`))
	}))

	desc, err := c.DescribeObject(context.Background(), "Account")
	if err != nil {
		t.Fatalf("DescribeObject() error = %v", err)
	}
	if desc.Name != "Account" {
		t.Errorf("Name = %q, want %q", desc.Name, "Account")
	}
	if len(desc.Fields) != 1 || desc.Fields[0].Name != "Name" {
		t.Errorf("Fields = %v, want one field named Name", desc.Fields)
	}
}

func TestClient_CreateRecord(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			t.Errorf("request body decode error = %v", err)
		}
		if fields["Name"] != "Acme" {
			t.Errorf("Name field = %v, want Acme", fields["Name"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "001000000000001", "success": true}`))
	}))

	id, err := c.CreateRecord(context.Background(), "Account", map[string]any{"Name": "Acme"})
	if err != nil {
		t.Fatalf("CreateRecord() error = %v", err)
	}
	if id != "001000000000001" {
		t.Errorf("CreateRecord() id = %q, want %q", id, "001000000000001")
	}
}

func TestClient_UpdateRecord(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %q, want PATCH", r.Method)
		}
		wantPath := "/services/data/" + DefaultAPIVersion + "/sobjects/Account/001000000000001"
		if r.URL.Path != wantPath {
			t.Errorf("path = %q, want %q", r.URL.Path, wantPath)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.UpdateRecord(context.Background(), "Account", "001000000000001", map[string]any{"Name": "Acme 2"})
	if err != nil {
		t.Fatalf("UpdateRecord() error = %v", err)
	}
}

func TestClient_GetApexClass(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"totalSize": 1,
			"records": [{"Id": "01p000000000001", "Name": "OrderHelper", "Body": "public class OrderHelper {}"}]
		}`))
	}))

	cls, err := c.GetApexClass(context.Background(), "OrderHelper")
	if err != nil {
		t.Fatalf("GetApexClass() error = %v", err)
	}
	if cls.Name != "OrderHelper" {
		t.Errorf("Name = %q, want %q", cls.Name, "OrderHelper")
	}
}

func TestClient_GetApexClass_NotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalSize": 0, "records": []}`))
	}))

	if _, err := c.GetApexClass(context.Background(), "Missing"); err == nil {
		t.Error("GetApexClass() expected error for missing class")
	}
}

func TestClient_SaveApexClass_CreatesWhenMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"totalSize": 0, "records": []}`))
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": "01p000000000002", "success": true}`))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))

	id, err := c.SaveApexClass(context.Background(), "NewHelper", "public class NewHelper {}")
	if err != nil {
		t.Fatalf("SaveApexClass() error = %v", err)
	}
	if id != "01p000000000002" {
		t.Errorf("SaveApexClass() id = %q, want %q", id, "01p000000000002")
	}
}

func TestClient_SaveApexClass_UpdatesExisting(t *testing.T) {
	var patched bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{
				"totalSize": 1,
				"records": [{"Id": "01p000000000001", "Name": "OrderHelper", "Body": "old"}]
			}`))
		case http.MethodPatch:
			patched = true
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}))

	id, err := c.SaveApexClass(context.Background(), "OrderHelper", "public class OrderHelper { /* v2 */ }")
	if err != nil {
		t.Fatalf("SaveApexClass() error = %v", err)
	}
	if id != "01p000000000001" {
		t.Errorf("SaveApexClass() id = %q, want %q", id, "01p000000000001")
	}
	if !patched {
		t.Error("SaveApexClass() did not PATCH the existing class")
	}
}
