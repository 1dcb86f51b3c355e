package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/security"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithSweepInterval(-1)}, opts...)
	s := New(opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(userID, sessionID string) *registry.CredentialRecord {
	return &registry.CredentialRecord{
		UserID:       userID,
		SessionID:    sessionID,
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		APIBaseURL:   "https://org.my.salesforce.com",
		TenantID:     "00D000000000001",
	}
}

func TestStore_StoreAndGetByUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	connID, err := s.Store(ctx, testRecord("u1", "s1"))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if connID == "" {
		t.Fatal("Store() returned empty connection ID")
	}

	rec, err := s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if rec.AccessToken != "access-u1" {
		t.Errorf("AccessToken = %q, want %q", rec.AccessToken, "access-u1")
	}
	if rec.RefreshToken != "refresh-u1" {
		t.Errorf("RefreshToken = %q, want %q", rec.RefreshToken, "refresh-u1")
	}
	if rec.ConnectionID != connID {
		t.Errorf("ConnectionID = %q, want %q", rec.ConnectionID, connID)
	}
	if rec.LastUsedAt.IsZero() {
		t.Error("LastUsedAt should be set after a lookup hit")
	}
}

func TestStore_Store_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		rec  *registry.CredentialRecord
	}{
		{name: "nil record", rec: nil},
		{name: "empty user ID", rec: testRecord("", "s1")},
		{name: "empty session ID", rec: testRecord("u1", "")},
		{
			name: "empty access token",
			rec: &registry.CredentialRecord{
				UserID:       "u1",
				SessionID:    "s1",
				RefreshToken: "refresh-u1",
			},
		},
		{
			name: "empty refresh token",
			rec: &registry.CredentialRecord{
				UserID:      "u1",
				SessionID:   "s1",
				AccessToken: "access-u1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Store(ctx, tt.rec); err == nil {
				t.Error("Store() expected error, got nil")
			}
		})
	}
}

func TestStore_GetByUser_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByUser(context.Background(), "nobody")
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetByUser() error = %v, want ErrNotFound", err)
	}
}

func TestStore_Supersession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, testRecord("u1", "s1")); err != nil {
		t.Fatalf("Store(s1) error = %v", err)
	}

	rec2 := testRecord("u1", "s2")
	rec2.AccessToken = "access-second"
	if _, err := s.Store(ctx, rec2); err != nil {
		t.Fatalf("Store(s2) error = %v", err)
	}

	// The user resolves to the newer record
	got, err := s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if got.AccessToken != "access-second" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "access-second")
	}

	// The superseded session binding is dropped
	if _, err := s.GetBySession(ctx, "s1"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetBySession(old) error = %v, want ErrNotFound", err)
	}

	// The new session resolves to the new record
	got, err = s.GetBySession(ctx, "s2")
	if err != nil {
		t.Fatalf("GetBySession(new) error = %v", err)
	}
	if got.AccessToken != "access-second" {
		t.Errorf("GetBySession AccessToken = %q, want %q", got.AccessToken, "access-second")
	}
}

func TestStore_UpdateTokens_MergesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("u1", "s1")
	rec.AccessToken = "A1"
	rec.RefreshToken = "R1"
	if _, err := s.Store(ctx, rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	err := s.UpdateTokens(ctx, "u1", registry.TokenUpdate{AccessToken: "A2"})
	if err != nil {
		t.Fatalf("UpdateTokens() error = %v", err)
	}

	got, err := s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if got.AccessToken != "A2" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "A2")
	}
	if got.RefreshToken != "R1" {
		t.Errorf("RefreshToken = %q, want %q (must be preserved)", got.RefreshToken, "R1")
	}
}

func TestStore_UpdateTokens_NoImplicitCreate(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateTokens(context.Background(), "nobody", registry.TokenUpdate{AccessToken: "A1"})
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("UpdateTokens() error = %v, want ErrNotFound", err)
	}
	if s.HasActive(context.Background(), "nobody") {
		t.Error("UpdateTokens must not create a record")
	}
}

func TestStore_UpdateTokens_EmptyUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, testRecord("u1", "s1")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := s.UpdateTokens(ctx, "u1", registry.TokenUpdate{}); err == nil {
		t.Error("UpdateTokens() with empty update expected error, got nil")
	}
}

func TestStore_Remove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, testRecord("u1", "s1")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	if err := s.Remove(ctx, "u1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, err := s.GetByUser(ctx, "u1"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetByUser() after remove error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBySession(ctx, "s1"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetBySession() after remove error = %v, want ErrNotFound", err)
	}
	if err := s.Remove(ctx, "u1"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestStore_HasActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if s.HasActive(ctx, "u1") {
		t.Error("HasActive() = true before store")
	}
	if _, err := s.Store(ctx, testRecord("u1", "s1")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !s.HasActive(ctx, "u1") {
		t.Error("HasActive() = false after store")
	}
}

func TestStore_SweepIdle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }

	if _, err := s.Store(ctx, testRecord("idle", "s-idle")); err != nil {
		t.Fatalf("Store(idle) error = %v", err)
	}

	// The second record is used 2h later, keeping it fresh
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := s.Store(ctx, testRecord("fresh", "s-fresh")); err != nil {
		t.Fatalf("Store(fresh) error = %v", err)
	}

	// Sweep at base+3h with a 2h idle threshold: only "idle" qualifies
	s.now = func() time.Time { return base.Add(3 * time.Hour) }
	removed, err := s.SweepIdle(ctx, 2*time.Hour)
	if err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("SweepIdle() removed = %d, want 1", removed)
	}

	if _, err := s.GetByUser(ctx, "idle"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetByUser(idle) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBySession(ctx, "s-idle"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("GetBySession(s-idle) error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByUser(ctx, "fresh"); err != nil {
		t.Errorf("GetByUser(fresh) error = %v, want nil", err)
	}
}

func TestStore_SweepIdleAuditsEvictions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var buf bytes.Buffer
	s.SetAuditor(security.NewAuditor(slog.New(slog.NewJSONHandler(&buf, nil)), true))

	base := time.Now()
	s.now = func() time.Time { return base }
	if _, err := s.Store(ctx, testRecord("idle", "s-idle")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	s.now = func() time.Time { return base.Add(3 * time.Hour) }
	if _, err := s.SweepIdle(ctx, 2*time.Hour); err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}

	if !strings.Contains(buf.String(), security.EventCredentialEvicted) {
		t.Errorf("audit log missing %q event: %s", security.EventCredentialEvicted, buf.String())
	}
}

func TestStore_LookupTouchesLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if _, err := s.Store(ctx, testRecord("u1", "s1")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// A lookup just before the sweep refreshes the idle clock
	s.now = func() time.Time { return base.Add(90 * time.Minute) }
	if _, err := s.GetByUser(ctx, "u1"); err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	removed, err := s.SweepIdle(ctx, time.Hour)
	if err != nil {
		t.Fatalf("SweepIdle() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("SweepIdle() removed = %d, want 0 (record was touched)", removed)
	}
}

func TestStore_EncryptionAtRest(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	s := newTestStore(t, WithEncryptor(enc))
	ctx := context.Background()

	rec := testRecord("u1", "s1")
	if _, err := s.Store(ctx, rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	// The stored copy must not contain the plaintext token
	st := s.stripeFor("u1")
	st.mu.Lock()
	storedAccess := st.records["u1"].AccessToken
	st.mu.Unlock()
	if storedAccess == rec.AccessToken {
		t.Error("stored access token is plaintext, want ciphertext")
	}

	// Lookups transparently decrypt
	got, err := s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if got.AccessToken != "access-u1" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "access-u1")
	}

	// Partial update round-trips through encryption too
	if err := s.UpdateTokens(ctx, "u1", registry.TokenUpdate{AccessToken: "A2"}); err != nil {
		t.Fatalf("UpdateTokens() error = %v", err)
	}
	got, err = s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if got.AccessToken != "A2" {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, "A2")
	}
	if got.RefreshToken != "refresh-u1" {
		t.Errorf("RefreshToken = %q, want %q", got.RefreshToken, "refresh-u1")
	}
}

func TestStore_ReturnedRecordIsACopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, testRecord("u1", "s1")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	rec, err := s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	rec.AccessToken = "mutated"

	again, err := s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if again.AccessToken != "access-u1" {
		t.Error("mutating a returned record must not affect stored state")
	}
}

func TestStore_Closed(t *testing.T) {
	s := New(WithSweepInterval(-1))
	ctx := context.Background()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Close is idempotent
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := s.Store(ctx, testRecord("u1", "s1")); !errors.Is(err, registry.ErrClosed) {
		t.Errorf("Store() after close error = %v, want ErrClosed", err)
	}
	if _, err := s.GetByUser(ctx, "u1"); !errors.Is(err, registry.ErrClosed) {
		t.Errorf("GetByUser() after close error = %v, want ErrClosed", err)
	}
	if s.HasActive(ctx, "u1") {
		t.Error("HasActive() after close = true, want false")
	}
}

func TestStore_ConcurrentUsersIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const users = 32
	const opsPerUser = 50

	var wg sync.WaitGroup
	errCh := make(chan error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			sessionID := fmt.Sprintf("session-%d", i)
			if _, err := s.Store(ctx, testRecord(userID, sessionID)); err != nil {
				errCh <- err
				return
			}
			for j := 0; j < opsPerUser; j++ {
				if err := s.UpdateTokens(ctx, userID, registry.TokenUpdate{
					AccessToken: fmt.Sprintf("token-%d-%d", i, j),
				}); err != nil {
					errCh <- err
					return
				}
				if _, err := s.GetByUser(ctx, userID); err != nil {
					errCh <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("concurrent operation error: %v", err)
	}

	// Every record survived with all required fields intact
	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("user-%d", i)
		rec, err := s.GetByUser(ctx, userID)
		if err != nil {
			t.Fatalf("GetByUser(%s) error = %v", userID, err)
		}
		if rec.AccessToken == "" || rec.RefreshToken == "" {
			t.Errorf("record for %s has missing token fields after concurrent updates", userID)
		}
	}
}

func TestStore_ConcurrentRefreshesSameUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, testRecord("u1", "s1")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	const refreshers = 16
	var wg sync.WaitGroup
	for i := 0; i < refreshers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.UpdateTokens(ctx, "u1", registry.TokenUpdate{
				AccessToken: fmt.Sprintf("refreshed-%d", i),
			})
		}(i)
	}
	wg.Wait()

	// Last write wins; the record is never partially written
	rec, err := s.GetByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByUser() error = %v", err)
	}
	if rec.AccessToken == "" {
		t.Error("access token missing after concurrent refreshes")
	}
	if rec.RefreshToken != "refresh-u1" {
		t.Errorf("RefreshToken = %q, want %q (never erased by access-only updates)", rec.RefreshToken, "refresh-u1")
	}
}
