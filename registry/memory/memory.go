package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/forcebridge/mcp-salesforce/instrumentation"
	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/security"
)

const (
	// numStripes is the number of independent lock stripes for the
	// credential map. Must be a power of two so stripe selection reduces
	// to a mask.
	numStripes = 64

	// defaultSweepInterval is how often the background sweep checks for
	// idle credential records
	defaultSweepInterval = time.Hour

	// defaultMaxIdle is the idle-eviction threshold: records not used
	// within this window are removed by the background sweep
	defaultMaxIdle = 24 * time.Hour
)

// stripe holds a shard of the credential map with its own lock.
// Operations keyed by the same user always hit the same stripe, giving the
// per-user critical section the registry contract requires without a global
// lock serializing unrelated users.
type stripe struct {
	mu      sync.Mutex
	records map[string]*registry.CredentialRecord
}

// Store is an in-memory Registry implementation
type Store struct {
	stripes [numStripes]stripe

	// Session index: sessionID -> userID. Bindings are dropped when a
	// newer login supersedes the record they point at.
	sessionMu sync.RWMutex
	sessions  map[string]string

	closed atomic.Bool

	// Security
	encryptor *security.Encryptor // credential encryption at rest (optional)
	auditor   *security.Auditor   // sweep eviction audit events (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Lock-free counter for the credential gauge
	credentialsCount atomic.Int64

	// Sweep
	sweepInterval time.Duration
	maxIdle       time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger

	// Overridable clock for tests
	now func() time.Time
}

// Compile-time interface check
var _ registry.Registry = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEncryptor enables credential encryption at rest
func WithEncryptor(enc *security.Encryptor) Option {
	return func(s *Store) { s.encryptor = enc }
}

// WithSweepInterval overrides how often the idle sweep runs.
// A non-positive interval disables the background sweep; SweepIdle can still
// be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) { s.sweepInterval = d }
}

// WithMaxIdle overrides the idle-eviction threshold used by the background
// sweep
func WithMaxIdle(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxIdle = d
		}
	}
}

// New creates an in-memory registry and starts its background idle sweep
func New(opts ...Option) *Store {
	s := &Store{
		sessions:      make(map[string]string),
		sweepInterval: defaultSweepInterval,
		maxIdle:       defaultMaxIdle,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for i := range s.stripes {
		s.stripes[i].records = make(map[string]*registry.CredentialRecord)
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.encryptor != nil && s.encryptor.IsEnabled() {
		s.logger.Info("Credential encryption at rest enabled for registry")
	}

	if s.sweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store and
// registers the credential-count gauge
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("registry")

	err := inst.RegisterRegistrySizeCallbacks(
		func() int64 { return s.credentialsCount.Load() },
		nil,
	)
	if err != nil {
		s.logger.Warn("Failed to register registry size callback", "error", err)
	}
}

// SetAuditor sets the security auditor used for sweep eviction events
func (s *Store) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// stripeFor returns the stripe owning a user's record
func (s *Store) stripeFor(userID string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.stripes[h.Sum32()&(numStripes-1)]
}

// Store saves a credential record, superseding any existing record for the
// user. The superseded record's session binding is dropped, so its old
// session ID stops resolving immediately.
func (s *Store) Store(ctx context.Context, rec *registry.CredentialRecord) (string, error) {
	ctx, span := s.startSpan(ctx, "store")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "store", err, startTime)
	}()

	if s.closed.Load() {
		err = registry.ErrClosed
		return "", err
	}
	if rec == nil {
		err = fmt.Errorf("record cannot be nil")
		return "", err
	}
	if rec.UserID == "" {
		err = fmt.Errorf("record user ID cannot be empty")
		return "", err
	}
	if rec.SessionID == "" {
		err = fmt.Errorf("record session ID cannot be empty")
		return "", err
	}
	if rec.AccessToken == "" {
		err = fmt.Errorf("record access token cannot be empty")
		return "", err
	}
	if rec.RefreshToken == "" {
		err = fmt.Errorf("record refresh token cannot be empty")
		return "", err
	}

	now := s.now()
	stored := rec.Clone()
	stored.ConnectionID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.LastUsedAt = now

	stored, err = s.encryptRecord(stored)
	if err != nil {
		return "", err
	}

	st := s.stripeFor(rec.UserID)
	st.mu.Lock()
	old, existed := st.records[rec.UserID]
	st.records[rec.UserID] = stored

	s.sessionMu.Lock()
	if existed && old.SessionID != "" && old.SessionID != rec.SessionID {
		delete(s.sessions, old.SessionID)
	}
	s.sessions[rec.SessionID] = rec.UserID
	s.sessionMu.Unlock()
	st.mu.Unlock()

	if !existed {
		s.credentialsCount.Add(1)
	}

	s.logger.Debug("Stored credential record",
		"user_id", rec.UserID,
		"connection_id", stored.ConnectionID,
		"superseded", existed)

	return stored.ConnectionID, nil
}

// GetByUser returns the active credential record for a user, touching its
// last-used time
func (s *Store) GetByUser(ctx context.Context, userID string) (*registry.CredentialRecord, error) {
	ctx, span := s.startSpan(ctx, "get_by_user")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "get_by_user", err, startTime)
	}()

	if s.closed.Load() {
		err = registry.ErrClosed
		return nil, err
	}

	st := s.stripeFor(userID)
	st.mu.Lock()
	rec, ok := st.records[userID]
	if ok {
		rec.LastUsedAt = s.now()
		rec = rec.Clone()
	}
	st.mu.Unlock()

	if !ok {
		err = fmt.Errorf("%w: user %s", registry.ErrNotFound, userID)
		return nil, err
	}

	rec, err = s.decryptRecord(rec)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetBySession resolves a session to its user's active credential record,
// touching its last-used time
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*registry.CredentialRecord, error) {
	ctx, span := s.startSpan(ctx, "get_by_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "get_by_session", err, startTime)
	}()

	if s.closed.Load() {
		err = registry.ErrClosed
		return nil, err
	}

	s.sessionMu.RLock()
	userID, ok := s.sessions[sessionID]
	s.sessionMu.RUnlock()
	if !ok {
		err = fmt.Errorf("%w: session", registry.ErrNotFound)
		return nil, err
	}

	return s.GetByUser(ctx, userID)
}

// UpdateTokens merges the non-zero fields of update into the user's record.
// The merge happens entirely inside the stripe's critical section, so a
// concurrent reader sees either the old record or the fully merged one, never
// a partial write. Concurrent refreshes for the same user are last-write-wins
// with no issuance-time ordering.
func (s *Store) UpdateTokens(ctx context.Context, userID string, update registry.TokenUpdate) error {
	ctx, span := s.startSpan(ctx, "update_tokens")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "update_tokens", err, startTime)
	}()

	if s.closed.Load() {
		err = registry.ErrClosed
		return err
	}
	if update.IsZero() {
		err = fmt.Errorf("token update cannot be empty")
		return err
	}

	// Encrypt replacement values before taking the lock
	encAccess, encRefresh := update.AccessToken, update.RefreshToken
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		if encAccess != "" {
			encAccess, err = s.encryptor.Encrypt(encAccess)
			if err != nil {
				return fmt.Errorf("failed to encrypt access token: %w", err)
			}
		}
		if encRefresh != "" {
			encRefresh, err = s.encryptor.Encrypt(encRefresh)
			if err != nil {
				return fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
		}
	}

	st := s.stripeFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, ok := st.records[userID]
	if !ok {
		err = fmt.Errorf("%w: user %s", registry.ErrNotFound, userID)
		return err
	}

	if update.AccessToken != "" {
		rec.AccessToken = encAccess
	}
	if update.RefreshToken != "" {
		rec.RefreshToken = encRefresh
	}
	if !update.ExpiresAt.IsZero() {
		rec.ExpiresAt = update.ExpiresAt
	}

	s.logger.Debug("Updated credential tokens", "user_id", userID)
	return nil
}

// Remove deletes the credential record and session binding for a user
func (s *Store) Remove(ctx context.Context, userID string) error {
	ctx, span := s.startSpan(ctx, "remove")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "remove", err, startTime)
	}()

	if s.closed.Load() {
		err = registry.ErrClosed
		return err
	}

	st := s.stripeFor(userID)
	st.mu.Lock()
	rec, ok := st.records[userID]
	if ok {
		delete(st.records, userID)
		s.sessionMu.Lock()
		if rec.SessionID != "" {
			delete(s.sessions, rec.SessionID)
		}
		s.sessionMu.Unlock()
	}
	st.mu.Unlock()

	if !ok {
		err = fmt.Errorf("%w: user %s", registry.ErrNotFound, userID)
		return err
	}

	s.credentialsCount.Add(-1)
	s.logger.Debug("Removed credential record", "user_id", userID)
	return nil
}

// SweepIdle removes records whose last-used time is older than maxIdle.
// Each stripe is swept under its own lock, so foreground operations for users
// on other stripes are never blocked by the sweep.
func (s *Store) SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	ctx, span := s.startSpan(ctx, "sweep_idle")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "sweep_idle", err, startTime)
	}()

	if s.closed.Load() {
		err = registry.ErrClosed
		return 0, err
	}
	if maxIdle <= 0 {
		maxIdle = s.maxIdle
	}

	now := s.now()
	removed := 0
	var evicted []string
	for i := range s.stripes {
		st := &s.stripes[i]
		st.mu.Lock()
		var staleSessions []string
		for userID, rec := range st.records {
			if now.Sub(rec.LastUsedAt) > maxIdle {
				delete(st.records, userID)
				if rec.SessionID != "" {
					staleSessions = append(staleSessions, rec.SessionID)
				}
				evicted = append(evicted, userID)
				removed++
			}
		}
		if len(staleSessions) > 0 {
			s.sessionMu.Lock()
			for _, sid := range staleSessions {
				delete(s.sessions, sid)
			}
			s.sessionMu.Unlock()
		}
		st.mu.Unlock()
	}

	if removed > 0 {
		s.credentialsCount.Add(int64(-removed))
		s.logger.Info("Swept idle credential records",
			"removed", removed,
			"max_idle", maxIdle)
		for _, userID := range evicted {
			s.auditor.LogCredentialEvicted(userID)
		}
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordSweep(ctx, "credential", int64(removed))
		}
	}

	return removed, nil
}

// HasActive reports whether a credential record exists for the user.
// It does not touch the record's last-used time.
func (s *Store) HasActive(ctx context.Context, userID string) bool {
	if s.closed.Load() {
		return false
	}
	st := s.stripeFor(userID)
	st.mu.Lock()
	_, ok := st.records[userID]
	st.mu.Unlock()
	return ok
}

// Close stops the background sweep and rejects further operations
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopSweep)
	})
	return nil
}

// sweepLoop runs the periodic idle sweep until Close
func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			if _, err := s.SweepIdle(context.Background(), s.maxIdle); err != nil {
				s.logger.Warn("Idle sweep failed", "error", err)
			}
		}
	}
}

// encryptRecord encrypts the token fields of a record for storage at rest.
// The input is already a private clone and is mutated in place.
func (s *Store) encryptRecord(rec *registry.CredentialRecord) (*registry.CredentialRecord, error) {
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return rec, nil
	}
	var err error
	if rec.AccessToken != "" {
		rec.AccessToken, err = s.encryptor.Encrypt(rec.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
	}
	if rec.RefreshToken != "" {
		rec.RefreshToken, err = s.encryptor.Encrypt(rec.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	return rec, nil
}

// decryptRecord decrypts the token fields of a cloned record for callers
func (s *Store) decryptRecord(rec *registry.CredentialRecord) (*registry.CredentialRecord, error) {
	if s.encryptor == nil || !s.encryptor.IsEnabled() {
		return rec, nil
	}
	var err error
	if rec.AccessToken != "" {
		rec.AccessToken, err = s.encryptor.Decrypt(rec.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
	}
	if rec.RefreshToken != "" {
		rec.RefreshToken, err = s.encryptor.Decrypt(rec.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
	}
	return rec, nil
}

// startSpan starts a tracing span for a registry operation
func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, fmt.Sprintf("registry.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrRegistryOperation, operation),
			attribute.String(instrumentation.AttrRegistryBackend, "memory"),
		))
}

// recordOperation records metrics and span status for a registry operation
func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordRegistryOperation(ctx, operation, result, durationMs)
}
