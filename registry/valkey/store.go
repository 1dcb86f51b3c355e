package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/forcebridge/mcp-salesforce/registry"
	"github.com/forcebridge/mcp-salesforce/security"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "sfconn:"

	// defaultMaxIdle is the idle-eviction threshold applied as key TTL
	defaultMaxIdle = 24 * time.Hour

	// numStripes is the number of in-process lock stripes for per-user
	// read-modify-write exclusion. Must be a power of two.
	numStripes = 64

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey registry backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "sfconn:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// MaxIdle is the idle-eviction threshold applied as key TTL
	// (default 24h)
	MaxIdle time.Duration

	// Encryptor enables credential encryption at rest when set
	Encryptor *security.Encryptor

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed Registry implementation
type Store struct {
	client    valkeygo.Client
	prefix    string
	maxIdle   time.Duration
	encryptor *security.Encryptor
	auditor   *security.Auditor
	logger    *slog.Logger

	// Per-user exclusion for read-modify-write sequences
	stripes [numStripes]sync.Mutex

	closeOnce sync.Once
}

var _ registry.Registry = (*Store)(nil)

// New creates a Valkey-backed registry.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdle
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey registry",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	s := &Store{
		client:    client,
		prefix:    prefix,
		maxIdle:   maxIdle,
		encryptor: cfg.Encryptor,
		logger:    logger,
	}
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		logger.Info("Credential encryption at rest enabled for Valkey registry")
	}
	return s, nil
}

// SetAuditor sets the security auditor used for sweep eviction events
func (s *Store) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

func (s *Store) credentialKey(userID string) string {
	return s.prefix + "credential:" + userID
}

func (s *Store) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}

func (s *Store) lockUser(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.stripes[h.Sum32()&(numStripes-1)]
}

// Store saves a credential record under the user's key, superseding any
// existing record and dropping the superseded session binding.
func (s *Store) Store(ctx context.Context, rec *registry.CredentialRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("record cannot be nil")
	}
	if rec.UserID == "" {
		return "", fmt.Errorf("record user ID cannot be empty")
	}
	if rec.SessionID == "" {
		return "", fmt.Errorf("record session ID cannot be empty")
	}
	if rec.AccessToken == "" {
		return "", fmt.Errorf("record access token cannot be empty")
	}
	if rec.RefreshToken == "" {
		return "", fmt.Errorf("record refresh token cannot be empty")
	}

	now := time.Now()
	stored := rec.Clone()
	stored.ConnectionID = uuid.NewString()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.LastUsedAt = now

	mu := s.lockUser(rec.UserID)
	mu.Lock()
	defer mu.Unlock()

	// Drop the superseded session binding, if any
	old, err := s.readRecord(ctx, rec.UserID)
	if err != nil {
		return "", err
	}
	if old != nil && old.SessionID != "" && old.SessionID != rec.SessionID {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(old.SessionID)).Build()).Error(); err != nil {
			return "", fmt.Errorf("failed to drop superseded session binding: %w", err)
		}
	}

	if err := s.writeRecord(ctx, stored); err != nil {
		return "", err
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.sessionKey(rec.SessionID)).Value(rec.UserID).Ex(s.maxIdle).Build(),
	).Error(); err != nil {
		return "", fmt.Errorf("failed to save session binding: %w", err)
	}

	s.logger.Debug("Stored credential record",
		"user_id", rec.UserID,
		"connection_id", stored.ConnectionID,
		"superseded", old != nil)

	return stored.ConnectionID, nil
}

// GetByUser returns the active credential record for a user, touching its
// last-used time and refreshing its idle TTL
func (s *Store) GetByUser(ctx context.Context, userID string) (*registry.CredentialRecord, error) {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.touchAndGet(ctx, userID)
}

// GetBySession resolves a session to its user's active credential record
func (s *Store) GetBySession(ctx context.Context, sessionID string) (*registry.CredentialRecord, error) {
	userID, err := s.client.Do(ctx, s.client.B().Get().Key(s.sessionKey(sessionID)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, fmt.Errorf("%w: session", registry.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	return s.GetByUser(ctx, userID)
}

// touchAndGet reads the record, updates its last-used time, and rewrites it
// with a fresh TTL. Caller must hold the user's stripe lock.
func (s *Store) touchAndGet(ctx context.Context, userID string) (*registry.CredentialRecord, error) {
	rec, err := s.readRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: user %s", registry.ErrNotFound, userID)
	}

	rec.LastUsedAt = time.Now()
	if err := s.writeRecord(ctx, rec); err != nil {
		return nil, err
	}
	if rec.SessionID != "" {
		// Keep the session binding's TTL aligned with the record's
		ttl := int64(s.maxIdle.Seconds())
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(s.sessionKey(rec.SessionID)).Seconds(ttl).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to refresh session binding TTL", "error", err)
		}
	}
	return rec, nil
}

// UpdateTokens merges the non-zero fields of update into the user's record.
// The read-modify-write runs under the user's stripe lock, so concurrent
// merges for the same user serialize; the outcome of concurrent refreshes is
// last-write-wins with no issuance-time ordering.
func (s *Store) UpdateTokens(ctx context.Context, userID string, update registry.TokenUpdate) error {
	if update.IsZero() {
		return fmt.Errorf("token update cannot be empty")
	}

	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.readRecord(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: user %s", registry.ErrNotFound, userID)
	}

	if update.AccessToken != "" {
		rec.AccessToken = update.AccessToken
	}
	if update.RefreshToken != "" {
		rec.RefreshToken = update.RefreshToken
	}
	if !update.ExpiresAt.IsZero() {
		rec.ExpiresAt = update.ExpiresAt
	}

	if err := s.writeRecord(ctx, rec); err != nil {
		return err
	}
	s.logger.Debug("Updated credential tokens", "user_id", userID)
	return nil
}

// Remove deletes the credential record and session binding for a user
func (s *Store) Remove(ctx context.Context, userID string) error {
	mu := s.lockUser(userID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.readRecord(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: user %s", registry.ErrNotFound, userID)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.credentialKey(userID)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if rec.SessionID != "" {
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(rec.SessionID)).Build()).Error(); err != nil {
			return fmt.Errorf("failed to delete session binding: %w", err)
		}
	}

	s.logger.Debug("Removed credential record", "user_id", userID)
	return nil
}

// SweepIdle scans credential keys and removes records idle past maxIdle.
// Valkey TTLs already evict idle records passively; the explicit sweep exists
// for the final pass during shutdown and for operator-invoked cleanup with a
// tighter threshold.
func (s *Store) SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		maxIdle = s.maxIdle
	}

	now := time.Now()
	removed := 0
	pattern := s.credentialKey("*")
	var cursor uint64

	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("failed to scan credentials: %w", err)
		}

		for _, key := range result.Elements {
			userID := key[len(s.credentialKey("")):]
			mu := s.lockUser(userID)
			mu.Lock()
			rec, err := s.readRecord(ctx, userID)
			if err == nil && rec != nil && now.Sub(rec.LastUsedAt) > maxIdle {
				if delErr := s.client.Do(ctx, s.client.B().Del().Key(s.credentialKey(userID)).Build()).Error(); delErr == nil {
					removed++
					s.auditor.LogCredentialEvicted(userID)
					if rec.SessionID != "" {
						_ = s.client.Do(ctx, s.client.B().Del().Key(s.sessionKey(rec.SessionID)).Build()).Error()
					}
				}
			}
			mu.Unlock()
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Info("Swept idle credential records",
			"removed", removed,
			"max_idle", maxIdle)
	}
	return removed, nil
}

// HasActive reports whether a credential record exists for the user
func (s *Store) HasActive(ctx context.Context, userID string) bool {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.credentialKey(userID)).Build()).AsInt64()
	return err == nil && n > 0
}

// Close closes the Valkey client connection
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.logger.Info("Valkey registry connection closed")
	})
	return nil
}

// readRecord reads and decrypts a record, returning (nil, nil) when absent
func (s *Store) readRecord(ctx context.Context, userID string) (*registry.CredentialRecord, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.credentialKey(userID)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	var rec registry.CredentialRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential: %w", err)
	}

	if s.encryptor != nil && s.encryptor.IsEnabled() {
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
	}
	return &rec, nil
}

// writeRecord encrypts and writes a record with the idle-eviction TTL
func (s *Store) writeRecord(ctx context.Context, rec *registry.CredentialRecord) error {
	stored := rec.Clone()
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		var err error
		if stored.AccessToken != "" {
			stored.AccessToken, err = s.encryptor.Encrypt(stored.AccessToken)
			if err != nil {
				return fmt.Errorf("failed to encrypt access token: %w", err)
			}
		}
		if stored.RefreshToken != "" {
			stored.RefreshToken, err = s.encryptor.Encrypt(stored.RefreshToken)
			if err != nil {
				return fmt.Errorf("failed to encrypt refresh token: %w", err)
			}
		}
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.credentialKey(stored.UserID)).Value(string(data)).Ex(s.maxIdle).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}
