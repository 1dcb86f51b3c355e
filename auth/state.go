package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/forcebridge/mcp-salesforce/instrumentation"
)

const (
	// DefaultStateTTL is how long an issued state token remains valid.
	// Abandoned login flows become invalid after this window even if the
	// sweep has not removed them yet.
	DefaultStateTTL = 10 * time.Minute

	// defaultSweepInterval is how often the background sweep removes
	// expired states from abandoned flows
	defaultSweepInterval = time.Hour
)

// ErrInvalidState is returned when a state token is unknown, already
// consumed, or past its TTL. The cases map to the same external response;
// replay is additionally distinguishable via ErrStateReplayed so callers can
// audit it.
var ErrInvalidState = errors.New("invalid or expired state")

// ErrStateReplayed is returned when a previously consumed token is presented
// again inside its original validity window. It wraps ErrInvalidState, so
// callers that do not care about the distinction treat it the same way.
var ErrStateReplayed = fmt.Errorf("%w: token already consumed", ErrInvalidState)

// State is the payload bound to an issued state token
type State struct {
	UserID    string
	SessionID string
	ReturnURL string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// StateManager issues and single-use-consumes anti-forgery state tokens.
// It is safe for concurrent use.
type StateManager struct {
	mu     sync.Mutex
	states map[string]*State

	// Consumed-token markers, kept until the token's original expiry so a
	// replay inside the validity window is distinguishable from an unknown
	// token
	consumed map[string]time.Time

	ttl           time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger

	instrumentation *instrumentation.Instrumentation

	// Overridable clock for tests
	now func() time.Time
}

// Option configures a StateManager
type Option func(*StateManager)

// WithTTL overrides the state token TTL
func WithTTL(ttl time.Duration) Option {
	return func(m *StateManager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval overrides how often the expiry sweep runs.
// A non-positive interval disables the background sweep; Sweep can still be
// called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(m *StateManager) { m.sweepInterval = d }
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *StateManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewStateManager creates a state manager and starts its background sweep
func NewStateManager(opts ...Option) *StateManager {
	m := &StateManager{
		states:        make(map[string]*State),
		consumed:      make(map[string]time.Time),
		ttl:           DefaultStateTTL,
		sweepInterval: defaultSweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepInterval > 0 {
		go m.sweepLoop()
	}
	return m
}

// SetInstrumentation sets OpenTelemetry instrumentation and registers the
// pending-state gauge
func (m *StateManager) SetInstrumentation(inst *instrumentation.Instrumentation) {
	m.instrumentation = inst
	if inst == nil {
		return
	}
	err := inst.RegisterRegistrySizeCallbacks(nil, func() int64 {
		return int64(m.Count())
	})
	if err != nil {
		m.logger.Warn("Failed to register state count callback", "error", err)
	}
}

// Generate issues a new state token bound to the given user, session, and
// optional return location. The token comes from a cryptographically secure
// random source and is not guessable from timing or sequence.
func (m *StateManager) Generate(userID, sessionID, returnURL string) (string, error) {
	if userID == "" {
		return "", errors.New("user ID cannot be empty")
	}

	token := oauth2.GenerateVerifier()
	now := m.now()

	m.mu.Lock()
	m.states[token] = &State{
		UserID:    userID,
		SessionID: sessionID,
		ReturnURL: returnURL,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.mu.Unlock()

	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordLoginStarted(context.Background())
	}
	m.logger.Debug("Issued authorization state", "user_id", userID)
	return token, nil
}

// Consume atomically removes the state for a token and returns its payload.
// It fails with ErrInvalidState when the token is unknown, already consumed,
// or expired; a second call with the same token always fails, with
// ErrStateReplayed while the token's original validity window is still open.
// The entry is removed on the first consumption attempt regardless of outcome.
func (m *StateManager) Consume(token string) (*State, error) {
	now := m.now()

	m.mu.Lock()
	state, ok := m.states[token]
	if ok {
		delete(m.states, token)
		m.consumed[token] = state.ExpiresAt
	}
	replayed := false
	if !ok {
		expiry, seen := m.consumed[token]
		replayed = seen && now.Before(expiry)
	}
	m.mu.Unlock()

	if !ok {
		if replayed {
			m.logger.Warn("Rejected replayed authorization state")
			return nil, ErrStateReplayed
		}
		return nil, ErrInvalidState
	}
	if now.After(state.ExpiresAt) {
		m.logger.Debug("Rejected expired authorization state", "user_id", state.UserID)
		return nil, ErrInvalidState
	}
	return state, nil
}

// Sweep removes states past their expiry that were never consumed, bounding
// memory growth from abandoned flows. Returns the number removed.
func (m *StateManager) Sweep() int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for token, state := range m.states {
		if now.After(state.ExpiresAt) {
			delete(m.states, token)
			removed++
		}
	}
	for token, expiry := range m.consumed {
		if now.After(expiry) {
			delete(m.consumed, token)
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("Swept expired authorization states", "removed", removed)
		if m.instrumentation != nil {
			m.instrumentation.Metrics().RecordSweep(context.Background(), "state", int64(removed))
		}
	}
	return removed
}

// Count returns the number of pending states
func (m *StateManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// Stop halts the background sweep. Idempotent.
func (m *StateManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopSweep)
	})
}

func (m *StateManager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
