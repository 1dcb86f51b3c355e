package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDrainTimeout bounds how long shutdown waits for in-flight
// operations before running cleanup anyway
const DefaultDrainTimeout = 30 * time.Second

// ErrShutdownInProgress is returned by Begin once draining has started.
// New inbound operations must be rejected immediately rather than queued.
var ErrShutdownInProgress = errors.New("shutdown in progress")

// State is the coordinator's lifecycle state
type State string

const (
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Hook is a named cleanup function run during shutdown. Hook failures are
// logged and do not abort the remaining hooks.
type Hook struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Coordinator tracks in-flight operations and drives the
// running -> draining -> stopped transition
type Coordinator struct {
	mu       sync.Mutex
	state    State
	inflight int
	drained  chan struct{} // closed when inflight hits zero while draining
	hooks    []Hook

	drainTimeout time.Duration
	logger       *slog.Logger

	shutdownOnce sync.Once
	completed    chan struct{}
	shutdownErr  error
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithDrainTimeout overrides the drain timeout
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.drainTimeout = d
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCoordinator creates a coordinator in the running state
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		state:        StateRunning,
		drainTimeout: DefaultDrainTimeout,
		logger:       slog.Default(),
		completed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterHook registers a cleanup hook to run during shutdown, after the
// drain completes or times out. Hooks run in registration order.
func (c *Coordinator) RegisterHook(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, Hook{Name: name, Fn: fn})
}

// State returns the current lifecycle state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Draining reports whether shutdown has begun
func (c *Coordinator) Draining() bool {
	return c.State() != StateRunning
}

// Begin registers a new in-flight operation. It returns a completion
// function the caller must invoke when the operation finishes; invoking it
// more than once is safe. Begin fails with ErrShutdownInProgress once
// draining has started.
func (c *Coordinator) Begin() (func(), error) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return nil, ErrShutdownInProgress
	}
	c.inflight++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.inflight--
			if c.inflight == 0 && c.drained != nil {
				close(c.drained)
				c.drained = nil
			}
			c.mu.Unlock()
		})
	}, nil
}

// InFlight returns the current in-flight operation count
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Done returns a channel closed when shutdown has fully completed
func (c *Coordinator) Done() <-chan struct{} {
	return c.completed
}

// Shutdown drives the full termination sequence: flip to draining, wait for
// in-flight operations bounded by the drain timeout, run all cleanup hooks,
// and flip to stopped. The first caller performs the work; concurrent and
// subsequent calls block until the same completion and return the same
// result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.doShutdown(ctx)
		close(c.completed)
	})
	<-c.completed
	return c.shutdownErr
}

func (c *Coordinator) doShutdown(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateDraining
	inflight := c.inflight
	var drained chan struct{}
	if inflight > 0 {
		drained = make(chan struct{})
		c.drained = drained
	}
	hooks := make([]Hook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	c.logger.Info("Shutdown initiated, draining in-flight operations",
		"in_flight", inflight,
		"drain_timeout", c.drainTimeout)

	if drained != nil {
		timer := time.NewTimer(c.drainTimeout)
		defer timer.Stop()
		select {
		case <-drained:
			c.logger.Info("Drain complete")
		case <-timer.C:
			c.logger.Warn("Drain timeout elapsed with operations still in flight",
				"in_flight", c.InFlight())
		case <-ctx.Done():
			c.logger.Warn("Shutdown context cancelled during drain",
				"in_flight", c.InFlight())
		}
	}

	// Hooks run with a context bounded by the drain timeout so a hung hook
	// cannot block termination indefinitely
	hookCtx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()

	var errs []error
	for _, hook := range hooks {
		if err := hook.Fn(hookCtx); err != nil {
			c.logger.Error("Cleanup hook failed", "hook", hook.Name, "error", err)
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.Name, err))
			continue
		}
		c.logger.Debug("Cleanup hook completed", "hook", hook.Name)
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	c.logger.Info("Shutdown complete")
	return errors.Join(errs...)
}
