// Package lockout tracks consecutive failed matches per claimed identity and
// denies further attempts while an identity is cooling down.
package lockout

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/palmvein/internal/identity"
	"github.com/example/palmvein/internal/metrics"
)

const (
	// DefaultThreshold is the number of consecutive failures that locks an identity.
	DefaultThreshold = 5
	// DefaultWindow is how long a locked identity stays locked after its last failure.
	DefaultWindow = 60 * time.Second
)

// State is the failure history of one identity. LastFailure is nil exactly
// when FailureCount is zero.
type State struct {
	FailureCount int
	LastFailure  *time.Time
}

// Store persists lockout state. Implementations must make each method
// atomic with respect to the others for the same identity.
type Store interface {
	Get(ctx context.Context, id identity.Identity) (State, error)
	IncrementFailure(ctx context.Context, id identity.Identity, at time.Time) (State, error)
	Reset(ctx context.Context, id identity.Identity) error
}

// Policy decides when accumulated failures lock an identity.
type Policy struct {
	Threshold int
	Window    time.Duration
}

// DefaultPolicy locks after 5 failures for 60 seconds.
func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Window: DefaultWindow}
}

// Locked reports whether s is locked at now and, if so, how long until it
// unlocks, floored to whole seconds but never below one second.
func (p Policy) Locked(s State, now time.Time) (bool, time.Duration) {
	if s.FailureCount < p.Threshold || s.LastFailure == nil {
		return false, 0
	}
	elapsed := now.Sub(*s.LastFailure)
	if elapsed >= p.Window {
		return false, 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	retryAfter := (p.Window - elapsed).Truncate(time.Second)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return true, retryAfter
}

// Tracker applies a Policy over a Store.
type Tracker struct {
	store  Store
	policy Policy
	logger *zap.Logger

	mu    sync.Mutex
	locks map[identity.Identity]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPolicy overrides the default threshold and window.
func WithPolicy(policy Policy) Option {
	return func(t *Tracker) {
		t.policy = policy
	}
}

// WithLogger sets the tracker's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger.Named("lockout")
	}
}

// NewTracker builds a tracker over store.
func NewTracker(store Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("lockout store is required")
	}
	t := &Tracker{
		store:  store,
		policy: DefaultPolicy(),
		logger: zap.NewNop(),
		locks:  make(map[identity.Identity]*identityLock),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Policy returns the active policy.
func (t *Tracker) Policy() Policy { return t.policy }

// Acquire serializes callers working on the same identity. The returned
// function releases the lock and must be called exactly once.
func (t *Tracker) Acquire(id identity.Identity) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &identityLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}

// IsLocked reports whether id may not attempt authentication at now, and
// the remaining cooldown when it may not.
func (t *Tracker) IsLocked(ctx context.Context, id identity.Identity, now time.Time) (bool, time.Duration, error) {
	state, err := t.store.Get(ctx, id)
	if err != nil {
		return false, 0, err
	}
	locked, retryAfter := t.policy.Locked(state, now)
	return locked, retryAfter, nil
}

// RecordFailure counts a failed match for id at now.
func (t *Tracker) RecordFailure(ctx context.Context, id identity.Identity, now time.Time) (State, error) {
	state, err := t.store.IncrementFailure(ctx, id, now)
	if err != nil {
		return State{}, err
	}
	metrics.IncFailureRecorded()
	if state.FailureCount == t.policy.Threshold {
		metrics.IncLockout()
		t.logger.Warn("identity locked out",
			zap.String("identity", string(id)),
			zap.Int("failure_count", state.FailureCount),
			zap.Duration("window", t.policy.Window))
	}
	return state, nil
}

// RecordSuccess clears all failure history for id.
func (t *Tracker) RecordSuccess(ctx context.Context, id identity.Identity) error {
	return t.store.Reset(ctx, id)
}

// State returns the stored failure history for id.
func (t *Tracker) State(ctx context.Context, id identity.Identity) (State, error) {
	return t.store.Get(ctx, id)
}
