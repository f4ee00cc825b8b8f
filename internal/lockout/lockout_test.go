package lockout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/example/palmvein/internal/identity"
)

type TrackerSuite struct {
	suite.Suite
	tracker *Tracker
	ctx     context.Context
	start   time.Time
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) SetupTest() {
	tracker, err := NewTracker(NewMemoryStore())
	s.Require().NoError(err)
	s.tracker = tracker
	s.ctx = context.Background()
	s.start = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
}

func (s *TrackerSuite) fail(id identity.Identity, n int, at time.Time) {
	for i := 0; i < n; i++ {
		_, err := s.tracker.RecordFailure(s.ctx, id, at)
		s.Require().NoError(err)
	}
}

func (s *TrackerSuite) TestUnknownIdentityIsNotLocked() {
	locked, retryAfter, err := s.tracker.IsLocked(s.ctx, "007", s.start)
	s.NoError(err)
	s.False(locked)
	s.Zero(retryAfter)

	state, err := s.tracker.State(s.ctx, "007")
	s.NoError(err)
	s.Zero(state.FailureCount)
	s.Nil(state.LastFailure)
}

func (s *TrackerSuite) TestBelowThresholdIsNotLocked() {
	s.fail("007", DefaultThreshold-1, s.start)

	locked, _, err := s.tracker.IsLocked(s.ctx, "007", s.start.Add(time.Second))
	s.NoError(err)
	s.False(locked)
}

func (s *TrackerSuite) TestThresholdLocksWithinWindow() {
	s.fail("007", DefaultThreshold, s.start)

	s.Run("locked right after the last failure", func() {
		locked, retryAfter, err := s.tracker.IsLocked(s.ctx, "007", s.start.Add(10*time.Second+300*time.Millisecond))
		s.NoError(err)
		s.True(locked)
		s.Equal(49*time.Second, retryAfter)
	})

	s.Run("unlocked once the window elapses", func() {
		locked, retryAfter, err := s.tracker.IsLocked(s.ctx, "007", s.start.Add(DefaultWindow))
		s.NoError(err)
		s.False(locked)
		s.Zero(retryAfter)
	})

	s.Run("other identities are unaffected", func() {
		locked, _, err := s.tracker.IsLocked(s.ctx, "012", s.start)
		s.NoError(err)
		s.False(locked)
	})
}

func (s *TrackerSuite) TestCounterSurvivesCooldown() {
	s.fail("007", DefaultThreshold, s.start)
	later := s.start.Add(2 * DefaultWindow)

	locked, _, err := s.tracker.IsLocked(s.ctx, "007", later)
	s.NoError(err)
	s.False(locked)

	state, err := s.tracker.RecordFailure(s.ctx, "007", later)
	s.NoError(err)
	s.Equal(DefaultThreshold+1, state.FailureCount)

	locked, retryAfter, err := s.tracker.IsLocked(s.ctx, "007", later)
	s.NoError(err)
	s.True(locked)
	s.Equal(DefaultWindow, retryAfter)
}

func (s *TrackerSuite) TestSuccessResetsState() {
	s.fail("007", DefaultThreshold+2, s.start)
	s.Require().NoError(s.tracker.RecordSuccess(s.ctx, "007"))

	for _, now := range []time.Time{s.start, s.start.Add(time.Second), s.start.Add(time.Hour)} {
		locked, _, err := s.tracker.IsLocked(s.ctx, "007", now)
		s.NoError(err)
		s.False(locked)
	}
	state, err := s.tracker.State(s.ctx, "007")
	s.NoError(err)
	s.Zero(state.FailureCount)
	s.Nil(state.LastFailure)

	s.Require().NoError(s.tracker.RecordSuccess(s.ctx, "007"), "reset is idempotent")
}

func (s *TrackerSuite) TestRecordFailureStampsTime() {
	at := s.start.Add(3 * time.Second)
	state, err := s.tracker.RecordFailure(s.ctx, "001", at)
	s.NoError(err)
	s.Equal(1, state.FailureCount)
	s.Require().NotNil(state.LastFailure)
	s.Equal(at, *state.LastFailure)
}

func TestPolicyRetryAfterNeverBelowOneSecond(t *testing.T) {
	last := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	policy := DefaultPolicy()
	state := State{FailureCount: 5, LastFailure: &last}

	locked, retryAfter := policy.Locked(state, last.Add(59*time.Second+500*time.Millisecond))
	assert.True(t, locked)
	assert.Equal(t, time.Second, retryAfter)

	locked, retryAfter = policy.Locked(state, last.Add(-5*time.Second))
	assert.True(t, locked)
	assert.Equal(t, DefaultWindow, retryAfter)
}

func TestPolicyIgnoresCountWithoutTimestamp(t *testing.T) {
	locked, _ := DefaultPolicy().Locked(State{FailureCount: 10}, time.Now())
	assert.False(t, locked)
}

func TestCustomPolicy(t *testing.T) {
	tracker, err := NewTracker(NewMemoryStore(), WithPolicy(Policy{Threshold: 2, Window: 5 * time.Second}))
	require.NoError(t, err)
	now := time.Now()

	_, err = tracker.RecordFailure(context.Background(), "003", now)
	require.NoError(t, err)
	_, err = tracker.RecordFailure(context.Background(), "003", now)
	require.NoError(t, err)

	locked, retryAfter, err := tracker.IsLocked(context.Background(), "003", now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, locked)
	assert.Equal(t, 4*time.Second, retryAfter)
	assert.Equal(t, 2, tracker.Policy().Threshold)
}

func TestNewTrackerRequiresStore(t *testing.T) {
	_, err := NewTracker(nil)
	assert.Error(t, err)
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	tracker, err := NewTracker(NewMemoryStore())
	require.NoError(t, err)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := tracker.Acquire("007")
			defer release()
			_, err := tracker.RecordFailure(context.Background(), "007", time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	state, err := tracker.State(context.Background(), "007")
	require.NoError(t, err)
	assert.Equal(t, workers, state.FailureCount)
	assert.Empty(t, tracker.locks, "per-identity locks are released")
}

func TestAcquireSerializesSameIdentity(t *testing.T) {
	tracker, err := NewTracker(NewMemoryStore())
	require.NoError(t, err)

	release := tracker.Acquire("007")
	acquired := make(chan struct{})
	go func() {
		r := tracker.Acquire("007")
		close(acquired)
		r()
	}()

	other := tracker.Acquire("012")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder entered while the first still held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

type failingStore struct{ err error }

func (f failingStore) Get(context.Context, identity.Identity) (State, error) { return State{}, f.err }
func (f failingStore) IncrementFailure(context.Context, identity.Identity, time.Time) (State, error) {
	return State{}, f.err
}
func (f failingStore) Reset(context.Context, identity.Identity) error { return f.err }

func TestStoreErrorsPropagate(t *testing.T) {
	boom := errors.New("store down")
	tracker, err := NewTracker(failingStore{err: boom})
	require.NoError(t, err)

	_, _, err = tracker.IsLocked(context.Background(), "007", time.Now())
	assert.ErrorIs(t, err, boom)
	_, err = tracker.RecordFailure(context.Background(), "007", time.Now())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, tracker.RecordSuccess(context.Background(), "007"), boom)
}
