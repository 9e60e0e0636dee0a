package idle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (s *sinkRecorder) Notify(n Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
}

func (s *sinkRecorder) kinds() []NoticeKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []NoticeKind
	for _, n := range s.notices {
		if n.Kind != NoticeCountdown {
			out = append(out, n.Kind)
		}
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock, *[]string) {
	t.Helper()
	clock := newFakeClock()
	var terminated []string
	r, err := NewRegistry(Config{
		Timeout:       time.Second,
		WarningWindow: 300 * time.Millisecond,
		TickInterval:  time.Second,
		Clock:         clock,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, func(_ context.Context, sessionID string) error {
		terminated = append(terminated, sessionID)
		return nil
	})
	require.NoError(t, err)
	return r, clock, &terminated
}

func TestRegistrySharesMonitorPerSession(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	a, b := &sinkRecorder{}, &sinkRecorder{}

	m1, err := r.Acquire("s1", a)
	require.NoError(t, err)
	m2, err := r.Acquire("s1", b)
	require.NoError(t, err)
	require.Same(t, m1, m2)
	require.Equal(t, Active, m1.Phase())

	m3, err := r.Acquire("s2", a)
	require.NoError(t, err)
	require.NotSame(t, m1, m3)
	require.Equal(t, 2, r.Len())
}

func TestRegistryExpiryNotifiesAllSinks(t *testing.T) {
	r, clock, terminated := newTestRegistry(t)
	a, b := &sinkRecorder{}, &sinkRecorder{}
	_, err := r.Acquire("s1", a)
	require.NoError(t, err)
	_, err = r.Acquire("s1", b)
	require.NoError(t, err)

	clock.Advance(time.Second)

	want := []NoticeKind{NoticeWarning, NoticeExpired}
	require.Equal(t, want, a.kinds())
	require.Equal(t, want, b.kinds())
	require.Equal(t, []string{"s1"}, *terminated)
	require.Zero(t, r.Len())
}

func TestRegistryActivityFromAnyTabResets(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	a, b := &sinkRecorder{}, &sinkRecorder{}
	m, _ := r.Acquire("s1", a)
	_, _ = r.Acquire("s1", b)

	clock.Advance(500 * time.Millisecond)
	m.Activity("keydown")
	clock.Advance(699 * time.Millisecond)
	require.Empty(t, a.kinds())
}

func TestRegistryExtendNotifies(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	a := &sinkRecorder{}
	m, _ := r.Acquire("s1", a)

	clock.Advance(800 * time.Millisecond)
	m.Extend()
	require.Equal(t, []NoticeKind{NoticeWarning, NoticeExtended}, a.kinds())
}

func TestRegistryReleaseLastSinkStops(t *testing.T) {
	r, clock, terminated := newTestRegistry(t)
	a, b := &sinkRecorder{}, &sinkRecorder{}
	m, _ := r.Acquire("s1", a)
	_, _ = r.Acquire("s1", b)

	r.Release("s1", a)
	require.Equal(t, 1, r.Len())
	require.Equal(t, Active, m.Phase())

	r.Release("s1", b)
	require.Zero(t, r.Len())
	require.Equal(t, Stopped, m.Phase())

	clock.Advance(5 * time.Second)
	require.Empty(t, b.kinds())
	require.Empty(t, *terminated)
}

func TestRegistryCloseDoesNotExpire(t *testing.T) {
	r, clock, terminated := newTestRegistry(t)
	a := &sinkRecorder{}
	m, _ := r.Acquire("s1", a)

	clock.Advance(800 * time.Millisecond)
	r.Close("s1")
	require.Equal(t, Stopped, m.Phase())
	require.Equal(t, []NoticeKind{NoticeWarning, NoticeClosed}, a.kinds())

	clock.Advance(5 * time.Second)
	require.NotContains(t, a.kinds(), NoticeExpired)
	require.Empty(t, *terminated)

	// Unknown sessions are ignored.
	r.Close("nope")
	r.Release("nope", a)
}

func TestRegistryCloseDuringTerminateKeepsExpiry(t *testing.T) {
	clock := newFakeClock()
	var r *Registry
	r, err := NewRegistry(Config{
		Timeout:       time.Second,
		WarningWindow: 300 * time.Millisecond,
		Clock:         clock,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, func(_ context.Context, sessionID string) error {
		// Signing out publishes an event that closes the monitor.
		r.Close(sessionID)
		return errors.New("already revoked")
	})
	require.NoError(t, err)

	a := &sinkRecorder{}
	_, err = r.Acquire("s1", a)
	require.NoError(t, err)

	clock.Advance(time.Second)
	require.Equal(t, []NoticeKind{NoticeWarning, NoticeExpired}, a.kinds())
	require.Zero(t, r.Len())
}

func TestRegistryShutdown(t *testing.T) {
	r, clock, _ := newTestRegistry(t)
	a := &sinkRecorder{}
	_, _ = r.Acquire("s1", a)
	_, _ = r.Acquire("s2", a)

	r.Shutdown()
	require.Zero(t, r.Len())
	clock.Advance(5 * time.Second)
	require.Empty(t, a.kinds())
}

func TestNewRegistryInvalidConfig(t *testing.T) {
	_, err := NewRegistry(Config{Timeout: time.Second, WarningWindow: 2 * time.Second}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
