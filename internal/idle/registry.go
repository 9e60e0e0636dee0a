package idle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type NoticeKind int

const (
	NoticeCountdown NoticeKind = iota
	NoticeWarning
	NoticeExtended
	NoticeExpired
	// NoticeClosed means the monitor was torn down without expiring, for
	// example on sign-out.
	NoticeClosed
)

type Notice struct {
	Kind      NoticeKind
	Remaining time.Duration
	Phase     Phase
}

// Sink receives a session's notices. Notify must not block.
type Sink interface {
	Notify(Notice)
}

type entry struct {
	monitor *Monitor
	sinks   map[Sink]struct{}
}

// Registry keeps one monitor per session, shared by every connection of
// that session.
type Registry struct {
	cfg       Config
	terminate func(ctx context.Context, sessionID string) error
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry checks cfg once so Acquire cannot fail on configuration. The
// callback and Terminate fields of cfg are ignored; terminate is called with
// the session being expired.
func NewRegistry(cfg Config, terminate func(ctx context.Context, sessionID string) error) (*Registry, error) {
	if _, err := NewMonitor(cfg); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		terminate: terminate,
		logger:    logger.With("component", "idle"),
		sessions:  make(map[string]*entry),
	}, nil
}

// Acquire attaches sink to the session's monitor, starting one if none is
// running.
func (r *Registry) Acquire(sessionID string, sink Sink) (*Monitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[sessionID]; ok {
		e.sinks[sink] = struct{}{}
		return e.monitor, nil
	}

	e := &entry{sinks: map[Sink]struct{}{sink: {}}}
	cfg := r.cfg
	cfg.Logger = r.logger.With("session_id", sessionID)
	cfg.OnWarning = func(rem time.Duration) {
		r.broadcast(e, Notice{Kind: NoticeWarning, Remaining: rem, Phase: Warning})
	}
	cfg.OnExtend = func(rem time.Duration) {
		r.broadcast(e, Notice{Kind: NoticeExtended, Remaining: rem, Phase: Active})
	}
	cfg.OnTick = func(rem time.Duration, phase Phase) {
		r.broadcast(e, Notice{Kind: NoticeCountdown, Remaining: rem, Phase: phase})
	}
	cfg.OnTimeout = func() {
		r.mu.Lock()
		if r.sessions[sessionID] == e {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
		r.broadcast(e, Notice{Kind: NoticeExpired, Phase: Expired})
	}
	cfg.Terminate = nil
	if r.terminate != nil {
		cfg.Terminate = func(ctx context.Context) error { return r.terminate(ctx, sessionID) }
	}

	m, err := NewMonitor(cfg)
	if err != nil {
		return nil, err
	}
	e.monitor = m
	r.sessions[sessionID] = e
	m.Start()
	return m, nil
}

// Release detaches sink. The monitor is stopped when its last sink leaves.
func (r *Registry) Release(sessionID string, sink Sink) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.sinks, sink)
	if len(e.sinks) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	e.monitor.Stop()
}

// Close tears down the session's monitor and tells its sinks, without an
// expiry notice. A monitor that is already expiring is left to finish.
func (r *Registry) Close(sessionID string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || e.monitor.Phase() == Expired {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	e.monitor.Stop()
	r.broadcast(e, Notice{Kind: NoticeClosed, Phase: Stopped})
}

// Shutdown stops every monitor.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.monitor.Stop()
	}
}

// Len returns the number of running monitors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) broadcast(e *entry, n Notice) {
	r.mu.Lock()
	sinks := make([]Sink, 0, len(e.sinks))
	for s := range e.sinks {
		sinks = append(sinks, s)
	}
	r.mu.Unlock()

	for _, s := range sinks {
		s.Notify(n)
	}
}
