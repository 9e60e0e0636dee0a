package idle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultTickInterval     = time.Second
	DefaultTerminateTimeout = 5 * time.Second
)

type Config struct {
	Timeout       time.Duration
	WarningWindow time.Duration
	// ExcludedSignals lists activity types that never reset the timer,
	// such as "mousemove".
	ExcludedSignals        []string
	ActivityExtendsWarning bool
	TickInterval           time.Duration

	// OnWarning runs once per Active to Warning transition.
	OnWarning func(remaining time.Duration)
	// OnTimeout runs once per expiry, after Terminate has returned.
	OnTimeout func()
	// OnExtend runs when a reset dismisses a showing warning.
	OnExtend func(remaining time.Duration)
	// OnTick reports the countdown. Display only.
	OnTick func(remaining time.Duration, phase Phase)

	// Terminate ends the authenticated session. Its failure is logged and
	// the monitor still expires.
	Terminate        func(ctx context.Context) error
	TerminateTimeout time.Duration

	Clock  Clock
	Logger *slog.Logger
}

// Monitor drives Rules with timers. All methods are safe for concurrent use.
type Monitor struct {
	rules            Rules
	tick             time.Duration
	terminateTimeout time.Duration
	clock            Clock
	logger           *slog.Logger

	onWarning func(time.Duration)
	onTimeout func()
	onExtend  func(time.Duration)
	onTick    func(time.Duration, Phase)
	terminate func(context.Context) error

	mu          sync.Mutex
	state       State
	deadline    time.Time
	warnTimer   Timer
	expireTimer Timer
	tickTimer   Timer
}

func NewMonitor(cfg Config) (*Monitor, error) {
	excluded := make(map[string]bool, len(cfg.ExcludedSignals))
	for _, s := range cfg.ExcludedSignals {
		excluded[s] = true
	}
	rules := Rules{
		Timeout:                cfg.Timeout,
		WarningWindow:          cfg.WarningWindow,
		ExcludedSignals:        excluded,
		ActivityExtendsWarning: cfg.ActivityExtendsWarning,
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		rules:            rules,
		tick:             cfg.TickInterval,
		terminateTimeout: cfg.TerminateTimeout,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		onWarning:        cfg.OnWarning,
		onTimeout:        cfg.OnTimeout,
		onExtend:         cfg.OnExtend,
		onTick:           cfg.OnTick,
		terminate:        cfg.Terminate,
	}
	if m.tick <= 0 {
		m.tick = DefaultTickInterval
	}
	if m.terminateTimeout <= 0 {
		m.terminateTimeout = DefaultTerminateTimeout
	}
	if m.clock == nil {
		m.clock = RealClock{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Start begins (or restarts) the idle budget.
func (m *Monitor) Start() { m.apply(Start()) }

// Activity reports a user interaction of the given type.
func (m *Monitor) Activity(signal string) { m.apply(Activity(signal)) }

// VisibilityRegained reports that the page became visible again. It resets
// the budget only while no warning is showing.
func (m *Monitor) VisibilityRegained() { m.apply(VisibilityRegained()) }

// Extend is the explicit "stay signed in" action.
func (m *Monitor) Extend() { m.apply(Extend()) }

// Stop tears the monitor down without expiring it.
func (m *Monitor) Stop() { m.apply(Stop()) }

func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

// Remaining is the time left before forced sign-out, never negative.
func (m *Monitor) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

// Status returns the phase and remaining budget read together.
func (m *Monitor) Status() (Phase, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase, m.remainingLocked()
}

func (m *Monitor) remainingLocked() time.Duration {
	if m.state.Phase != Active && m.state.Phase != Warning {
		return 0
	}
	d := m.deadline.Sub(m.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// apply runs one event through the rules and performs its effects. Timer
// effects happen under the lock; callbacks run after it is released.
func (m *Monitor) apply(ev Event) {
	m.mu.Lock()
	prev := m.state
	next, effects := m.rules.Next(prev, ev)
	m.state = next

	var after []func()
	for _, eff := range effects {
		switch eff {
		case EffectArm:
			m.armLocked()
			if prev.Phase == Warning && m.onExtend != nil {
				rem := m.rules.Timeout
				after = append(after, func() { m.onExtend(rem) })
			}
		case EffectCancel:
			m.stopTimersLocked()
		case EffectWarn:
			rem := m.remainingLocked()
			m.logger.Info("idle warning", "remaining", rem)
			if m.onWarning != nil {
				after = append(after, func() { m.onWarning(rem) })
			}
		case EffectExpire:
			m.logger.Info("idle timeout, signing out")
			after = append(after, m.expire)
		}
	}
	m.mu.Unlock()

	for _, f := range after {
		f()
	}
}

func (m *Monitor) armLocked() {
	m.stopTimersLocked()
	gen := m.state.Generation
	m.deadline = m.clock.Now().Add(m.rules.Timeout)
	m.warnTimer = m.clock.AfterFunc(m.rules.WarningAfter(), func() { m.apply(WarningDue(gen)) })
	m.expireTimer = m.clock.AfterFunc(m.rules.Timeout, func() { m.apply(ExpiryDue(gen)) })
	if m.onTick != nil {
		m.tickTimer = m.clock.AfterFunc(m.tick, func() { m.countdown(gen) })
	}
}

func (m *Monitor) stopTimersLocked() {
	for _, t := range []Timer{m.warnTimer, m.expireTimer, m.tickTimer} {
		if t != nil {
			t.Stop()
		}
	}
	m.warnTimer, m.expireTimer, m.tickTimer = nil, nil, nil
}

func (m *Monitor) countdown(gen uint64) {
	m.mu.Lock()
	if gen != m.state.Generation || (m.state.Phase != Active && m.state.Phase != Warning) {
		m.mu.Unlock()
		return
	}
	phase := m.state.Phase
	rem := m.remainingLocked()
	m.tickTimer = m.clock.AfterFunc(m.tick, func() { m.countdown(gen) })
	m.mu.Unlock()

	m.onTick(rem, phase)
}

// expire terminates the session, then tells the caller. The local phase is
// already Expired, so a failed terminate still ends in sign-out.
func (m *Monitor) expire() {
	if m.terminate != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.terminateTimeout)
		err := m.terminate(ctx)
		cancel()
		if err != nil {
			m.logger.Error("terminate session on idle timeout", "error", err)
		}
	}
	if m.onTimeout != nil {
		m.onTimeout()
	}
}
