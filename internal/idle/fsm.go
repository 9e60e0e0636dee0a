// Package idle signs out sessions that stop showing activity.
//
// The transition rules live in Rules.Next, a pure function over State with no
// clock or goroutines. Monitor adapts it to real (or virtual) timers.
package idle

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when the warning window does not fit inside
// the timeout.
var ErrInvalidConfig = errors.New("invalid idle configuration")

type Phase int

const (
	// Stopped is the inert phase before Start and after teardown.
	Stopped Phase = iota
	Active
	Warning
	Expired
)

func (p Phase) String() string {
	switch p {
	case Stopped:
		return "stopped"
	case Active:
		return "active"
	case Warning:
		return "warning"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type EventKind int

const (
	EventStart EventKind = iota
	EventActivity
	EventVisibilityRegained
	EventExtend
	EventWarningDue
	EventExpiryDue
	EventStop
)

// Event is an input to the machine. Signal is set for EventActivity and
// Generation for the two timer events.
type Event struct {
	Kind       EventKind
	Signal     string
	Generation uint64
}

func Start() Event                 { return Event{Kind: EventStart} }
func Activity(signal string) Event { return Event{Kind: EventActivity, Signal: signal} }
func VisibilityRegained() Event    { return Event{Kind: EventVisibilityRegained} }
func Extend() Event                { return Event{Kind: EventExtend} }
func WarningDue(gen uint64) Event  { return Event{Kind: EventWarningDue, Generation: gen} }
func ExpiryDue(gen uint64) Event   { return Event{Kind: EventExpiryDue, Generation: gen} }
func Stop() Event                  { return Event{Kind: EventStop} }

type Effect int

const (
	// EffectArm cancels every pending timer, then arms the warning timer,
	// the expiry timer and the countdown under the new generation.
	EffectArm Effect = iota
	EffectCancel
	EffectWarn
	EffectExpire
)

func (e Effect) String() string {
	switch e {
	case EffectArm:
		return "arm"
	case EffectCancel:
		return "cancel"
	case EffectWarn:
		return "warn"
	case EffectExpire:
		return "expire"
	default:
		return fmt.Sprintf("effect(%d)", int(e))
	}
}

// State is the whole machine state. Generation increments on every arm and
// every stop; timer events from an older generation are ignored.
type State struct {
	Phase      Phase
	Generation uint64
}

type Rules struct {
	Timeout       time.Duration
	WarningWindow time.Duration
	// ExcludedSignals never count as activity.
	ExcludedSignals map[string]bool
	// ActivityExtendsWarning lets ordinary activity reset the timer while
	// the warning is showing. Off by default: only Extend does.
	ActivityExtendsWarning bool
}

func (r Rules) Validate() error {
	if r.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if r.WarningWindow < 0 {
		return fmt.Errorf("%w: warning window must not be negative", ErrInvalidConfig)
	}
	if r.WarningWindow >= r.Timeout {
		return fmt.Errorf("%w: warning window %s must be shorter than timeout %s", ErrInvalidConfig, r.WarningWindow, r.Timeout)
	}
	return nil
}

// WarningAfter is how long after an arm the warning timer fires.
func (r Rules) WarningAfter() time.Duration {
	return r.Timeout - r.WarningWindow
}

// Next applies ev to s.
func (r Rules) Next(s State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EventStart:
		return r.arm(s)

	case EventActivity:
		if r.ExcludedSignals[ev.Signal] {
			return s, nil
		}
		switch s.Phase {
		case Active:
			return r.arm(s)
		case Warning:
			if r.ActivityExtendsWarning {
				return r.arm(s)
			}
		}
		return s, nil

	case EventVisibilityRegained:
		// Regaining focus resets only while no warning is showing.
		if s.Phase == Active {
			return r.arm(s)
		}
		return s, nil

	case EventExtend:
		if s.Phase == Active || s.Phase == Warning {
			return r.arm(s)
		}
		return s, nil

	case EventWarningDue:
		if ev.Generation != s.Generation || s.Phase != Active {
			return s, nil
		}
		s.Phase = Warning
		return s, []Effect{EffectWarn}

	case EventExpiryDue:
		if ev.Generation != s.Generation || (s.Phase != Active && s.Phase != Warning) {
			return s, nil
		}
		s.Phase = Expired
		return s, []Effect{EffectCancel, EffectExpire}

	case EventStop:
		switch s.Phase {
		case Active, Warning:
			return State{Phase: Stopped, Generation: s.Generation + 1}, []Effect{EffectCancel}
		case Expired:
			return State{Phase: Stopped, Generation: s.Generation + 1}, nil
		}
		return s, nil
	}
	return s, nil
}

func (r Rules) arm(s State) (State, []Effect) {
	return State{Phase: Active, Generation: s.Generation + 1}, []Effect{EffectArm}
}
