// Package alert implements the per-source debounce and hysteresis state
// machine that turns a stream of premium samples into fire/clear decisions.
package alert

import (
	"errors"
	"math"
	"sync"
)

// Decision is the outcome of evaluating one sample for one source.
type Decision int

const (
	NoAction Decision = iota
	Fire
	AlreadyAlerting
	Clear
)

func (d Decision) String() string {
	switch d {
	case NoAction:
		return "no_action"
	case Fire:
		return "fire"
	case AlreadyAlerting:
		return "already_alerting"
	case Clear:
		return "clear"
	default:
		return "unknown"
	}
}

// Thresholds configures when a source fires and when it clears.
//
// A source fires once its premium has been strictly below PremiumThreshold for
// MinConsecutiveHits rounds in a row, and clears once the premium is strictly
// above PremiumThreshold+ResetBuffer.
type Thresholds struct {
	PremiumThreshold   float64
	MinConsecutiveHits int
	ResetBuffer        float64
}

// DefaultThresholds fires on the first breaching round and clears half a
// percentage point above the threshold.
func DefaultThresholds(threshold float64) Thresholds {
	return Thresholds{
		PremiumThreshold:   threshold,
		MinConsecutiveHits: 1,
		ResetBuffer:        0.005,
	}
}

// Validate checks threshold constraints.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.PremiumThreshold) || math.IsInf(t.PremiumThreshold, 0) {
		return errors.New("premium threshold must be finite")
	}
	if t.MinConsecutiveHits < 1 {
		return errors.New("min consecutive hits must be at least 1")
	}
	if t.ResetBuffer < 0 || math.IsNaN(t.ResetBuffer) || math.IsInf(t.ResetBuffer, 0) {
		return errors.New("reset buffer must be a finite non-negative fraction")
	}
	return nil
}

// ClearLevel is the premium a source must exceed to clear an active alert.
func (t Thresholds) ClearLevel() float64 {
	return t.PremiumThreshold + t.ResetBuffer
}

// State is the per-source alert state.
type State struct {
	ConsecutiveBelow int
	Alerting         bool
}

// StateMachine owns the alert state of every source it has evaluated.
// States are created lazily and live as long as the StateMachine.
type StateMachine struct {
	thresholds Thresholds

	mu     sync.RWMutex
	states map[string]*State
}

// New creates a StateMachine with validated thresholds.
func New(t Thresholds) (*StateMachine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &StateMachine{
		thresholds: t,
		states:     make(map[string]*State),
	}, nil
}

// Thresholds returns the configured thresholds.
func (sm *StateMachine) Thresholds() Thresholds {
	return sm.thresholds
}

func (sm *StateMachine) getOrCreateState(source string) *State {
	if state, exists := sm.states[source]; exists {
		return state
	}
	state := &State{}
	sm.states[source] = state
	return state
}

// Evaluate feeds one premium sample for source into the state machine.
// The premium must be finite; callers are responsible for filtering.
func (sm *StateMachine) Evaluate(source string, premium float64) Decision {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state := sm.getOrCreateState(source)

	if premium < sm.thresholds.PremiumThreshold {
		state.ConsecutiveBelow++
		switch {
		case state.Alerting:
			return AlreadyAlerting
		case state.ConsecutiveBelow >= sm.thresholds.MinConsecutiveHits:
			state.Alerting = true
			return Fire
		default:
			return NoAction
		}
	}

	state.ConsecutiveBelow = 0
	if state.Alerting && premium > sm.thresholds.ClearLevel() {
		state.Alerting = false
		return Clear
	}
	// Between the threshold and the clear level the alert stays latched.
	return NoAction
}

// State returns a copy of the state for source.
func (sm *StateMachine) State(source string) (State, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	state, ok := sm.states[source]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Snapshot returns a copy of every known source state.
func (sm *StateMachine) Snapshot() map[string]State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[string]State, len(sm.states))
	for source, state := range sm.states {
		out[source] = *state
	}
	return out
}
