package relay

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of one window.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateTerminated State = "terminated"
)

func (s State) String() string {
	return string(s)
}

// allowedTransitions is the window state machine. Any state may move to
// closing; terminated is final.
var allowedTransitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosing},
	StateConnecting: {StateActive, StateIdle, StateClosing},
	StateActive:     {StateClosing},
	StateClosing:    {StateTerminated},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition records a state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// StateCallback is called after a transition, outside the tracker lock.
type StateCallback func(connID string, from, to State)

// maxTransitionsPerWindow bounds the stored history per window.
const maxTransitionsPerWindow = 20

// StateTracker holds the state of every live window connection, keyed by
// connection id, and enforces the allowed transitions.
type StateTracker struct {
	mu          sync.RWMutex
	states      map[string]State
	transitions map[string][]StateTransition
	callbacks   []StateCallback
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		states:      make(map[string]State),
		transitions: make(map[string][]StateTransition),
	}
}

// Start puts connID into the idle state.
func (t *StateTracker) Start(connID string) {
	t.mu.Lock()
	t.states[connID] = StateIdle
	cbs := append([]StateCallback(nil), t.callbacks...)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(connID, "", StateIdle)
	}
}

// Get returns the state of connID and whether it is tracked.
func (t *StateTracker) Get(connID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[connID]
	return s, ok
}

// Transition moves connID to the given state if the state machine allows it
// from the current one. It returns the previous state.
func (t *StateTracker) Transition(connID string, to State) (State, error) {
	t.mu.Lock()
	from, ok := t.states[connID]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("window %s is not tracked", connID)
	}
	if !canTransition(from, to) {
		t.mu.Unlock()
		return from, fmt.Errorf("invalid transition %s -> %s", from, to)
	}
	t.states[connID] = to

	history := append(t.transitions[connID], StateTransition{From: from, To: to, Timestamp: time.Now()})
	if len(history) > maxTransitionsPerWindow {
		history = history[len(history)-maxTransitionsPerWindow:]
	}
	t.transitions[connID] = history

	cbs := append([]StateCallback(nil), t.callbacks...)
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(connID, from, to)
	}
	return from, nil
}

// Transitions returns a copy of the history of connID.
func (t *StateTracker) Transitions(connID string) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]StateTransition(nil), t.transitions[connID]...)
}

// Forget drops state and history for connID.
func (t *StateTracker) Forget(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, connID)
	delete(t.transitions, connID)
}

// OnTransition registers a callback fired after every transition and Start.
func (t *StateTracker) OnTransition(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
