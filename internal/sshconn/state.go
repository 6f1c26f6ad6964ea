package sshconn

import (
	"sync"
	"time"
)

// ConnectionState is the Manager's view of its transport.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const stateHistorySize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      ConnectionState `json:"from"`
	To        ConnectionState `json:"to"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason"`
}

// StateChangeCallback is invoked synchronously after every state change.
type StateChangeCallback func(from, to ConnectionState, reason string)

type stateTracker struct {
	mu        sync.RWMutex
	current   ConnectionState
	ring      [stateHistorySize]StateTransition
	head      int
	count     int
	callbacks []StateChangeCallback
}

func (st *stateTracker) set(state ConnectionState, reason string) {
	st.mu.Lock()
	from := st.current
	if from == state {
		st.mu.Unlock()
		return
	}
	st.current = state
	st.ring[st.head] = StateTransition{From: from, To: state, Timestamp: time.Now(), Reason: reason}
	st.head = (st.head + 1) % stateHistorySize
	if st.count < stateHistorySize {
		st.count++
	}
	cbs := append([]StateChangeCallback(nil), st.callbacks...)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(from, state, reason)
	}
}

func (st *stateTracker) get() ConnectionState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// history returns transitions oldest first.
func (st *stateTracker) history() []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.count == 0 {
		return nil
	}
	out := make([]StateTransition, st.count)
	if st.count < stateHistorySize {
		copy(out, st.ring[:st.count])
	} else {
		n := copy(out, st.ring[st.head:])
		copy(out[n:], st.ring[:st.head])
	}
	return out
}

func (st *stateTracker) onChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return m.state.get()
}

// StateTransitions returns up to the last 50 state changes, oldest first.
func (m *Manager) StateTransitions() []StateTransition {
	return m.state.history()
}

// OnStateChange registers cb for every subsequent state change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.state.onChange(cb)
}
