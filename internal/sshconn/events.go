package sshconn

import (
	"sync"
	"time"
)

// EventType names a connection lifecycle event.
type EventType string

const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventReconnecting    EventType = "reconnecting"
	EventReconnected     EventType = "reconnected"
	EventReconnectFailed EventType = "reconnect_failed"
	EventKeepaliveFailed EventType = "keepalive_failed"
)

// Event is one entry in the connection event log.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details"`
}

// EventListener is called synchronously for each event. Listeners that do
// network I/O must hand off to a goroutine.
type EventListener func(Event)

const eventHistorySize = 100

type eventLog struct {
	mu        sync.RWMutex
	ring      [eventHistorySize]Event
	head      int
	count     int
	listeners []EventListener
}

func (el *eventLog) emit(typ EventType, details string) {
	ev := Event{Type: typ, Timestamp: time.Now(), Details: details}

	el.mu.Lock()
	el.ring[el.head] = ev
	el.head = (el.head + 1) % eventHistorySize
	if el.count < eventHistorySize {
		el.count++
	}
	listeners := append([]EventListener(nil), el.listeners...)
	el.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}

func (el *eventLog) history() []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()
	if el.count == 0 {
		return nil
	}
	out := make([]Event, el.count)
	if el.count < eventHistorySize {
		copy(out, el.ring[:el.count])
	} else {
		n := copy(out, el.ring[el.head:])
		copy(out[n:], el.ring[:el.head])
	}
	return out
}

// OnEvent registers a listener for connection events.
func (m *Manager) OnEvent(l EventListener) {
	m.events.mu.Lock()
	defer m.events.mu.Unlock()
	m.events.listeners = append(m.events.listeners, l)
}

// EventHistory returns up to the last 100 events, oldest first.
func (m *Manager) EventHistory() []Event {
	return m.events.history()
}
