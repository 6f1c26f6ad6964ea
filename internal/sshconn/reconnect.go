package sshconn

import (
	"context"
	"fmt"
	"log"
)

// EnsureConnected reconnects with the retained credentials when the
// transport is missing or closed. Concurrent callers share one attempt.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}
	_, gen, _ := m.snapshot()
	return m.reconnect(ctx, gen, "requested")
}

// reconnect makes exactly one dial attempt to replace the transport of
// generation staleGen. Concurrent triggers join the in-flight attempt. A
// trigger whose generation has already been replaced by a live transport is
// a no-op. Periodic probes re-trigger after a failure.
func (m *Manager) reconnect(ctx context.Context, staleGen uint64, reason string) error {
	_, err, _ := m.flight.Do("reconnect", func() (any, error) {
		t, gen, creds := m.snapshot()
		if creds == nil {
			return nil, newError(ErrNotConnected, "reconnect", fmt.Errorf("no credentials retained"))
		}
		if gen != staleGen && t != nil && !t.IsClosed() {
			return nil, nil
		}
		saved := creds.clone()

		m.metrics.recordReconnect()
		log.Printf("[ssh] reconnecting (reason: %s)", reason)
		m.state.set(StateReconnecting, reason)
		m.events.emit(EventReconnecting, reason)

		// Drop the stale transport so IsConnected turns false while dialing.
		m.mu.Lock()
		if m.gen == gen && m.transport != nil {
			m.transport.Close()
		}
		m.mu.Unlock()

		fresh, err := m.dial(context.WithoutCancel(ctx), saved)
		if err != nil {
			log.Printf("[ssh] reconnect failed: %v", err)
			m.state.set(StateFailed, err.Error())
			m.events.emit(EventReconnectFailed, err.Error())
			return nil, err
		}

		m.mu.Lock()
		if m.gen != gen || m.creds == nil {
			// Disconnect or Connect won while dialing.
			m.mu.Unlock()
			fresh.Close()
			return nil, newError(ErrNotConnected, "reconnect", fmt.Errorf("superseded while dialing"))
		}
		m.mu.Unlock()

		m.install(fresh, saved)
		log.Printf("[ssh] reconnected (reason: %s)", reason)
		m.state.set(StateConnected, "reconnected")
		m.events.emit(EventReconnected, reason)
		return nil, nil
	})
	return err
}
