package sshconn

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"
)

// startProbes schedules the keep-alive and liveness jobs once per Connect.
// Reconnects keep the existing schedule.
func (m *Manager) startProbes() {
	m.mu.Lock()
	if m.sched != nil {
		m.mu.Unlock()
		return
	}
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(cron.Every(m.keepaliveInterval), cron.FuncJob(m.keepaliveProbe))
	c.Schedule(cron.Every(m.livenessInterval), cron.FuncJob(m.livenessPoll))
	m.sched = c
	m.mu.Unlock()

	c.Start()
}

// keepaliveProbe runs a no-op command; failure triggers one reconnect.
func (m *Manager) keepaliveProbe() {
	t, gen, creds := m.snapshot()
	if creds == nil || t == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.keepaliveInterval)
	defer cancel()

	if _, err := t.Exec(ctx, keepaliveCommand); err != nil {
		m.metrics.recordProbe(false)
		log.Printf("[ssh] keep-alive failed: %v", err)
		m.events.emit(EventKeepaliveFailed, err.Error())
		if err := m.reconnect(context.Background(), gen, "keep-alive failed"); err != nil {
			log.Printf("[ssh] reconnect after keep-alive failure: %v", err)
		}
		return
	}
	m.metrics.recordProbe(true)
}

// livenessPoll inspects the transport's closed flag without network I/O.
func (m *Manager) livenessPoll() {
	t, gen, creds := m.snapshot()
	if creds == nil {
		return
	}
	if t != nil && !t.IsClosed() {
		return
	}
	if err := m.reconnect(context.Background(), gen, "transport closed"); err != nil {
		log.Printf("[ssh] reconnect after liveness check: %v", err)
	}
}
