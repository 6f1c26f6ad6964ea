package sshconn

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/gluk-w/claworc/tether/internal/logutil"
)

const (
	defaultConnectTimeout    = 30 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
	defaultLivenessInterval  = 15 * time.Second

	keepaliveCommand = "true"
)

// Options configures a Manager. Zero values take the defaults.
type Options struct {
	Dialer            Dialer
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	LivenessInterval  time.Duration
	Retry             RetryPolicy
}

// Manager owns the single transport to the remote host. Consumers obtain
// channels and run commands through it and never hold a Transport across
// calls, since a reconnect replaces it.
type Manager struct {
	dialer            Dialer
	connectTimeout    time.Duration
	keepaliveInterval time.Duration
	livenessInterval  time.Duration
	retry             RetryPolicy

	mu        sync.RWMutex
	transport Transport
	gen       uint64 // bumped each time transport is replaced or dropped
	creds     *Credentials
	sched     *cron.Cron

	flight  singleflight.Group
	metrics *metrics
	state   *stateTracker
	events  *eventLog
}

// NewManager builds a disconnected Manager.
func NewManager(opts Options) *Manager {
	m := &Manager{
		dialer:            opts.Dialer,
		connectTimeout:    opts.ConnectTimeout,
		keepaliveInterval: opts.KeepaliveInterval,
		livenessInterval:  opts.LivenessInterval,
		retry:             opts.Retry,
		metrics:           &metrics{},
		state:             &stateTracker{},
		events:            &eventLog{},
	}
	if m.dialer == nil {
		m.dialer = SSHDialer{Timeout: opts.ConnectTimeout}
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = defaultConnectTimeout
	}
	if m.keepaliveInterval <= 0 {
		m.keepaliveInterval = defaultKeepaliveInterval
	}
	if m.livenessInterval <= 0 {
		m.livenessInterval = defaultLivenessInterval
	}
	if m.retry.MaxAttempts == 0 && m.retry.BaseDelay == 0 && m.retry.ChannelOpenDelay == 0 {
		m.retry = DefaultRetryPolicy
	}
	return m
}

type dialResult struct {
	t   Transport
	err error
}

// dial runs one dial attempt raced against the connect deadline. A
// transport that completes after the deadline is closed.
func (m *Manager) dial(ctx context.Context, creds Credentials) (Transport, error) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	done := make(chan dialResult, 1)
	go func() {
		t, err := m.dialer.Dial(ctx, creds)
		done <- dialResult{t, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, Normalize("connect", r.err)
		}
		return r.t, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.t != nil {
				r.t.Close()
			}
		}()
		return nil, newError(ErrSocket, "connect", fmt.Errorf("timed out after %s: %w", m.connectTimeout, ctx.Err()))
	}
}

// Connect authenticates with creds and replaces any existing transport.
// On success the keep-alive and liveness probes are scheduled and creds are
// retained for silent reconnection.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return newError(ErrInvalidInput, "connect", err)
	}
	endpoint := logutil.Endpoint(creds.Username, creds.Host, creds.EffectivePort())
	m.state.set(StateConnecting, "connecting to "+endpoint)

	t, err := m.dial(ctx, creds)
	if err != nil {
		log.Printf("[ssh] connect to %s failed: %v", endpoint, err)
		if m.IsConnected() {
			m.state.set(StateConnected, "kept previous connection")
		} else {
			m.state.set(StateDisconnected, err.Error())
		}
		return err
	}

	m.install(t, creds.clone())
	m.startProbes()

	log.Printf("[ssh] connected to %s", endpoint)
	m.state.set(StateConnected, "connected to "+endpoint)
	m.events.emit(EventConnected, endpoint)
	return nil
}

// install swaps in t, closing the previous transport.
func (m *Manager) install(t Transport, creds Credentials) {
	m.mu.Lock()
	old := m.transport
	m.transport = t
	m.gen++
	m.creds = &creds
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	m.metrics.reset()
}

// Disconnect stops the probes, closes the transport and forgets the
// credentials. It is idempotent and never fails.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	t := m.transport
	hadCreds := m.creds != nil
	sched := m.sched
	m.transport = nil
	m.creds = nil
	m.sched = nil
	m.gen++
	m.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			log.Printf("[ssh] close transport: %v", err)
		}
	}
	if t != nil || hadCreds {
		log.Printf("[ssh] disconnected")
		m.state.set(StateDisconnected, "disconnect requested")
		m.events.emit(EventDisconnected, "disconnect requested")
	}
}

// IsConnected reports whether a transport exists and is not closed.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	t := m.transport
	m.mu.RUnlock()
	return t != nil && !t.IsClosed()
}

// HasCredentials reports whether credentials are retained for reconnection.
func (m *Manager) HasCredentials() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds != nil
}

func (m *Manager) currentTransport() Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport
}

func (m *Manager) snapshot() (Transport, uint64, *Credentials) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transport, m.gen, m.creds
}

// Status summarizes the connection for display.
type Status struct {
	Connected bool            `json:"connected"`
	Host      string          `json:"host,omitempty"`
	Port      int             `json:"port,omitempty"`
	Username  string          `json:"username,omitempty"`
	State     string          `json:"state"`
	Metrics   MetricsSnapshot `json:"metrics"`
}

func (m *Manager) Status() Status {
	st := Status{
		Connected: m.IsConnected(),
		State:     m.state.get().String(),
		Metrics:   m.metrics.snapshot(),
	}
	m.mu.RLock()
	if m.creds != nil {
		st.Host = m.creds.Host
		st.Port = m.creds.EffectivePort()
		st.Username = m.creds.Username
	}
	m.mu.RUnlock()
	return st
}
