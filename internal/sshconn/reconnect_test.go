package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

type fakeTransport struct {
	mu       sync.Mutex
	closed   bool
	execErrs []error
	execs    int
	stdout   string
	// dropOnErr marks the transport closed when an exec error is returned.
	dropOnErr bool
}

func (f *fakeTransport) OpenChannel(ctx context.Context, geom Geometry, output OutputFunc) (Channel, error) {
	return nil, errors.New("not supported")
}

func (f *fakeTransport) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if f.dropOnErr {
			f.closed = true
		}
		return ExecResult{ExitCode: -1}, err
	}
	return ExecResult{Stdout: f.stdout}, nil
}

func (f *fakeTransport) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) execCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}

type fakeDialer struct {
	dials atomic.Int32
	dial  func(n int32) (Transport, error)
}

func (d *fakeDialer) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	return d.dial(d.dials.Add(1))
}

var fakeCreds = Credentials{Host: "10.0.0.5", Port: 22, Username: "dev", Password: "x"}

func fakeManager(d Dialer) *Manager {
	opts := testOptions()
	opts.Dialer = d
	return NewManager(opts)
}

func channelOpenErr() error {
	return &ssh.OpenChannelError{Reason: ssh.ResourceShortage, Message: "too many channels"}
}

func TestProbesTriggerSingleReconnect(t *testing.T) {
	first := &fakeTransport{execErrs: []error{io.EOF}, dropOnErr: true}
	gate := make(chan struct{})
	d := &fakeDialer{dial: func(n int32) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		<-gate
		return &fakeTransport{}, nil
	}}
	m := fakeManager(d)
	defer m.Disconnect()

	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); m.keepaliveProbe() }()
	go func() { defer wg.Done(); m.livenessPoll() }()

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	// One dial for Connect plus exactly one reconnect.
	if got := d.dials.Load(); got != 2 {
		t.Fatalf("dials = %d, want 2", got)
	}
	if got := m.Status().Metrics.Reconnects; got != 1 {
		t.Errorf("reconnects = %d, want 1", got)
	}
	if !m.IsConnected() {
		t.Error("expected connection restored")
	}
	if !first.IsClosed() {
		t.Error("stale transport not closed")
	}
}

func TestReconnectSkippedForReplacedGeneration(t *testing.T) {
	d := &fakeDialer{dial: func(n int32) (Transport, error) { return &fakeTransport{}, nil }}
	m := fakeManager(d)
	defer m.Disconnect()

	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, staleGen, _ := m.snapshot()
	if err := m.reconnect(context.Background(), staleGen, "first"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := m.reconnect(context.Background(), staleGen, "late trigger"); err != nil {
		t.Fatalf("late reconnect: %v", err)
	}
	if got := d.dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestReconnectFailureEmitsEvent(t *testing.T) {
	first := &fakeTransport{}
	d := &fakeDialer{dial: func(n int32) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		return nil, fmt.Errorf("dial tcp: connection reset")
	}}
	m := fakeManager(d)
	defer m.Disconnect()

	var failed atomic.Int32
	m.OnEvent(func(ev Event) {
		if ev.Type == EventReconnectFailed {
			failed.Add(1)
		}
	})
	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first.Close()

	err := m.EnsureConnected(context.Background())
	if !errors.Is(err, ErrSocket) {
		t.Fatalf("expected ErrSocket, got %v", err)
	}
	if failed.Load() != 1 {
		t.Errorf("reconnect_failed events = %d, want 1", failed.Load())
	}
	if m.State() != StateFailed {
		t.Errorf("state = %s, want failed", m.State())
	}
}

func TestRunLenientRetriesChannelOpen(t *testing.T) {
	tr := &fakeTransport{execErrs: []error{channelOpenErr(), channelOpenErr()}, stdout: "ok\n"}
	d := &fakeDialer{dial: func(n int32) (Transport, error) { return tr, nil }}
	m := fakeManager(d)
	defer m.Disconnect()
	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	out, err := m.RunLenient(context.Background(), "uname -s", 3)
	if err != nil {
		t.Fatalf("RunLenient: %v", err)
	}
	if out != "ok\n" {
		t.Errorf("output = %q", out)
	}
	if got := tr.execCount(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRunLenientExhausted(t *testing.T) {
	tr := &fakeTransport{execErrs: []error{channelOpenErr(), channelOpenErr(), channelOpenErr(), channelOpenErr()}}
	d := &fakeDialer{dial: func(n int32) (Transport, error) { return tr, nil }}
	m := fakeManager(d)
	defer m.Disconnect()
	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := m.RunLenient(context.Background(), "true", 3)
	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedRetriesError, got %v", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", exhausted.Attempts)
	}
	if !errors.Is(err, ErrChannelOpen) {
		t.Error("expected cause to be ErrChannelOpen")
	}
	if got := tr.execCount(); got != 3 {
		t.Errorf("exec calls = %d, want 3", got)
	}
}

func TestRunLenientReconnectsDroppedTransport(t *testing.T) {
	first := &fakeTransport{execErrs: []error{io.EOF}, dropOnErr: true}
	second := &fakeTransport{stdout: "back\n"}
	d := &fakeDialer{dial: func(n int32) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		return second, nil
	}}
	m := fakeManager(d)
	defer m.Disconnect()
	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	out, err := m.RunLenient(context.Background(), "hostname", 0)
	if err != nil {
		t.Fatalf("RunLenient: %v", err)
	}
	if out != "back\n" {
		t.Errorf("output = %q", out)
	}
	if got := d.dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestRunLenientAuthFailureNotRetried(t *testing.T) {
	first := &fakeTransport{execErrs: []error{io.EOF}, dropOnErr: true}
	d := &fakeDialer{dial: func(n int32) (Transport, error) {
		if n == 1 {
			return first, nil
		}
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain")
	}}
	m := fakeManager(d)
	defer m.Disconnect()
	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := m.RunLenient(context.Background(), "true", 3)
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	var exhausted *ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		t.Error("auth failure must not consume the retry budget")
	}
	if got := d.dials.Load(); got != 2 {
		t.Errorf("dials = %d, want 2", got)
	}
}

func TestConnectDeadlineClosesLateTransport(t *testing.T) {
	late := &fakeTransport{}
	d := &fakeDialer{dial: func(n int32) (Transport, error) {
		time.Sleep(100 * time.Millisecond)
		return late, nil
	}}
	opts := testOptions()
	opts.Dialer = d
	opts.ConnectTimeout = 20 * time.Millisecond
	m := NewManager(opts)

	err := m.Connect(context.Background(), fakeCreds)
	if !errors.Is(err, ErrSocket) {
		t.Fatalf("expected ErrSocket, got %v", err)
	}
	if Classify(err) != CategoryTimeout {
		t.Errorf("Classify = %q, want timeout", Classify(err))
	}

	deadline := time.Now().Add(time.Second)
	for !late.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !late.IsClosed() {
		t.Error("late transport was not closed")
	}
	if m.IsConnected() {
		t.Error("IsConnected after timed out connect")
	}
}

func TestEventAndStateHistory(t *testing.T) {
	d := &fakeDialer{dial: func(n int32) (Transport, error) { return &fakeTransport{}, nil }}
	m := fakeManager(d)

	var transitions []string
	m.OnStateChange(func(from, to ConnectionState, reason string) {
		transitions = append(transitions, from.String()+">"+to.String())
	})
	if err := m.Connect(context.Background(), fakeCreds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Disconnect()

	want := []string{"disconnected>connecting", "connecting>connected", "connected>disconnected"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
	if got := len(m.StateTransitions()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}

	events := m.EventHistory()
	if len(events) != 2 || events[0].Type != EventConnected || events[1].Type != EventDisconnected {
		t.Errorf("unexpected events %+v", events)
	}
}

func TestEventHistoryRingKeepsLatest(t *testing.T) {
	el := &eventLog{}
	for i := 0; i < eventHistorySize+10; i++ {
		el.emit(EventKeepaliveFailed, fmt.Sprint(i))
	}
	h := el.history()
	if len(h) != eventHistorySize {
		t.Fatalf("len = %d, want %d", len(h), eventHistorySize)
	}
	if h[0].Details != "10" || h[len(h)-1].Details != fmt.Sprint(eventHistorySize+9) {
		t.Errorf("ring order wrong: first=%s last=%s", h[0].Details, h[len(h)-1].Details)
	}
}
