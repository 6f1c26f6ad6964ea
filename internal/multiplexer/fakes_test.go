package multiplexer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/tether/internal/events"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
)

type fakeChannel struct {
	mu      sync.Mutex
	written strings.Builder
	resizes []sshconn.Geometry
	output  sshconn.OutputFunc
	done    chan struct{}
	once    sync.Once
}

func newFakeChannel(output sshconn.OutputFunc) *fakeChannel {
	return &fakeChannel{output: output, done: make(chan struct{})}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(p)
}

func (c *fakeChannel) Resize(g sshconn.Geometry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resizes = append(c.resizes, g)
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *fakeChannel) Resizes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resizes)
}

// fakeConn answers lenient commands through respond and records every
// strict and lenient command it sees.
type fakeConn struct {
	mu       sync.Mutex
	respond  func(cmd string) string
	commands []string
	strict   []string
	channels []*fakeChannel
}

func (f *fakeConn) IsConnected() bool { return true }

func (f *fakeConn) Run(ctx context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strict = append(f.strict, cmd)
	return "", nil
}

func (f *fakeConn) RunLenient(ctx context.Context, cmd string, maxRetries int) (string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return "", nil
	}
	return respond(cmd), nil
}

func (f *fakeConn) OpenChannel(ctx context.Context, geom sshconn.Geometry, output sshconn.OutputFunc) (sshconn.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := newFakeChannel(output)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeConn) setRespond(fn func(string) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeConn) lastChannel() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

func (f *fakeConn) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type mapCache map[string]string

func (m mapCache) Load(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapCache) Store(key, path string) error {
	m[key] = path
	return nil
}

// tmuxAt answers which with path and has-session with alive.
func tmuxAt(path string) func(string) string {
	return func(cmd string) string {
		switch {
		case strings.HasPrefix(cmd, "which tmux"):
			return path + "\n"
		case strings.Contains(cmd, "has-session"):
			return "alive\n"
		}
		return ""
	}
}

func newTestDriver(conn *fakeConn, rec *recorder) *Driver {
	return NewDriver(Options{
		Conn:        conn,
		Publisher:   rec,
		Geometry:    sshconn.Geometry{Cols: 120, Rows: 40},
		SettleDelay: time.Millisecond,
	})
}

// readyDriver returns a driver with an initialized session.
func readyDriver(t testing.TB) (*Driver, *fakeConn, *recorder) {
	t.Helper()
	conn := &fakeConn{respond: tmuxAt("/usr/bin/tmux")}
	rec := &recorder{}
	d := newTestDriver(conn, rec)
	if _, err := d.CheckAvailability(context.Background()); err != nil {
		t.Fatalf("CheckAvailability: %v", err)
	}
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return d, conn, rec
}
