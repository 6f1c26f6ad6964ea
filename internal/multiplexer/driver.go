// Package multiplexer drives a remote tmux through its plain terminal
// interface. One interactive channel carries the attached client; window
// commands are typed at the tmux command prompt and the raw output of the
// channel is the active window's stream. Window identities are predicted on
// the client, since nothing on the channel acknowledges them.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/claworc/tether/internal/events"
	"github.com/gluk-w/claworc/tether/internal/logutil"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
	"github.com/gluk-w/claworc/tether/internal/sshterminal"
)

var (
	ErrConsentRequired  = errors.New("tmux install requires consent")
	ErrNoInstallCommand = errors.New("no install command for distro")
	ErrNotReady         = errors.New("multiplexer session is not ready")
	ErrNotAvailable     = errors.New("tmux is not available")
	ErrUnknownWindow    = errors.New("unknown window")
	ErrLastWindow       = errors.New("cannot close the only window")
	ErrNoSession        = errors.New("no multiplexer session to reattach")
	ErrSessionActive    = errors.New("multiplexer session is active")
)

// ErrSessionGone is returned by Reattach when the remote session no longer
// exists. It matches sshconn.ErrRemoteNotFound.
var ErrSessionGone = fmt.Errorf("tmux session is gone: %w", sshconn.ErrRemoteNotFound)

// DefaultSettleDelay is how long the driver waits after typing a session
// start or attach line before treating the session as ready.
const DefaultSettleDelay = time.Second

// Connection is what the driver needs from the connection manager.
type Connection interface {
	IsConnected() bool
	Run(ctx context.Context, cmd string) (string, error)
	RunLenient(ctx context.Context, cmd string, maxRetries int) (string, error)
	OpenChannel(ctx context.Context, geom sshconn.Geometry, output sshconn.OutputFunc) (sshconn.Channel, error)
}

// Session describes the remote tmux session.
type Session struct {
	Name       string `json:"name"`
	BinaryPath string `json:"binary_path"`
	Alive      bool   `json:"alive"`
}

type Options struct {
	Conn      Connection
	Publisher events.Publisher

	// Cache and CacheKey persist the resolved tmux path. Both optional.
	Cache    PathCache
	CacheKey string

	// Table defaults to the embedded install table.
	Table *InstallTable

	Geometry    sshconn.Geometry
	SettleDelay time.Duration
	MaxRetries  int
}

// Driver owns the multiplexer session and its interactive channel.
type Driver struct {
	conn       Connection
	pub        events.Publisher
	cache      PathCache
	cacheKey   string
	table      *InstallTable
	settle     time.Duration
	maxRetries int
	registry   *Registry

	// opMu serializes public operations so a control line and the registry
	// update it implies are never interleaved with another operation.
	opMu sync.Mutex

	mu           sync.Mutex
	state        State
	availability Availability
	binPath      string
	session      Session
	geom         sshconn.Geometry
	ch           sshconn.Channel
	chGen        int
}

func NewDriver(opts Options) *Driver {
	d := &Driver{
		conn:       opts.Conn,
		pub:        opts.Publisher,
		cache:      opts.Cache,
		cacheKey:   opts.CacheKey,
		table:      opts.Table,
		settle:     opts.SettleDelay,
		maxRetries: opts.MaxRetries,
		registry:   NewRegistry(),
		geom:       opts.Geometry.Clamp(),
	}
	if d.table == nil {
		d.table = DefaultInstallTable()
	}
	if d.settle <= 0 {
		d.settle = DefaultSettleDelay
	}
	return d
}

func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()
	if prev != s {
		log.Printf("[tmux] state %s -> %s", prev, s)
	}
}

// Availability returns the last CheckAvailability result.
func (d *Driver) Availability() Availability {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.availability
}

func (d *Driver) Session() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Registry exposes the read-only window bookkeeping.
func (d *Driver) Registry() *Registry {
	return d.registry
}

func (d *Driver) Windows() []Window {
	return d.registry.Windows()
}

func (d *Driver) publish(ev events.Event) {
	if d.pub != nil {
		d.pub.Publish(ev)
	}
}

// record applies a lifecycle event to the registry and then publishes it.
func (d *Driver) record(ev events.Event) {
	d.registry.apply(ev)
	d.publish(ev)
}

// Initialize starts a new uniquely named tmux session on a fresh channel
// and registers window 0.
func (d *Driver) Initialize(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	state, bin := d.state, d.binPath
	d.mu.Unlock()
	if state != StateAvailable || bin == "" {
		return fmt.Errorf("initialize in state %s: %w", state, ErrNotAvailable)
	}

	d.setState(StateInitializing)
	name := newSessionName(time.Now())

	if err := d.openChannel(ctx); err != nil {
		d.fail(err)
		return fmt.Errorf("open multiplexer channel: %w", err)
	}
	if err := d.write(newSessionLine(bin, name)); err != nil {
		d.fail(err)
		return fmt.Errorf("start tmux session: %w", err)
	}
	if err := sleepContext(ctx, d.settle); err != nil {
		d.fail(err)
		return err
	}

	d.mu.Lock()
	d.session = Session{Name: name, BinaryPath: bin, Alive: true}
	d.mu.Unlock()

	d.registry.reset()
	d.record(events.NewWindowCreated(0, "0"))
	d.setState(StateReady)
	log.Printf("[tmux] session %s ready", name)
	return nil
}

// openChannel attaches the output handler, opens the channel and forwards
// the current geometry once.
func (d *Driver) openChannel(ctx context.Context) error {
	d.mu.Lock()
	d.chGen++
	gen := d.chGen
	geom := d.geom
	d.mu.Unlock()

	ch, err := d.conn.OpenChannel(ctx, geom, d.outputHandler())
	if err != nil {
		return err
	}
	if err := ch.Resize(geom); err != nil {
		log.Printf("[tmux] initial resize: %v", err)
	}

	d.mu.Lock()
	d.ch = ch
	d.mu.Unlock()

	go d.watch(ch, gen)
	return nil
}

// outputHandler tags each decoded chunk with the window active at delivery.
func (d *Driver) outputHandler() sshconn.OutputFunc {
	var dec sshterminal.UTF8Decoder
	return func(data []byte) {
		text := dec.Decode(data)
		if text == "" {
			return
		}
		id, ok := d.registry.Active()
		if !ok {
			id = 0
		}
		d.publish(events.NewOutput(id, text))
	}
}

// watch reports an unexpected end of the current channel.
func (d *Driver) watch(ch sshconn.Channel, gen int) {
	<-ch.Done()

	d.mu.Lock()
	if gen != d.chGen || d.state != StateReady {
		d.mu.Unlock()
		return
	}
	d.ch = nil
	d.state = StateError
	d.mu.Unlock()

	log.Printf("[tmux] channel closed unexpectedly")
	d.publish(events.NewError("multiplexer channel closed"))
}

// fail moves to Error after a failed operation and closes the channel.
func (d *Driver) fail(err error) {
	d.mu.Lock()
	ch := d.ch
	d.ch = nil
	d.chGen++
	d.state = StateError
	d.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	log.Printf("[tmux] %v", err)
	d.publish(events.NewError(err.Error()))
}

func (d *Driver) write(s string) error {
	d.mu.Lock()
	ch := d.ch
	d.mu.Unlock()
	if ch == nil {
		return ErrNotReady
	}
	if _, err := ch.Write([]byte(s)); err != nil {
		return fmt.Errorf("write to multiplexer channel: %w", err)
	}
	return nil
}

func (d *Driver) requireReady() error {
	if s := d.State(); s != StateReady {
		return fmt.Errorf("%w (state %s)", ErrNotReady, s)
	}
	return nil
}

// CreateWindow opens a new window at the predicted next id and makes it
// active.
func (d *Driver) CreateWindow(ctx context.Context) (Window, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.requireReady(); err != nil {
		return Window{}, err
	}

	id := d.registry.NextID()
	if err := d.write(newWindowLine(id)); err != nil {
		return Window{}, err
	}
	name := strconv.Itoa(id)
	d.record(events.NewWindowCreated(id, name))
	d.record(events.NewWindowSwitched(id))
	return Window{ID: id, Name: name, Active: true}, nil
}

// SwitchToWindow selects id. Selecting the active window is a no-op.
func (d *Driver) SwitchToWindow(ctx context.Context, id int) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	return d.switchTo(id)
}

func (d *Driver) switchTo(id int) error {
	if err := d.requireReady(); err != nil {
		return err
	}
	if !d.registry.Has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownWindow, id)
	}
	if active, ok := d.registry.Active(); ok && active == id {
		return nil
	}
	if err := d.write(selectWindowLine(id)); err != nil {
		return err
	}
	d.record(events.NewWindowSwitched(id))
	return nil
}

// CloseWindow kills window id. The sole window cannot be closed. Closing
// the active window promotes the lowest remaining id.
func (d *Driver) CloseWindow(ctx context.Context, id int) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.requireReady(); err != nil {
		return err
	}
	if !d.registry.Has(id) {
		return fmt.Errorf("%w: %d", ErrUnknownWindow, id)
	}
	if d.registry.Len() <= 1 {
		return ErrLastWindow
	}

	if err := d.write(killWindowLine(id)); err != nil {
		return err
	}
	if active, _ := d.registry.Active(); active == id {
		next, _ := d.registry.lowestExcept(id)
		if err := d.write(selectWindowLine(next)); err != nil {
			return err
		}
		d.record(events.NewWindowSwitched(next))
	}
	d.record(events.NewWindowClosed(id))
	return nil
}

// SendInput writes raw keystrokes to the active window.
func (d *Driver) SendInput(text string) error {
	if err := d.requireReady(); err != nil {
		return err
	}
	return d.write(text)
}

// Resize records geometry for future channels and forwards it to the open
// one.
func (d *Driver) Resize(geom sshconn.Geometry) error {
	geom = geom.Clamp()
	d.mu.Lock()
	d.geom = geom
	ch := d.ch
	d.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Resize(geom)
}

// Detach leaves the remote session running and closes the local channel.
// The registry is kept for Reattach.
func (d *Driver) Detach(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.requireReady(); err != nil {
		return err
	}

	writeErr := d.write(detachLine())

	d.mu.Lock()
	ch := d.ch
	d.ch = nil
	d.chGen++
	d.state = StateDetached
	d.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	log.Printf("[tmux] detached from %s", logutil.SanitizeForLog(d.Session().Name))
	return writeErr
}

// Reattach reconnects to the existing session from Detached or Error. When
// the session no longer exists it returns ErrSessionGone and the driver
// falls back to Available with an empty registry.
func (d *Driver) Reattach(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	state, sess := d.state, d.session
	d.mu.Unlock()
	if state != StateDetached && state != StateError {
		return fmt.Errorf("reattach in state %s: %w", state, ErrNotReady)
	}
	if sess.Name == "" {
		return ErrNoSession
	}

	out, err := d.conn.RunLenient(ctx, hasSessionCmd(sess.BinaryPath, sess.Name), d.maxRetries)
	if err != nil {
		d.setState(StateError)
		return fmt.Errorf("probe tmux session: %w", err)
	}
	if !containsLine(out, "alive") {
		d.mu.Lock()
		d.session.Alive = false
		d.session.Name = ""
		d.mu.Unlock()
		d.clearRegistry()
		d.setState(StateAvailable)
		return ErrSessionGone
	}

	d.setState(StateInitializing)
	if err := d.openChannel(ctx); err != nil {
		d.fail(err)
		return fmt.Errorf("open multiplexer channel: %w", err)
	}
	if err := d.write(attachLine(sess.BinaryPath, sess.Name)); err != nil {
		d.fail(err)
		return fmt.Errorf("attach tmux session: %w", err)
	}
	if err := sleepContext(ctx, d.settle); err != nil {
		d.fail(err)
		return err
	}

	if d.registry.Len() == 0 {
		d.record(events.NewWindowCreated(0, "0"))
	} else if active, ok := d.registry.Active(); ok {
		if err := d.write(selectWindowLine(active)); err != nil {
			d.fail(err)
			return err
		}
		d.publish(events.NewWindowSwitched(active))
	}
	d.setState(StateReady)
	log.Printf("[tmux] reattached to %s", logutil.SanitizeForLog(sess.Name))
	return nil
}

// KillSession destroys the remote session and clears local state. Local
// state is cleared even when the remote kill fails.
func (d *Driver) KillSession(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	sess := d.session
	ch := d.ch
	d.ch = nil
	d.chGen++
	d.session = Session{}
	d.mu.Unlock()
	if ch != nil {
		ch.Close()
	}

	var err error
	if sess.Name != "" {
		if _, err = d.conn.RunLenient(ctx, killSessionCmd(sess.BinaryPath, sess.Name), d.maxRetries); err != nil {
			log.Printf("[tmux] kill session %s: %v", logutil.SanitizeForLog(sess.Name), err)
			err = fmt.Errorf("kill tmux session: %w", err)
		}
	}
	d.clearRegistry()

	d.mu.Lock()
	if d.binPath != "" {
		d.state = StateAvailable
	} else {
		d.state = StateUninitialized
	}
	d.mu.Unlock()
	return err
}

// clearRegistry publishes a close for every window and resets ids.
func (d *Driver) clearRegistry() {
	for _, w := range d.registry.Windows() {
		d.publish(events.NewWindowClosed(w.ID))
	}
	d.registry.reset()
}

// Close releases the channel without touching the remote session.
func (d *Driver) Close() {
	d.mu.Lock()
	ch := d.ch
	d.ch = nil
	d.chGen++
	if d.state == StateReady {
		d.state = StateDetached
	}
	d.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

func containsLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
