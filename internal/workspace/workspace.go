// Package workspace is the upward contract: it connects, picks tmux or tab
// mode, and exposes one window API and one event stream whichever mode is
// active.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/claworc/tether/internal/crypto"
	"github.com/gluk-w/claworc/tether/internal/events"
	"github.com/gluk-w/claworc/tether/internal/multiplexer"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
	"github.com/gluk-w/claworc/tether/internal/sshterminal"
	"github.com/gluk-w/claworc/tether/internal/tabs"
)

// Mode names how windows are backed.
type Mode string

const (
	ModeNone        Mode = "none"
	ModeMultiplexer Mode = "multiplexer"
	ModeTabs        Mode = "tabs"
)

var (
	ErrNotStarted         = errors.New("workspace is not connected")
	ErrWrongMode          = errors.New("operation requires multiplexer mode")
	ErrAlreadyAvailable   = errors.New("tmux is already available")
	ErrNoSavedCredentials = errors.New("no saved credentials")
)

const recoverTimeout = 30 * time.Second

// Window is the mode-independent view of a window or tab.
type Window = multiplexer.Window

// CredentialStore persists the last successful login.
type CredentialStore interface {
	SaveCredentials(sshconn.Credentials) error
	LoadCredentials() (sshconn.Credentials, bool, error)
	ClearCredentials() error
}

type Options struct {
	Manager      *sshconn.Manager
	Store        CredentialStore
	PathCache    multiplexer.PathCache
	InstallTable *multiplexer.InstallTable
	Bus          *events.Bus

	MaxTabs     int
	SettleDelay time.Duration
	ExecRetries int
	Geometry    sshconn.Geometry
	// ScrollbackSize bounds retained output per window.
	ScrollbackSize int
}

type Workspace struct {
	mgr     *sshconn.Manager
	store   CredentialStore
	cache   multiplexer.PathCache
	table   *multiplexer.InstallTable
	bus     *events.Bus
	scroll  *sshterminal.ScrollbackSet
	maxTabs int
	settle  time.Duration
	retries int

	// opMu serializes lifecycle changes: start, install, reconnect
	// recovery and disconnect.
	opMu sync.Mutex

	mu     sync.Mutex
	mode   Mode
	driver *multiplexer.Driver
	tabs   *tabs.Controller
	geom   sshconn.Geometry
}

func New(opts Options) *Workspace {
	w := &Workspace{
		mgr:     opts.Manager,
		store:   opts.Store,
		cache:   opts.PathCache,
		table:   opts.InstallTable,
		bus:     opts.Bus,
		scroll:  sshterminal.NewScrollbackSet(opts.ScrollbackSize),
		maxTabs: opts.MaxTabs,
		settle:  opts.SettleDelay,
		retries: opts.ExecRetries,
		mode:    ModeNone,
		geom:    opts.Geometry.Clamp(),
	}
	if w.bus == nil {
		w.bus = events.NewBus()
	}
	w.mgr.OnEvent(w.onConnectionEvent)
	return w
}

// Publish records output for replay and forwards ev to subscribers. The
// driver and tab controller publish through it.
func (w *Workspace) Publish(ev events.Event) {
	switch ev.Type {
	case events.Output:
		w.scroll.Append(ev.WindowID, []byte(ev.Text))
	case events.WindowClosed:
		w.scroll.Drop(ev.WindowID)
	}
	w.bus.Publish(ev)
}

// Subscribe returns future events and a cancel func.
func (w *Workspace) Subscribe(buffer int) (<-chan events.Event, func()) {
	return w.bus.Subscribe(buffer)
}

// Scrollback returns recent output of window id.
func (w *Workspace) Scrollback(id int) []byte {
	return w.scroll.Snapshot(id)
}

// Start connects with creds, saves them after the connection succeeds and
// sets up windows: a tmux session when tmux is available, otherwise a
// single fallback tab. A failed connect leaves the current windows and
// mode untouched.
func (w *Workspace) Start(ctx context.Context, creds sshconn.Credentials) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	if err := w.mgr.Connect(ctx, creds); err != nil {
		return err
	}
	w.teardown()
	if w.store != nil {
		if err := w.store.SaveCredentials(creds); err != nil {
			log.Printf("[workspace] save credentials: %v", err)
		}
	}
	return w.setup(ctx, creds)
}

// Resume starts with the saved credentials.
func (w *Workspace) Resume(ctx context.Context) error {
	if w.store == nil {
		return ErrNoSavedCredentials
	}
	creds, ok, err := w.store.LoadCredentials()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSavedCredentials
	}
	return w.Start(ctx, creds)
}

func (w *Workspace) setup(ctx context.Context, creds sshconn.Credentials) error {
	w.mu.Lock()
	geom := w.geom
	w.mu.Unlock()

	driver := multiplexer.NewDriver(multiplexer.Options{
		Conn:        w.mgr,
		Publisher:   w,
		Cache:       w.cache,
		CacheKey:    multiplexer.CacheKey(creds.Username, creds.Host, creds.EffectivePort()),
		Table:       w.table,
		Geometry:    geom,
		SettleDelay: w.settle,
		MaxRetries:  w.retries,
	})
	w.mu.Lock()
	w.driver = driver
	w.mu.Unlock()

	av, err := driver.CheckAvailability(ctx)
	switch {
	case err != nil:
		log.Printf("[workspace] tmux check failed, using tabs: %v", err)
	case av.Available:
		err = driver.Initialize(ctx)
		if err == nil {
			w.setMode(ModeMultiplexer)
			return nil
		}
		log.Printf("[workspace] tmux initialize failed, using tabs: %v", err)
	}
	return w.startTabs(ctx)
}

func (w *Workspace) startTabs(ctx context.Context) error {
	w.mu.Lock()
	ctrl := tabs.NewController(tabs.Options{
		Conn:      w.mgr,
		Publisher: w,
		MaxTabs:   w.maxTabs,
		Geometry:  w.geom,
	})
	w.tabs = ctrl
	w.mu.Unlock()

	if _, _, err := ctrl.Create(ctx); err != nil {
		return fmt.Errorf("open first tab: %w", err)
	}
	w.setMode(ModeTabs)
	return nil
}

func (w *Workspace) setMode(m Mode) {
	w.mu.Lock()
	prev := w.mode
	w.mode = m
	w.mu.Unlock()
	if prev != m {
		log.Printf("[workspace] mode %s -> %s", prev, m)
	}
}

// teardown releases local channels without touching the remote session.
func (w *Workspace) teardown() {
	w.mu.Lock()
	driver, ctrl := w.driver, w.tabs
	w.driver, w.tabs = nil, nil
	w.mode = ModeNone
	w.mu.Unlock()

	if driver != nil {
		driver.Close()
	}
	if ctrl != nil {
		ctrl.Dispose()
	}
	w.scroll.Reset()
}

func (w *Workspace) current() (Mode, *multiplexer.Driver, *tabs.Controller) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode, w.driver, w.tabs
}

func (w *Workspace) Mode() Mode {
	mode, _, _ := w.current()
	return mode
}

// CreateWindow opens a window (tmux) or tab. In tab mode at the cap it is a
// no-op that returns the active tab.
func (w *Workspace) CreateWindow(ctx context.Context) (Window, error) {
	mode, driver, ctrl := w.current()
	switch mode {
	case ModeMultiplexer:
		return driver.CreateWindow(ctx)
	case ModeTabs:
		t, created, err := ctrl.Create(ctx)
		if err != nil {
			return Window{}, err
		}
		if !created {
			return w.activeWindow(), nil
		}
		return Window{ID: t.ID, Name: t.Name, Active: true}, nil
	}
	return Window{}, ErrNotStarted
}

func (w *Workspace) SwitchWindow(ctx context.Context, id int) error {
	mode, driver, ctrl := w.current()
	switch mode {
	case ModeMultiplexer:
		return driver.SwitchToWindow(ctx, id)
	case ModeTabs:
		return ctrl.Switch(id)
	}
	return ErrNotStarted
}

func (w *Workspace) CloseWindow(ctx context.Context, id int) error {
	mode, driver, ctrl := w.current()
	switch mode {
	case ModeMultiplexer:
		return driver.CloseWindow(ctx, id)
	case ModeTabs:
		return ctrl.Close(id)
	}
	return ErrNotStarted
}

// Windows returns the windows ordered by id.
func (w *Workspace) Windows() []Window {
	mode, driver, ctrl := w.current()
	switch mode {
	case ModeMultiplexer:
		return driver.Windows()
	case ModeTabs:
		ts := ctrl.Tabs()
		out := make([]Window, len(ts))
		for i, t := range ts {
			out[i] = Window{ID: t.ID, Name: t.Name, Active: t.Active}
		}
		return out
	}
	return []Window{}
}

func (w *Workspace) activeWindow() Window {
	for _, win := range w.Windows() {
		if win.Active {
			return win
		}
	}
	return Window{ID: -1}
}

// SendInput writes raw input to the active window.
func (w *Workspace) SendInput(text string) error {
	mode, driver, ctrl := w.current()
	switch mode {
	case ModeMultiplexer:
		return driver.SendInput(text)
	case ModeTabs:
		return ctrl.SendInput(text)
	}
	return ErrNotStarted
}

// Resize records geometry and forwards it to open channels.
func (w *Workspace) Resize(geom sshconn.Geometry) error {
	geom = geom.Clamp()
	w.mu.Lock()
	w.geom = geom
	mode, driver, ctrl := w.mode, w.driver, w.tabs
	w.mu.Unlock()

	switch mode {
	case ModeMultiplexer:
		return driver.Resize(geom)
	case ModeTabs:
		return ctrl.Resize(geom)
	}
	return nil
}

// Install installs tmux with consent and moves from tabs to a tmux
// session.
func (w *Workspace) Install(ctx context.Context, consented bool) (multiplexer.Availability, error) {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	mode, driver, ctrl := w.current()
	if driver == nil {
		return multiplexer.Availability{}, ErrNotStarted
	}
	prior := driver.Availability()
	if prior.Available {
		return prior, ErrAlreadyAvailable
	}
	av, err := driver.InstallIfConsented(ctx, prior.Distro, consented)
	if err != nil || !av.Available {
		return av, err
	}

	if mode == ModeTabs && ctrl != nil {
		for _, t := range ctrl.Tabs() {
			w.Publish(events.NewWindowClosed(t.ID))
		}
		ctrl.Dispose()
		w.mu.Lock()
		w.tabs = nil
		w.mode = ModeNone
		w.mu.Unlock()
	}
	if err := driver.Initialize(ctx); err != nil {
		log.Printf("[workspace] tmux start after install failed, using tabs: %v", err)
		if tabErr := w.startTabs(ctx); tabErr != nil {
			return av, errors.Join(err, tabErr)
		}
		return av, fmt.Errorf("start tmux after install: %w", err)
	}
	w.setMode(ModeMultiplexer)
	return av, nil
}

func (w *Workspace) multiplexerDriver() (*multiplexer.Driver, error) {
	mode, driver, _ := w.current()
	if mode != ModeMultiplexer || driver == nil {
		return nil, ErrWrongMode
	}
	return driver, nil
}

func (w *Workspace) Detach(ctx context.Context) error {
	driver, err := w.multiplexerDriver()
	if err != nil {
		return err
	}
	return driver.Detach(ctx)
}

func (w *Workspace) Reattach(ctx context.Context) error {
	driver, err := w.multiplexerDriver()
	if err != nil {
		return err
	}
	return driver.Reattach(ctx)
}

// KillSession destroys the tmux session and starts a fresh one.
func (w *Workspace) KillSession(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	driver, err := w.multiplexerDriver()
	if err != nil {
		return err
	}
	killErr := driver.KillSession(ctx)
	if err := driver.Initialize(ctx); err != nil {
		return errors.Join(killErr, fmt.Errorf("restart tmux session: %w", err))
	}
	return killErr
}

// Disconnect closes local channels and the connection. Saved credentials
// are kept; see Forget.
func (w *Workspace) Disconnect() {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	w.teardown()
	w.mgr.Disconnect()
}

// Forget disconnects and deletes the saved credentials.
func (w *Workspace) Forget() error {
	w.Disconnect()
	if w.store == nil {
		return nil
	}
	return w.store.ClearCredentials()
}

// Status summarizes connection and windows for display.
type Status struct {
	Connection   sshconn.Status           `json:"connection"`
	Mode         Mode                     `json:"mode"`
	Multiplexer  string                   `json:"multiplexer_state,omitempty"`
	Availability multiplexer.Availability `json:"availability"`
	Session      multiplexer.Session      `json:"session"`
	Windows      []Window                 `json:"windows"`
	ActiveWindow int                      `json:"active_window"`
	SavedLogin   *SavedLogin              `json:"saved_login,omitempty"`
}

// SavedLogin describes the stored credentials with secrets masked.
type SavedLogin struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	HasKey   bool   `json:"has_key"`
}

func (w *Workspace) savedLogin() *SavedLogin {
	if w.store == nil {
		return nil
	}
	creds, ok, err := w.store.LoadCredentials()
	if err != nil {
		log.Printf("[workspace] load saved login: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	return &SavedLogin{
		Host:     creds.Host,
		Port:     creds.EffectivePort(),
		Username: creds.Username,
		Password: crypto.Mask(creds.Password),
		HasKey:   creds.UsesKey(),
	}
}

func (w *Workspace) Status() Status {
	mode, driver, _ := w.current()
	st := Status{
		Connection:   w.mgr.Status(),
		Mode:         mode,
		Windows:      w.Windows(),
		ActiveWindow: -1,
		SavedLogin:   w.savedLogin(),
	}
	if driver != nil {
		st.Multiplexer = driver.State().String()
		st.Availability = driver.Availability()
		st.Session = driver.Session()
	}
	for _, win := range st.Windows {
		if win.Active {
			st.ActiveWindow = win.ID
		}
	}
	return st
}

// History is the recent lifecycle record of the connection and windows.
type History struct {
	Transitions []sshconn.StateTransition `json:"transitions"`
	Connection  []sshconn.Event           `json:"connection_events"`
	Windows     []events.Event            `json:"window_events"`
}

// History returns recent state changes and events, oldest first. Output is
// not recorded.
func (w *Workspace) History() History {
	return History{
		Transitions: w.mgr.StateTransitions(),
		Connection:  w.mgr.EventHistory(),
		Windows:     w.bus.History(),
	}
}

// Driver exposes the tmux driver, or nil before Start.
func (w *Workspace) Driver() *multiplexer.Driver {
	_, driver, _ := w.current()
	return driver
}

func (w *Workspace) onConnectionEvent(ev sshconn.Event) {
	switch ev.Type {
	case sshconn.EventReconnected:
		go w.restoreChannels()
	case sshconn.EventReconnectFailed:
		w.Publish(events.NewError("connection lost: " + ev.Details))
	}
}

// restoreChannels gives the active mode fresh channels on the replaced transport.
func (w *Workspace) restoreChannels() {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recoverTimeout)
	defer cancel()

	mode, driver, ctrl := w.current()
	switch mode {
	case ModeMultiplexer:
		// An explicit detach stays detached; only a live or broken
		// attachment is restored.
		if st := driver.State(); st != multiplexer.StateReady && st != multiplexer.StateError {
			log.Printf("[workspace] multiplexer %s, not reattaching after reconnect", st)
			return
		}
		driver.Close()
		if err := driver.Reattach(ctx); err != nil {
			log.Printf("[workspace] reattach after reconnect: %v", err)
			if errors.Is(err, multiplexer.ErrSessionGone) {
				if err := driver.Initialize(ctx); err != nil {
					w.Publish(events.NewError("tmux session lost: " + err.Error()))
				}
				return
			}
			w.Publish(events.NewError("reattach failed: " + err.Error()))
		}
	case ModeTabs:
		ctrl.Detach()
		if err := ctrl.Reopen(ctx); err != nil {
			log.Printf("[workspace] reopen tabs after reconnect: %v", err)
			w.Publish(events.NewError("reopen tabs failed: " + err.Error()))
		}
	}
}
