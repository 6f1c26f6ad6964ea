// Package tabs is the fallback used when the remote host has no tmux: each
// tab owns a dedicated interactive channel on the shared connection.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"

	"github.com/gluk-w/claworc/tether/internal/events"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
	"github.com/gluk-w/claworc/tether/internal/sshterminal"
)

// DefaultMaxTabs caps concurrent tabs.
const DefaultMaxTabs = 5

var (
	ErrLastTab    = errors.New("cannot close the only tab")
	ErrUnknownTab = errors.New("unknown tab")
	ErrNoTabs     = errors.New("no open tab")
	ErrTabClosed  = errors.New("tab channel is closed")
	ErrDisposed   = errors.New("tab controller disposed")
)

// Opener opens interactive channels. *sshconn.Manager implements it.
type Opener interface {
	OpenChannel(ctx context.Context, geom sshconn.Geometry, output sshconn.OutputFunc) (sshconn.Channel, error)
}

// Tab is the public view of one tab.
type Tab struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Alive  bool   `json:"alive"`
}

type tab struct {
	id   int
	name string
	ch   sshconn.Channel
}

type Options struct {
	Conn      Opener
	Publisher events.Publisher
	MaxTabs   int
	Geometry  sshconn.Geometry
}

// Controller manages up to MaxTabs tabs. Output events carry the id of the
// tab whose channel produced them.
type Controller struct {
	conn Opener
	pub  events.Publisher
	max  int

	mu       sync.Mutex
	tabs     map[int]*tab
	active   int
	nextID   int
	pending  int
	geom     sshconn.Geometry
	disposed bool
}

func NewController(opts Options) *Controller {
	c := &Controller{
		conn:   opts.Conn,
		pub:    opts.Publisher,
		max:    opts.MaxTabs,
		tabs:   make(map[int]*tab),
		active: -1,
		geom:   opts.Geometry.Clamp(),
	}
	if c.max <= 0 {
		c.max = DefaultMaxTabs
	}
	return c
}

func (c *Controller) publish(ev events.Event) {
	if c.pub != nil {
		c.pub.Publish(ev)
	}
}

// Create opens a new tab and makes it active. At the cap it does nothing
// and reports false.
func (c *Controller) Create(ctx context.Context) (Tab, bool, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return Tab{}, false, ErrDisposed
	}
	if len(c.tabs)+c.pending >= c.max {
		c.mu.Unlock()
		log.Printf("[tabs] at cap of %d tabs, ignoring create", c.max)
		return Tab{}, false, nil
	}
	id := c.nextID
	c.nextID++
	t := &tab{id: id, name: strconv.Itoa(id + 1)}
	geom := c.geom
	c.pending++
	c.mu.Unlock()

	gate := &outputGate{}
	ch, err := c.conn.OpenChannel(ctx, geom, c.gatedOutput(id, gate))

	c.mu.Lock()
	c.pending--
	if err != nil {
		c.mu.Unlock()
		return Tab{}, false, fmt.Errorf("open tab channel: %w", err)
	}
	if c.disposed {
		c.mu.Unlock()
		ch.Close()
		return Tab{}, false, ErrDisposed
	}
	t.ch = ch
	c.tabs[id] = t
	c.active = id
	c.mu.Unlock()

	if err := ch.Resize(geom); err != nil {
		log.Printf("[tabs] initial resize of tab %d: %v", id, err)
	}
	go c.watch(t, ch)

	c.publish(events.NewWindowCreated(id, t.name))
	c.publish(events.NewWindowSwitched(id))
	gate.open(c.emitter(id))
	return Tab{ID: id, Name: t.name, Active: true, Alive: true}, true, nil
}

// outputGate holds output that arrives before a new tab is announced.
type outputGate struct {
	mu    sync.Mutex
	ready bool
	held  []string
}

func (g *outputGate) pass(text string, emit func(string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		g.held = append(g.held, text)
		return
	}
	emit(text)
}

func (g *outputGate) open(emit func(string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, text := range g.held {
		emit(text)
	}
	g.held = nil
	g.ready = true
}

func (c *Controller) outputHandler(id int) sshconn.OutputFunc {
	var dec sshterminal.UTF8Decoder
	return func(data []byte) {
		if text := dec.Decode(data); text != "" {
			c.publish(events.NewOutput(id, text))
		}
	}
}

func (c *Controller) emitter(id int) func(string) {
	return func(text string) { c.publish(events.NewOutput(id, text)) }
}

func (c *Controller) gatedOutput(id int, gate *outputGate) sshconn.OutputFunc {
	var dec sshterminal.UTF8Decoder
	emit := c.emitter(id)
	return func(data []byte) {
		if text := dec.Decode(data); text != "" {
			gate.pass(text, emit)
		}
	}
}

// watch marks the tab dead when its channel ends without being closed by
// the controller.
func (c *Controller) watch(t *tab, ch sshconn.Channel) {
	<-ch.Done()

	c.mu.Lock()
	if c.disposed || t.ch != ch {
		c.mu.Unlock()
		return
	}
	t.ch = nil
	c.mu.Unlock()

	log.Printf("[tabs] channel of tab %d ended", t.id)
	c.publish(events.NewError(fmt.Sprintf("tab %s disconnected", t.name)))
}

// Switch makes id the active tab.
func (c *Controller) Switch(id int) error {
	c.mu.Lock()
	if _, ok := c.tabs[id]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTab, id)
	}
	if c.active == id {
		c.mu.Unlock()
		return nil
	}
	c.active = id
	c.mu.Unlock()

	c.publish(events.NewWindowSwitched(id))
	return nil
}

// Close closes tab id. The only tab cannot be closed. Closing the active
// tab activates the lowest remaining id.
func (c *Controller) Close(id int) error {
	c.mu.Lock()
	t, ok := c.tabs[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownTab, id)
	}
	if len(c.tabs) == 1 {
		c.mu.Unlock()
		return ErrLastTab
	}
	ch := t.ch
	t.ch = nil
	delete(c.tabs, id)

	promoted := -1
	if c.active == id {
		for other := range c.tabs {
			if promoted < 0 || other < promoted {
				promoted = other
			}
		}
		c.active = promoted
	}
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if promoted >= 0 {
		c.publish(events.NewWindowSwitched(promoted))
	}
	c.publish(events.NewWindowClosed(id))
	return nil
}

// SendInput writes text to the active tab.
func (c *Controller) SendInput(text string) error {
	c.mu.Lock()
	t, ok := c.tabs[c.active]
	var ch sshconn.Channel
	if ok {
		ch = t.ch
	}
	c.mu.Unlock()

	if !ok {
		return ErrNoTabs
	}
	if ch == nil {
		return ErrTabClosed
	}
	if _, err := ch.Write([]byte(text)); err != nil {
		return fmt.Errorf("write to tab %d: %w", t.id, err)
	}
	return nil
}

// Resize forwards geometry to every open tab.
func (c *Controller) Resize(geom sshconn.Geometry) error {
	geom = geom.Clamp()
	c.mu.Lock()
	c.geom = geom
	var chans []sshconn.Channel
	for _, t := range c.tabs {
		if t.ch != nil {
			chans = append(chans, t.ch)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		if err := ch.Resize(geom); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Detach closes every tab channel but keeps the tabs, so Reopen can give
// them fresh channels on a replaced connection.
func (c *Controller) Detach() {
	c.mu.Lock()
	var chans []sshconn.Channel
	for _, t := range c.tabs {
		if t.ch != nil {
			chans = append(chans, t.ch)
			t.ch = nil
		}
	}
	c.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
}

// Reopen opens a fresh channel for every tab whose channel has ended,
// typically after the connection was replaced.
func (c *Controller) Reopen(ctx context.Context) error {
	c.mu.Lock()
	var dead []*tab
	for _, t := range c.tabs {
		if t.ch == nil {
			dead = append(dead, t)
		}
	}
	geom := c.geom
	c.mu.Unlock()

	sort.Slice(dead, func(i, j int) bool { return dead[i].id < dead[j].id })
	for _, t := range dead {
		ch, err := c.conn.OpenChannel(ctx, geom, c.outputHandler(t.id))
		if err != nil {
			return fmt.Errorf("reopen tab %d: %w", t.id, err)
		}
		c.mu.Lock()
		if c.disposed || c.tabs[t.id] != t {
			c.mu.Unlock()
			ch.Close()
			continue
		}
		t.ch = ch
		c.mu.Unlock()

		if err := ch.Resize(geom); err != nil {
			log.Printf("[tabs] resize reopened tab %d: %v", t.id, err)
		}
		go c.watch(t, ch)
		log.Printf("[tabs] reopened tab %d", t.id)
	}
	return nil
}

// Tabs returns the tabs ordered by id.
func (c *Controller) Tabs() []Tab {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tab, 0, len(c.tabs))
	for _, t := range c.tabs {
		out = append(out, Tab{ID: t.id, Name: t.name, Active: t.id == c.active, Alive: t.ch != nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the active tab id.
func (c *Controller) Active() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active >= 0
}

func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tabs)
}

// Dispose closes every channel. It is idempotent.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	var chans []sshconn.Channel
	for _, t := range c.tabs {
		if t.ch != nil {
			chans = append(chans, t.ch)
			t.ch = nil
		}
	}
	c.tabs = make(map[int]*tab)
	c.active = -1
	c.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
}
