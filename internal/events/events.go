// Package events carries the upward notification stream: window lifecycle,
// tagged terminal output and errors.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type is the variant tag of an Event.
type Type string

const (
	WindowCreated  Type = "window_created"
	WindowClosed   Type = "window_closed"
	WindowSwitched Type = "window_switched"
	Output         Type = "output"
	Error          Type = "error"
)

// Event is one notification. WindowID is set for every variant except
// Error. For Output in multiplexer mode it names the window that was active
// when the bytes arrived, which is not necessarily the window that wrote
// them.
type Event struct {
	Type      Type      `json:"type"`
	WindowID  int       `json:"window_id"`
	Name      string    `json:"name,omitempty"`
	Text      string    `json:"text,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewWindowCreated(id int, name string) Event {
	return Event{Type: WindowCreated, WindowID: id, Name: name, Timestamp: time.Now()}
}

func NewWindowClosed(id int) Event {
	return Event{Type: WindowClosed, WindowID: id, Timestamp: time.Now()}
}

func NewWindowSwitched(id int) Event {
	return Event{Type: WindowSwitched, WindowID: id, Timestamp: time.Now()}
}

func NewOutput(id int, text string) Event {
	return Event{Type: Output, WindowID: id, Text: text, Timestamp: time.Now()}
}

func NewError(msg string) Event {
	return Event{Type: Error, WindowID: -1, Message: msg, Timestamp: time.Now()}
}

// Publisher accepts events. Bus implements it.
type Publisher interface {
	Publish(Event)
}

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe
// is given zero.
const DefaultBuffer = 256

const historySize = 100

type subscriber struct {
	ch chan Event
}

// Bus fans events out to subscribers in publish order. A subscriber whose
// buffer is full misses window and error events; the miss is counted in
// Dropped. Overflowing on an Output event closes the subscriber's channel
// instead. Output events are not kept in the history ring.
type Bus struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextSub int
	closed  bool

	ring  [historySize]Event
	head  int
	count int

	dropped atomic.Int64
	evicted atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of future events and a cancel func that
// closes it. Cancel is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscriber{ch: ch}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if ev.Type != Output {
		b.ring[b.head] = ev
		b.head = (b.head + 1) % historySize
		if b.count < historySize {
			b.count++
		}
	}
	for id, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			b.dropped.Add(1)
			if ev.Type == Output {
				// A gap in output would splice escape sequences, so the
				// subscriber is cut off and must resync from scrollback.
				delete(b.subs, id)
				close(s.ch)
				b.evicted.Add(1)
			}
		}
	}
}

// Evicted reports how many subscribers were closed for falling behind on
// output.
func (b *Bus) Evicted() int64 {
	return b.evicted.Load()
}

// History returns recent non-output events, oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]Event, b.count)
	if b.count < historySize {
		copy(out, b.ring[:b.count])
	} else {
		n := copy(out, b.ring[b.head:])
		copy(out[n:], b.ring[:b.head])
	}
	return out
}

// Dropped reports how many deliveries were skipped for full subscribers,
// including the output event that evicted a subscriber.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
