package multiplexer

import (
	"sort"
	"strconv"
	"sync"

	"github.com/gluk-w/claworc/tether/internal/events"
)

// Window is one multiplexer window as the client believes it exists.
type Window struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Registry is passive bookkeeping of window identities and the active
// pointer. Its exported API is read-only; the Driver mutates it by applying
// the same events it publishes.
//
// Ids come from a monotonic allocator that is reset only when the session
// is killed, so an id is never reused within one session lifetime.
type Registry struct {
	mu     sync.RWMutex
	names  map[int]string
	active int
	nextID int
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[int]string), active: -1}
}

// Windows returns the windows ordered by id.
func (r *Registry) Windows() []Window {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Window, 0, len(r.names))
	for id, name := range r.names {
		out = append(out, Window{ID: id, Name: name, Active: id == r.active})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the active window id, or false when there are no windows.
func (r *Registry) Active() (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.active >= 0
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

func (r *Registry) Has(id int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[id]
	return ok
}

// NextID is the id the next created window will be given.
func (r *Registry) NextID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextID
}

// lowestExcept returns the smallest id other than skip.
func (r *Registry) lowestExcept(skip int) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, found := 0, false
	for id := range r.names {
		if id == skip {
			continue
		}
		if !found || id < best {
			best, found = id, true
		}
	}
	return best, found
}

// apply folds one lifecycle event into the registry. Output and Error
// events are ignored.
func (r *Registry) apply(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case events.WindowCreated:
		name := ev.Name
		if name == "" {
			name = strconv.Itoa(ev.WindowID)
		}
		r.names[ev.WindowID] = name
		if ev.WindowID >= r.nextID {
			r.nextID = ev.WindowID + 1
		}
		if r.active < 0 {
			r.active = ev.WindowID
		}
	case events.WindowSwitched:
		if _, ok := r.names[ev.WindowID]; ok {
			r.active = ev.WindowID
		}
	case events.WindowClosed:
		delete(r.names, ev.WindowID)
		if r.active == ev.WindowID {
			r.active = -1
			for id := range r.names {
				if r.active < 0 || id < r.active {
					r.active = id
				}
			}
		}
	}
}

// reset forgets every window and restarts id allocation at 0.
func (r *Registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = make(map[int]string)
	r.active = -1
	r.nextID = 0
}
