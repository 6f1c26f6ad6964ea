package sshterminal

import "sync"

// DefaultScrollbackSize bounds each window's retained output (256 KB).
const DefaultScrollbackSize = 256 * 1024

// Scrollback keeps the most recent output of one window so a client that
// connects later can repaint it. Older bytes are trimmed from the front.
type Scrollback struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = DefaultScrollbackSize
	}
	return &Scrollback{maxLen: maxLen}
}

func (s *Scrollback) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		s.data = append([]byte(nil), s.data[len(s.data)-s.maxLen:]...)
	}
}

// Snapshot returns a copy of the retained bytes.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// ScrollbackSet holds one Scrollback per window id.
type ScrollbackSet struct {
	mu      sync.Mutex
	maxLen  int
	buffers map[int]*Scrollback
}

func NewScrollbackSet(maxLen int) *ScrollbackSet {
	return &ScrollbackSet{maxLen: maxLen, buffers: make(map[int]*Scrollback)}
}

// Append records output for window id.
func (s *ScrollbackSet) Append(id int, p []byte) {
	s.mu.Lock()
	buf, ok := s.buffers[id]
	if !ok {
		buf = NewScrollback(s.maxLen)
		s.buffers[id] = buf
	}
	s.mu.Unlock()
	buf.Write(p)
}

// Snapshot returns the retained output of window id, or nil.
func (s *ScrollbackSet) Snapshot(id int) []byte {
	s.mu.Lock()
	buf, ok := s.buffers[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return buf.Snapshot()
}

// Drop forgets window id.
func (s *ScrollbackSet) Drop(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, id)
}

// Reset forgets every window.
func (s *ScrollbackSet) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[int]*Scrollback)
}
