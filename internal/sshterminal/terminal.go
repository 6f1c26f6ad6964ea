// Package sshterminal provides interactive PTY shells over SSH connections.
//
// A [Shell] owns one SSH session channel. Its output is relayed to a callback
// that is attached before the remote shell is started, so nothing the remote
// side prints during start-up is lost. Geometry changes are forwarded with a
// raw window-change request so pixel dimensions survive the trip.
package sshterminal

import (
	"fmt"
	"io"
	"log"
	"sync"

	"golang.org/x/crypto/ssh"
)

// TermType is the terminal type requested for every PTY.
const TermType = "xterm-256color"

// MaxInputMessageSize is the maximum size in bytes for a single terminal input
// message accepted from a client.
const MaxInputMessageSize = 64 * 1024

// Geometry bounds. Values beyond these are clamped.
const (
	MaxCols uint16 = 500
	MaxRows uint16 = 500

	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Geometry describes the negotiated terminal size. Width and Height are
// optional pixel dimensions; zero means unknown.
type Geometry struct {
	Cols   uint16 `json:"cols"`
	Rows   uint16 `json:"rows"`
	Width  uint16 `json:"width,omitempty"`
	Height uint16 `json:"height,omitempty"`
}

// Clamp fills in defaults for zero dimensions and caps oversized ones.
func (g Geometry) Clamp() Geometry {
	if g.Cols == 0 {
		g.Cols = DefaultCols
	}
	if g.Rows == 0 {
		g.Rows = DefaultRows
	}
	if g.Cols > MaxCols {
		g.Cols = MaxCols
	}
	if g.Rows > MaxRows {
		g.Rows = MaxRows
	}
	return g
}

// OutputFunc receives raw bytes read from a shell. The slice is owned by the
// callee.
type OutputFunc func(data []byte)

// windowChangeMsg is the RFC 4254 section 6.7 payload.
type windowChangeMsg struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// Shell wraps an SSH session running an interactive login shell on a PTY.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// OpenShell opens a session on client, requests a PTY sized to geom, attaches
// output and starts the user's login shell. The output relay is running
// before the shell starts.
func OpenShell(client *ssh.Client, geom Geometry, output OutputFunc) (*Shell, error) {
	geom = geom.Clamp()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(TermType, int(geom.Rows), int(geom.Cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	sh := &Shell{
		session: session,
		stdin:   stdin,
		done:    make(chan struct{}),
	}
	go sh.relay(stdout, output)

	if err := session.Shell(); err != nil {
		sh.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}
	return sh, nil
}

// relay copies shell output to the callback until the channel closes.
func (s *Shell) relay(stdout io.Reader, output OutputFunc) {
	defer s.markDone()
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && output != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			output(data)
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[terminal] shell output ended: %v", err)
			}
			return
		}
	}
}

func (s *Shell) markDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Write sends raw bytes to the shell's stdin.
func (s *Shell) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.stdin.Write(p)
}

// Resize forwards geom to the remote PTY, including pixel dimensions.
func (s *Shell) Resize(geom Geometry) error {
	geom = geom.Clamp()
	msg := windowChangeMsg{
		Columns: uint32(geom.Cols),
		Rows:    uint32(geom.Rows),
		Width:   uint32(geom.Width),
		Height:  uint32(geom.Height),
	}
	if _, err := s.session.SendRequest("window-change", false, ssh.Marshal(&msg)); err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	return nil
}

// Done is closed once the shell's output stream has ended.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Close terminates the session. It is safe to call more than once.
func (s *Shell) Close() error {
	err := s.session.Close()
	if err == io.EOF {
		err = nil
	}
	return err
}
