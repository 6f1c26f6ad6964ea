package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/tether/internal/logutil"
	"github.com/gluk-w/claworc/tether/internal/sshterminal"
)

// Geometry and OutputFunc are shared with the terminal layer.
type (
	Geometry   = sshterminal.Geometry
	OutputFunc = sshterminal.OutputFunc
)

// ExecResult is the captured outcome of a one-shot command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Channel is an interactive shell channel. Output is delivered to the
// OutputFunc given when the channel was opened.
type Channel interface {
	Write(p []byte) (int, error)
	Resize(g Geometry) error
	Done() <-chan struct{}
	Close() error
}

// Transport is one authenticated connection. Implementations must be safe
// for concurrent use.
type Transport interface {
	// OpenChannel opens an interactive PTY shell. output is attached before
	// the method returns.
	OpenChannel(ctx context.Context, geom Geometry, output OutputFunc) (Channel, error)
	// Exec runs cmd to completion. A non-zero exit is reported in the result,
	// not as an error.
	Exec(ctx context.Context, cmd string) (ExecResult, error)
	// IsClosed reports whether the underlying connection has terminated.
	IsClosed() bool
	Close() error
}

// Dialer establishes authenticated transports.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Transport, error)
}

// SSHDialer dials with golang.org/x/crypto/ssh.
type SSHDialer struct {
	// HostKeyCallback verifies server keys. Nil accepts any key.
	HostKeyCallback ssh.HostKeyCallback
	// Timeout bounds the TCP dial and handshake.
	Timeout time.Duration
}

// Dial connects and authenticates. Errors are normalized into the package
// taxonomy.
func (d SSHDialer) Dial(ctx context.Context, creds Credentials) (Transport, error) {
	methods, err := authMethods(creds)
	if err != nil {
		return nil, err
	}

	hostKeyCallback := d.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	cfg := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            methods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := creds.Addr()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Normalize("dial "+logutil.SanitizeForLog(addr), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, Normalize("ssh handshake with "+logutil.SanitizeForLog(addr), err)
	}
	netConn.SetDeadline(time.Time{})

	return newSSHTransport(ssh.NewClient(sshConn, chans, reqs)), nil
}

// sshTransport implements Transport over an *ssh.Client.
type sshTransport struct {
	client *ssh.Client
	closed atomic.Bool
}

func newSSHTransport(client *ssh.Client) *sshTransport {
	t := &sshTransport{client: client}
	go func() {
		client.Wait()
		t.closed.Store(true)
	}()
	return t
}

func (t *sshTransport) OpenChannel(ctx context.Context, geom Geometry, output OutputFunc) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := sshterminal.OpenShell(t.client, geom, output)
	if err != nil {
		return nil, Normalize("open channel", err)
	}
	return sh, nil
}

func (t *sshTransport) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	start := time.Now()

	session, err := t.client.NewSession()
	if err != nil {
		return ExecResult{ExitCode: -1}, Normalize("open exec channel", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		session.Close()
		return ExecResult{ExitCode: -1}, newError(ErrSocket, "exec", ctx.Err())
	}

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		log.Printf("[ssh] SLOW command (%s): %s", elapsed, logutil.CommandLabel(cmd))
	}

	res := ExecResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(runErr, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		res.ExitCode = -1
		return res, Normalize("exec", fmt.Errorf("run %s: %w", logutil.CommandLabel(cmd), runErr))
	}
	return res, nil
}

func (t *sshTransport) IsClosed() bool {
	return t.closed.Load()
}

func (t *sshTransport) Close() error {
	t.closed.Store(true)
	return t.client.Close()
}
