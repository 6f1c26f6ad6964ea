package sshconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Error kinds. Every error leaving this package either is, or wraps via
// *Error, one of these sentinels, or is a *CommandError or
// *ExhaustedRetriesError.
var (
	ErrSocket         = errors.New("host unreachable")
	ErrAuth           = errors.New("authentication rejected")
	ErrKeyParse       = errors.New("private key could not be parsed")
	ErrHostKey        = errors.New("host key rejected")
	ErrChannelOpen    = errors.New("channel open failed")
	ErrRemoteNotFound = errors.New("remote target not found")
	ErrNotConnected   = errors.New("not connected")
	ErrInvalidInput   = errors.New("invalid connection details")
)

// Error attaches an operation and the underlying cause to an error kind.
// errors.Is matches both the kind and anything in the cause chain.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// CommandError reports a non-zero exit from a strict command.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("command exited %d", e.ExitCode)
	}
	return fmt.Sprintf("command exited %d: %s", e.ExitCode, msg)
}

// ExhaustedRetriesError is returned when the lenient executor used its
// whole retry budget.
type ExhaustedRetriesError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// Normalize maps a raw transport error into the package taxonomy. Errors
// that are already classified pass through unchanged.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		classified *Error
		cmdErr     *CommandError
		exhausted  *ExhaustedRetriesError
	)
	if errors.As(err, &classified) || errors.As(err, &cmdErr) || errors.As(err, &exhausted) {
		return err
	}

	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		return newError(ErrChannelOpen, op, err)
	}
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) {
		return newError(ErrHostKey, op, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return newError(ErrAuth, op, err)
	case strings.Contains(msg, "host key mismatch"),
		strings.Contains(msg, "knownhosts:"):
		return newError(ErrHostKey, op, err)
	case strings.Contains(msg, "administratively prohibited"),
		strings.Contains(msg, "open failed"),
		strings.Contains(msg, "resource shortage"):
		return newError(ErrChannelOpen, op, err)
	}
	return newError(ErrSocket, op, err)
}

// Category is a short user-facing classification of a connection failure.
type Category string

const (
	CategoryTimeout Category = "timeout"
	CategoryRefused Category = "refused"
	CategoryAuth    Category = "auth"
	CategoryKey     Category = "key"
	CategoryHostKey Category = "host-key"
	CategoryNetwork Category = "network"
	CategoryInput   Category = "input"
	CategoryGeneric Category = "generic"
)

// Classify reduces err to a Category for display in place of raw diagnostics.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CategoryInput
	case errors.Is(err, ErrAuth):
		return CategoryAuth
	case errors.Is(err, ErrKeyParse):
		return CategoryKey
	case errors.Is(err, ErrHostKey):
		return CategoryHostKey
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return CategoryRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	if errors.Is(err, ErrSocket) || errors.Is(err, ErrChannelOpen) || errors.Is(err, io.EOF) || errors.As(err, &netErr) {
		return CategoryNetwork
	}
	return CategoryGeneric
}

// UserMessage renders err as a short sentence for a status line.
func UserMessage(err error) string {
	switch Classify(err) {
	case CategoryTimeout:
		return "Connection timed out"
	case CategoryRefused:
		return "Connection refused"
	case CategoryAuth:
		return "Authentication failed"
	case CategoryKey:
		return "Private key could not be read"
	case CategoryHostKey:
		return "Host key verification failed"
	case CategoryNetwork:
		return "Network error"
	case CategoryInput:
		return "Connection details are incomplete"
	case "":
		return ""
	default:
		return "Connection failed"
	}
}
