package sshconn

import (
	"context"
	"fmt"
	"log"

	"github.com/gluk-w/claworc/tether/internal/logutil"
)

// liveTransport returns the current transport, reconnecting first when it
// is missing or closed.
func (m *Manager) liveTransport(ctx context.Context) (Transport, error) {
	if t := m.currentTransport(); t != nil && !t.IsClosed() {
		return t, nil
	}
	if !m.HasCredentials() {
		return nil, newError(ErrNotConnected, "transport", nil)
	}
	if err := m.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	t := m.currentTransport()
	if t == nil {
		return nil, newError(ErrNotConnected, "transport", nil)
	}
	return t, nil
}

// Run executes cmd once and fails with *CommandError on a non-zero exit.
func (m *Manager) Run(ctx context.Context, cmd string) (string, error) {
	t, err := m.liveTransport(ctx)
	if err != nil {
		return "", err
	}
	res, err := t.Exec(ctx, cmd)
	if err != nil {
		return "", Normalize("run", err)
	}
	if res.ExitCode != 0 {
		return res.Stdout, &CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}

// RunLenient executes cmd and returns stdout whatever the exit code.
// Transient failures are retried up to maxRetries attempts (0 uses the
// policy default), reconnecting first when the transport has dropped.
func (m *Manager) RunLenient(ctx context.Context, cmd string, maxRetries int) (string, error) {
	var out string
	err := m.withRetry(ctx, "exec "+logutil.CommandLabel(cmd), maxRetries, func(t Transport) error {
		res, err := t.Exec(ctx, cmd)
		if err != nil {
			return err
		}
		out = res.Stdout
		return nil
	})
	return out, err
}

// OpenChannel opens an interactive PTY channel. output is attached before
// any remote bytes are read. Channel-open failures are retried.
func (m *Manager) OpenChannel(ctx context.Context, geom Geometry, output OutputFunc) (Channel, error) {
	var ch Channel
	err := m.withRetry(ctx, "open channel", 0, func(t Transport) error {
		c, err := t.OpenChannel(ctx, geom, output)
		if err != nil {
			return err
		}
		ch = c
		return nil
	})
	return ch, err
}

func (m *Manager) withRetry(ctx context.Context, op string, maxAttempts int, fn func(Transport) error) error {
	policy := m.retry
	attempts := policy.attempts(maxAttempts)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, policy.Delay(attempt-1, lastErr)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := m.liveTransport(ctx)
		if err == nil {
			err = fn(t)
			if err == nil {
				return nil
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = Normalize(op, err)
		if !policy.ShouldRetry(err) {
			return err
		}
		lastErr = err
		log.Printf("[ssh] %s: attempt %d/%d failed: %v", op, attempt, attempts, err)
	}
	return &ExhaustedRetriesError{Attempts: attempts, Err: fmt.Errorf("%s: %w", op, lastErr)}
}
