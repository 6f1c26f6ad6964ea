// Package sshconn owns the one authenticated SSH connection to the remote
// host.
//
// Manager dials with Credentials, keeps the link under a periodic keep-alive
// probe and a cheaper liveness poll, and replaces the transport through a
// single-flight reconnect when either notices it has died. Commands run in a
// strict mode that fails on non-zero exit, or a lenient mode that retries
// transient channel failures under a RetryPolicy. Every error leaving the
// package belongs to the small taxonomy in errors.go.
package sshconn
