package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func testOptions() Options {
	return Options{
		Dialer:            SSHDialer{Timeout: 5 * time.Second},
		ConnectTimeout:    5 * time.Second,
		KeepaliveInterval: time.Hour,
		LivenessInterval:  time.Hour,
		Retry:             RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, ChannelOpenDelay: time.Millisecond},
	}
}

func TestConnectWithPasswordAndRun(t *testing.T) {
	host, port := testSSHServer(t)
	m := NewManager(testOptions())
	defer m.Disconnect()

	err := m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, Password: testPassword})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !m.IsConnected() {
		t.Fatal("expected IsConnected after Connect")
	}

	out, err := m.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(out) != "hello" {
		t.Errorf("Run output = %q, want hello", out)
	}

	st := m.Status()
	if !st.Connected || st.Username != testUser || st.Port != port || st.State != "connected" {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Metrics.ConnectedAt.IsZero() || st.Metrics.UptimeSeconds < 0 {
		t.Errorf("unexpected metrics %+v", st.Metrics)
	}
}

func TestStatusMetricsAreSnapshots(t *testing.T) {
	m := NewManager(testOptions())
	if got := m.Status().Metrics; got.UptimeSeconds != 0 || !got.ConnectedAt.IsZero() {
		t.Fatalf("metrics before connect = %+v", got)
	}

	m.metrics.reset()
	m.metrics.connectedAt = time.Now().Add(-90 * time.Second)
	before := m.Status()
	m.metrics.recordProbe(true)
	m.metrics.recordReconnect()

	if before.Metrics.SuccessfulProbes != 0 || before.Metrics.Reconnects != 0 {
		t.Errorf("earlier status changed after recording: %+v", before.Metrics)
	}
	if before.Metrics.UptimeSeconds < 90 {
		t.Errorf("uptime = %ds, want at least 90", before.Metrics.UptimeSeconds)
	}
	after := m.Status().Metrics
	if after.SuccessfulProbes != 1 || after.Reconnects != 1 || after.LastProbe.IsZero() {
		t.Errorf("metrics after recording = %+v", after)
	}
}

func TestRunStrictReportsExitCode(t *testing.T) {
	host, port := testSSHServer(t)
	m := NewManager(testOptions())
	defer m.Disconnect()
	if err := m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, Password: testPassword}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := m.Run(context.Background(), "fail 3")
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 3 || !strings.Contains(cmdErr.Stderr, "boom") {
		t.Errorf("unexpected command error %+v", cmdErr)
	}

	out, err := m.RunLenient(context.Background(), "fail 3", 0)
	if err != nil {
		t.Fatalf("RunLenient: %v", err)
	}
	if strings.TrimSpace(out) != "partial" {
		t.Errorf("lenient output = %q, want partial", out)
	}
}

func TestConnectWrongPasswordIsAuthError(t *testing.T) {
	host, port := testSSHServer(t)
	m := NewManager(testOptions())

	err := m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, Password: "nope"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if Classify(err) != CategoryAuth {
		t.Errorf("Classify = %q, want auth", Classify(err))
	}
	if m.IsConnected() {
		t.Error("IsConnected after failed auth")
	}
}

func TestConnectIncompleteCredentialsIsInputError(t *testing.T) {
	m := NewManager(testOptions())

	err := m.Connect(context.Background(), Credentials{Host: "127.0.0.1", Username: testUser})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if errors.Is(err, ErrAuth) {
		t.Error("incomplete credentials reported as an auth rejection")
	}
	if Classify(err) != CategoryInput {
		t.Errorf("Classify = %q, want input", Classify(err))
	}
	if m.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", m.State())
	}
}

func TestConnectRefusedIsSocketError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := parseHostPort(t, ln.Addr().String())
	ln.Close()

	m := NewManager(testOptions())
	err = m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, Password: testPassword})
	if !errors.Is(err, ErrSocket) {
		t.Fatalf("expected ErrSocket, got %v", err)
	}
	if Classify(err) != CategoryRefused {
		t.Errorf("Classify = %q, want refused", Classify(err))
	}
}

func TestConnectWithKey(t *testing.T) {
	keyPEM, pub := marshalEd25519(t)
	host, port := testSSHServer(t, pub)

	m := NewManager(testOptions())
	defer m.Disconnect()

	if err := m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, PrivateKey: keyPEM}); err != nil {
		t.Fatalf("Connect with key: %v", err)
	}
	if _, err := m.Run(context.Background(), "true"); err != nil {
		t.Errorf("Run: %v", err)
	}

	otherPEM, _ := marshalEd25519(t)
	err := m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, PrivateKey: otherPEM})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth for unknown key, got %v", err)
	}
}

func TestConnectMalformedKeyIsKeyParseError(t *testing.T) {
	host, port := testSSHServer(t)
	m := NewManager(testOptions())

	err := m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, PrivateKey: []byte("not a key")})
	if !errors.Is(err, ErrKeyParse) {
		t.Fatalf("expected ErrKeyParse, got %v", err)
	}
	if Classify(err) != CategoryKey {
		t.Errorf("Classify = %q, want key", Classify(err))
	}
}

func TestIsConnectedFalseAfterDisconnect(t *testing.T) {
	host, port := testSSHServer(t)
	m := NewManager(testOptions())
	if err := m.Connect(context.Background(), Credentials{Host: host, Port: port, Username: testUser, Password: testPassword}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Disconnect()
	if m.IsConnected() {
		t.Fatal("IsConnected true after Disconnect")
	}
	if m.HasCredentials() {
		t.Error("credentials retained after Disconnect")
	}
	m.Disconnect()

	if _, err := m.Run(context.Background(), "true"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Run after Disconnect: expected ErrNotConnected, got %v", err)
	}
	if got := m.State(); got != StateDisconnected {
		t.Errorf("state = %s, want disconnected", got)
	}
}

func TestParseSignerRelabelledRSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa: %v", err)
	}
	// PKCS#1 DER under a generic header only parses after relabelling.
	mislabelled := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if _, err := ssh.ParsePrivateKey(mislabelled); err == nil {
		t.Fatal("expected native parse to fail")
	}
	signer, err := ParseSigner(mislabelled, "")
	if err != nil {
		t.Fatalf("ParseSigner: %v", err)
	}
	if signer.PublicKey().Type() != ssh.KeyAlgoRSA {
		t.Errorf("key type = %s, want ssh-rsa", signer.PublicKey().Type())
	}
}

func TestParseSignerGarbage(t *testing.T) {
	garbage := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("garbage")})
	if _, err := ParseSigner(garbage, ""); !errors.Is(err, ErrKeyParse) {
		t.Fatalf("expected ErrKeyParse, got %v", err)
	}
}

func marshalEd25519(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}
