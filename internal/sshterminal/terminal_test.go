package sshterminal

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	return signer
}

// testSSHServer starts an in-process SSH server that supports PTY and shell
// sessions. It greets with "PTY:<cols>x<rows>", echoes stdin with an "echo:"
// prefix and reports window changes as "resize:<cols>x<rows>/<w>x<h>".
func testSSHServer(t *testing.T, authorizedKey ssh.PublicKey) (addr string, cleanup func()) {
	t.Helper()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorizedKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(newSigner(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConnection(netConn, config)
		}
	}()

	return listener.Addr().String(), func() {
		listener.Close()
		<-done
	}
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go handleTestSession(ch, requests)
	}
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var cols, rows uint32
	for req := range requests {
		switch req.Type {
		case "pty-req":
			// string term, uint32 cols, uint32 rows, ...
			termLen := binary.BigEndian.Uint32(req.Payload[0:4])
			off := 4 + termLen
			cols = binary.BigEndian.Uint32(req.Payload[off : off+4])
			rows = binary.BigEndian.Uint32(req.Payload[off+4 : off+8])
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "window-change":
			if len(req.Payload) >= 16 {
				c := binary.BigEndian.Uint32(req.Payload[0:4])
				r := binary.BigEndian.Uint32(req.Payload[4:8])
				w := binary.BigEndian.Uint32(req.Payload[8:12])
				h := binary.BigEndian.Uint32(req.Payload[12:16])
				fmt.Fprintf(ch, "resize:%dx%d/%dx%d\n", c, r, w, h)
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			fmt.Fprintf(ch, "PTY:%dx%d\n", cols, rows)
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func dialTestClient(t *testing.T) (*ssh.Client, func()) {
	t.Helper()
	signer := newSigner(t)
	addr, cleanup := testSSHServer(t, signer.PublicKey())

	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "dev",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		cleanup()
		t.Fatalf("dial: %v", err)
	}
	return client, func() {
		client.Close()
		cleanup()
	}
}

// collector accumulates shell output for assertions.
type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *collector) write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Write(p)
}

func (c *collector) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := c.buf.String()
		c.mu.Unlock()
		if strings.Contains(got, substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t.Fatalf("timed out waiting for %q, output so far: %q", substr, c.buf.String())
}

func TestOpenShellCapturesStartupOutput(t *testing.T) {
	client, cleanup := dialTestClient(t)
	defer cleanup()

	out := &collector{}
	sh, err := OpenShell(client, Geometry{Cols: 120, Rows: 40}, out.write)
	if err != nil {
		t.Fatalf("OpenShell() error: %v", err)
	}
	defer sh.Close()

	// The greeting is written the moment the shell starts; it must not be lost.
	out.waitFor(t, "PTY:120x40")
}

func TestShellWriteAndEcho(t *testing.T) {
	client, cleanup := dialTestClient(t)
	defer cleanup()

	out := &collector{}
	sh, err := OpenShell(client, Geometry{}, out.write)
	if err != nil {
		t.Fatalf("OpenShell() error: %v", err)
	}
	defer sh.Close()

	out.waitFor(t, "PTY:80x24")
	if _, err := sh.Write([]byte("ls\n")); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	out.waitFor(t, "echo:ls")
}

func TestShellResizeForwardsPixels(t *testing.T) {
	client, cleanup := dialTestClient(t)
	defer cleanup()

	out := &collector{}
	sh, err := OpenShell(client, Geometry{}, out.write)
	if err != nil {
		t.Fatalf("OpenShell() error: %v", err)
	}
	defer sh.Close()

	if err := sh.Resize(Geometry{Cols: 100, Rows: 30, Width: 800, Height: 600}); err != nil {
		t.Fatalf("Resize() error: %v", err)
	}
	out.waitFor(t, "resize:100x30/800x600")
}

func TestShellDoneAfterClose(t *testing.T) {
	client, cleanup := dialTestClient(t)
	defer cleanup()

	sh, err := OpenShell(client, Geometry{}, nil)
	if err != nil {
		t.Fatalf("OpenShell() error: %v", err)
	}
	if err := sh.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := sh.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	select {
	case <-sh.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done() not closed after Close()")
	}
}

func TestGeometryClamp(t *testing.T) {
	tests := []struct {
		in   Geometry
		want Geometry
	}{
		{Geometry{}, Geometry{Cols: 80, Rows: 24}},
		{Geometry{Cols: 1000, Rows: 900}, Geometry{Cols: 500, Rows: 500}},
		{Geometry{Cols: 132, Rows: 43, Width: 1000, Height: 700}, Geometry{Cols: 132, Rows: 43, Width: 1000, Height: 700}},
	}
	for _, tt := range tests {
		if got := tt.in.Clamp(); got != tt.want {
			t.Errorf("Clamp(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}
