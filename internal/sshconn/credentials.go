package sshconn

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is used when Credentials.Port is zero.
const DefaultPort = 22

// Credentials identify and authenticate one remote account. They live in
// memory on the Manager for silent reconnection and are dropped on Disconnect.
type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	// Password is used when no PrivateKey is supplied, and as a second
	// method when one is.
	Password string `json:"password,omitempty"`

	// PrivateKey holds PEM key material; Passphrase decrypts it if set.
	PrivateKey []byte `json:"private_key,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Validate checks that the credentials name a reachable account and carry
// at least one authentication method.
func (c Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Username == "" {
		return fmt.Errorf("username is empty")
	}
	if len(c.PrivateKey) == 0 && c.Password == "" {
		return fmt.Errorf("no password or private key supplied")
	}
	return nil
}

// UsesKey reports whether key authentication will be attempted.
func (c Credentials) UsesKey() bool {
	return len(c.PrivateKey) > 0
}

// EffectivePort returns Port, or DefaultPort when unset.
func (c Credentials) EffectivePort() int {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

// Addr returns host:port suitable for dialing.
func (c Credentials) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.EffectivePort()))
}

// clone returns a deep copy so callers cannot mutate the Manager's copy.
func (c Credentials) clone() Credentials {
	out := c
	if c.PrivateKey != nil {
		out.PrivateKey = append([]byte(nil), c.PrivateKey...)
	}
	return out
}
