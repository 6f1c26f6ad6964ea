// Package crypto seals secrets (passwords, private keys, passphrases) before
// they are persisted, using a fernet key kept alongside the data it protects.
package crypto

import (
	"errors"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
)

const keySetting = "fernet_key"

// ErrInvalidToken is returned when a ciphertext fails verification.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// KeyStore persists the fernet key. GetSetting must return an error when the
// key has never been stored.
type KeyStore interface {
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// Sealer encrypts and decrypts strings with a single fernet key.
type Sealer struct {
	key *fernet.Key
}

// LoadOrCreate reads the fernet key from ks, generating and saving a new one
// on first use.
func LoadOrCreate(ks KeyStore) (*Sealer, error) {
	keyStr, err := ks.GetSetting(keySetting)
	if err != nil || keyStr == "" {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := ks.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &Sealer{key: &k}, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Encrypt seals plaintext. The empty string stays empty so absent secrets
// remain distinguishable from present ones.
func (s *Sealer) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), s.key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token produced by Encrypt.
func (s *Sealer) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of a secret for display.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
