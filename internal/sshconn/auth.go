package sshconn

import (
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// rsaPEMType is the PKCS#1 header some tools emit under a generic label.
const rsaPEMType = "RSA PRIVATE KEY"

// ParseSigner parses PEM key material, first as labelled and then with the
// block re-labelled as a PKCS#1 RSA key. Both failing yields ErrKeyParse.
func ParseSigner(keyPEM []byte, passphrase string) (ssh.Signer, error) {
	signer, nativeErr := parseWithPassphrase(keyPEM, passphrase)
	if nativeErr == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if errors.As(nativeErr, &missing) {
		return nil, newError(ErrKeyParse, "parse private key", nativeErr)
	}

	relabelled, ok := relabelAsRSA(keyPEM)
	if !ok {
		return nil, newError(ErrKeyParse, "parse private key", nativeErr)
	}
	signer, rsaErr := parseWithPassphrase(relabelled, passphrase)
	if rsaErr != nil {
		return nil, newError(ErrKeyParse, "parse private key",
			fmt.Errorf("native: %v; rsa header: %w", nativeErr, rsaErr))
	}
	return signer, nil
}

func parseWithPassphrase(keyPEM []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(keyPEM, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(keyPEM)
}

// relabelAsRSA re-encodes the first PEM block with the RSA header. It
// reports false when there is no PEM block or it is already labelled RSA.
func relabelAsRSA(keyPEM []byte) ([]byte, bool) {
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type == rsaPEMType {
		return nil, false
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:    rsaPEMType,
		Headers: block.Headers,
		Bytes:   block.Bytes,
	}), true
}

// authMethods builds the ordered method list for creds: the key when
// supplied, then password and keyboard-interactive challenge-response.
func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if creds.UsesKey() {
		signer, err := ParseSigner(creds.PrivateKey, creds.Passphrase)
		if err != nil {
			return nil, err
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		password := creds.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, newError(ErrAuth, "auth", fmt.Errorf("no password or private key supplied"))
	}
	return methods, nil
}
