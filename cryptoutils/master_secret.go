package cryptoutils

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// MasterSecretSize is the size of the chip key derivation master secret.
const MasterSecretSize = 32

// GenerateMasterSecret returns a fresh random master secret.
func GenerateMasterSecret() ([]byte, error) {
	secret := make([]byte, MasterSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	return secret, nil
}

// DeriveMasterSecret stretches an operator passphrase into a master secret
// with Argon2id. The same passphrase and salt always yield the same secret.
func DeriveMasterSecret(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < 8 {
		return nil, errors.New("passphrase salt must be at least 8 bytes")
	}

	domainSalt := append([]byte("RFID-MASTER-SECRET-"), salt...)

	// time=1, memory=64MiB, threads=4
	return argon2.IDKey(passphrase, domainSalt, 1, 64*1024, 4, MasterSecretSize), nil
}
