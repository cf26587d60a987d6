package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const gcmNonceSize = 12

// EncryptWithPublicKey encrypts data to an administrator's ECDSA public key
// (PEM, P-256) with ECIES: ephemeral ECDH, SHA-256 of the shared secret as
// the AES-256-GCM key.
//
// Output format: [ephemeral key length (2 bytes)][ephemeral key][nonce][ciphertext]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	recipient, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported public key: %w", err)
	}

	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}

	aead, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ephemeralPub := ephemeral.PublicKey().Bytes()
	out := make([]byte, 2, 2+len(ephemeralPub)+gcmNonceSize+len(data)+aead.Overhead())
	binary.BigEndian.PutUint16(out, uint16(len(ephemeralPub)))
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, nil), nil
}

// DecryptWithPrivateKey reverses EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM []byte, encrypted []byte) ([]byte, error) {
	priv, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}

	if len(encrypted) < 2 {
		return nil, errors.New("encrypted data too short")
	}
	keyLen := int(binary.BigEndian.Uint16(encrypted[:2]))
	if len(encrypted) < 2+keyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	recipient, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}

	ephemeralPub, err := recipient.Curve().NewPublicKey(encrypted[2 : 2+keyLen])
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral public key: %w", err)
	}

	shared, err := recipient.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ecdh failed: %w", err)
	}

	aead, err := newGCM(shared)
	if err != nil {
		return nil, err
	}

	nonce := encrypted[2+keyLen : 2+keyLen+gcmNonceSize]
	plaintext, err := aead.Open(nil, nonce, encrypted[2+keyLen+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
