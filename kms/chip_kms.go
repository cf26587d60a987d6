package kms

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// Provider yields the derivation service once the master secret is available.
// ShamirKMS returns interfaces.ErrMasterSecretMissing until it is unlocked.
type Provider interface {
	ChipKMS() (*ChipKMS, error)
}

// ChipKMS derives per-chip Mifare sector keys from a master secret.
//
// Keys are never cached or persisted: anyone holding the master secret and a
// chip id can reconstruct the key, so there is no per-tag key store to leak.
type ChipKMS struct {
	masterSecret []byte
}

// NewChipKMS creates a ChipKMS. A missing master secret is a configuration
// error and is reported as interfaces.ErrMasterSecretMissing.
func NewChipKMS(masterSecret []byte) (*ChipKMS, error) {
	if len(masterSecret) == 0 {
		return nil, interfaces.ErrMasterSecretMissing
	}
	if len(masterSecret) < 32 {
		return nil, errors.New("master secret must be at least 32 bytes")
	}

	return &ChipKMS{masterSecret: append([]byte(nil), masterSecret...)}, nil
}

// DeriveChipKey returns the first 6 bytes of SHA-256(chipID || masterSecret).
func (k *ChipKMS) DeriveChipKey(chipID interfaces.ChipID) (interfaces.ChipKey, error) {
	var key interfaces.ChipKey
	if k == nil || len(k.masterSecret) == 0 {
		return key, interfaces.ErrMasterSecretMissing
	}
	if chipID == "" {
		return key, errors.New("cannot derive key for empty chip id")
	}

	h := sha256.New()
	h.Write([]byte(chipID))
	h.Write(k.masterSecret)
	copy(key[:], h.Sum(nil))
	return key, nil
}

// ChecksumSecret derives the checksum HMAC secret from the master secret, so
// that recovering the master secret restores both services.
func (k *ChipKMS) ChecksumSecret() ([]byte, error) {
	if k == nil || len(k.masterSecret) == 0 {
		return nil, interfaces.ErrMasterSecretMissing
	}

	h := sha256.New()
	h.Write([]byte("rfid-checksum-secret"))
	h.Write(k.masterSecret)
	return h.Sum(nil), nil
}

// Checksums returns the checksum service keyed from the master secret.
func (k *ChipKMS) Checksums() (*cryptoutils.ChecksumService, error) {
	secret, err := k.ChecksumSecret()
	if err != nil {
		return nil, err
	}
	return cryptoutils.NewChecksumService(secret)
}

// ChipKMS makes a ChipKMS its own Provider.
func (k *ChipKMS) ChipKMS() (*ChipKMS, error) {
	if k == nil || len(k.masterSecret) == 0 {
		return nil, interfaces.ErrMasterSecretMissing
	}
	return k, nil
}

func (k *ChipKMS) String() string {
	if k == nil || len(k.masterSecret) == 0 {
		return "ChipKMS(locked)"
	}
	return fmt.Sprintf("ChipKMS(%d byte secret)", len(k.masterSecret))
}
