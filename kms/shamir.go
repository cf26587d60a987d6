package kms

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// ShamirKMS guards the chip master secret with Shamir's Secret Sharing. The
// secret is split between key custodians at generation time and only lives
// in memory after a threshold of signed shares has been submitted.
type ShamirKMS struct {
	mu             sync.RWMutex
	masterSecret   []byte
	isUnlocked     bool
	threshold      int
	receivedShares map[int][]byte

	// admin public keys by fingerprint
	adminPubKeys map[string][]byte
}

// ShamirConfig configures a ShamirKMS.
type ShamirConfig struct {
	// Threshold is the minimum number of shares needed to recover the secret.
	Threshold int
	// AdminPubKeys are the custodians' ECDSA public keys in PEM format.
	AdminPubKeys [][]byte
}

// NewShamirKMS splits masterSecret into one share per admin key. The returned
// KMS is unlocked. Share i belongs to config.AdminPubKeys[i].
func NewShamirKMS(masterSecret []byte, config ShamirConfig) (*ShamirKMS, [][]byte, error) {
	if len(masterSecret) < cryptoutils.MasterSecretSize {
		return nil, nil, fmt.Errorf("master secret must be at least %d bytes", cryptoutils.MasterSecretSize)
	}

	if config.Threshold < 2 {
		return nil, nil, errors.New("threshold must be at least 2")
	}

	if len(config.AdminPubKeys) < config.Threshold {
		return nil, nil, errors.New("total shares must be at least equal to threshold")
	}

	k, err := newShamirKMS(config)
	if err != nil {
		return nil, nil, err
	}

	shares, err := shamir.Split(masterSecret, len(config.AdminPubKeys), config.Threshold)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to split master secret: %w", err)
	}

	k.masterSecret = append([]byte(nil), masterSecret...)
	k.isUnlocked = true
	return k, shares, nil
}

// NewShamirKMSRecovery creates a locked KMS waiting for shares.
func NewShamirKMSRecovery(config ShamirConfig) (*ShamirKMS, error) {
	if config.Threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	return newShamirKMS(config)
}

func newShamirKMS(config ShamirConfig) (*ShamirKMS, error) {
	k := &ShamirKMS{
		threshold:      config.Threshold,
		receivedShares: make(map[int][]byte),
		adminPubKeys:   make(map[string][]byte),
	}

	for _, publicKeyPEM := range config.AdminPubKeys {
		if _, err := cryptoutils.ParsePublicKeyPEM(publicKeyPEM); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey: %w", err)
		}
		k.adminPubKeys[cryptoutils.Fingerprint(publicKeyPEM)] = publicKeyPEM
	}

	return k, nil
}

// SubmitShare records a share signed by a registered custodian. Once the
// threshold is reached the master secret is combined and the KMS unlocks.
func (k *ShamirKMS) SubmitShare(shareIndex int, share, signature, adminPubKeyPEM []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.isUnlocked {
		return errors.New("KMS is already unlocked")
	}

	if _, found := k.adminPubKeys[cryptoutils.Fingerprint(adminPubKeyPEM)]; !found {
		return errors.New("unregistered admin public key")
	}

	if err := cryptoutils.VerifyMessage(adminPubKeyPEM, share, signature); err != nil {
		return fmt.Errorf("share signature: %w", err)
	}

	if _, dup := k.receivedShares[shareIndex]; dup {
		return fmt.Errorf("share %d already submitted", shareIndex)
	}
	k.receivedShares[shareIndex] = append([]byte(nil), share...)

	return k.tryReconstruct()
}

func (k *ShamirKMS) tryReconstruct() error {
	if len(k.receivedShares) < k.threshold {
		return nil
	}

	shares := make([][]byte, 0, len(k.receivedShares))
	for _, share := range k.receivedShares {
		shares = append(shares, share)
	}

	secret, err := shamir.Combine(shares)
	if err != nil {
		return fmt.Errorf("failed to reconstruct master secret: %w", err)
	}

	k.masterSecret = secret
	k.isUnlocked = true

	for i := range k.receivedShares {
		wipeBytes(k.receivedShares[i])
	}
	k.receivedShares = make(map[int][]byte)

	return nil
}

func (k *ShamirKMS) IsUnlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.isUnlocked
}

// Threshold returns the number of shares required for recovery.
func (k *ShamirKMS) Threshold() int {
	return k.threshold
}

// ReceivedShares returns how many shares are pending reconstruction.
func (k *ShamirKMS) ReceivedShares() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.receivedShares)
}

// ChipKMS returns the derivation service once unlocked.
func (k *ShamirKMS) ChipKMS() (*ChipKMS, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if !k.isUnlocked {
		return nil, interfaces.ErrMasterSecretMissing
	}
	return NewChipKMS(k.masterSecret)
}

// DeriveChipKey delegates to ChipKMS and fails with ErrMasterSecretMissing while locked.
func (k *ShamirKMS) DeriveChipKey(chipID interfaces.ChipID) (interfaces.ChipKey, error) {
	chipKMS, err := k.ChipKMS()
	if err != nil {
		return interfaces.ChipKey{}, err
	}
	return chipKMS.DeriveChipKey(chipID)
}

func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// SignShare signs a share with a custodian's private key for SubmitShare.
func SignShare(share []byte, privateKeyPEM []byte) ([]byte, error) {
	return cryptoutils.SignMessage(privateKeyPEM, share)
}
