package cryptoutils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// ChecksumService binds a tag's physical uid, a random salt and its logical
// chip id with a truncated HMAC-SHA256 under a shared secret.
//
// The checksum carries no timestamp: it stays valid indefinitely so mobile
// clients can validate tags offline from cached whitelists.
type ChecksumService struct {
	sharedSecret []byte
	rand         io.Reader
}

// NewChecksumService creates a checksum service. The secret is copied.
func NewChecksumService(sharedSecret []byte) (*ChecksumService, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("checksum shared secret is not configured")
	}
	if len(sharedSecret) < 16 {
		return nil, errors.New("checksum shared secret must be at least 16 bytes")
	}
	return &ChecksumService{
		sharedSecret: append([]byte(nil), sharedSecret...),
		rand:         rand.Reader,
	}, nil
}

// WithRandom returns a copy drawing salts from r. Intended for tests.
func (s *ChecksumService) WithRandom(r io.Reader) *ChecksumService {
	cp := *s
	cp.rand = r
	return &cp
}

// GenerateSalt returns a fresh 128-bit salt.
func (s *ChecksumService) GenerateSalt() (interfaces.Salt, error) {
	var salt interfaces.Salt
	if _, err := io.ReadFull(s.rand, salt[:]); err != nil {
		return salt, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// ComputeChecksum returns HMAC-SHA256(secret, uid || salt || chipID) truncated to 16 bytes.
func (s *ChecksumService) ComputeChecksum(uid interfaces.Uid, salt interfaces.Salt, chipID interfaces.ChipID) interfaces.Checksum {
	mac := hmac.New(sha256.New, s.sharedSecret)
	mac.Write(uid)
	mac.Write(salt[:])
	mac.Write([]byte(chipID))
	sum := mac.Sum(nil)

	var checksum interfaces.Checksum
	copy(checksum[:], sum[:len(checksum)])
	return checksum
}

// ValidateChecksum recomputes the checksum and compares it in constant time.
func (s *ChecksumService) ValidateChecksum(uid interfaces.Uid, salt interfaces.Salt, chipID interfaces.ChipID, candidate interfaces.Checksum) bool {
	expected := s.ComputeChecksum(uid, salt, chipID)
	return hmac.Equal(expected[:], candidate[:])
}
