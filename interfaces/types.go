package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// BlockSize is the size of a single Mifare Classic data block.
const BlockSize = 16

// ChipID is the server-assigned logical identifier of a tag, e.g. LC-2025-10-00042.
// It is written once and never changes. It must fit in a single block.
type ChipID string

func NewChipID(raw string) (ChipID, error) {
	if raw == "" {
		return "", errors.New("empty chip id")
	}
	if len(raw) > BlockSize {
		return "", fmt.Errorf("chip id %q longer than %d bytes", raw, BlockSize)
	}
	for _, c := range []byte(raw) {
		if c < 0x20 || c > 0x7e {
			return "", fmt.Errorf("chip id %q contains non printable characters", raw)
		}
	}
	return ChipID(raw), nil
}

func (id ChipID) String() string {
	return string(id)
}

// Block returns the chip id zero padded to a full data block.
func (id ChipID) Block() []byte {
	block := make([]byte, BlockSize)
	copy(block, id)
	return block
}

// ChipIDFromBlock is the inverse of Block. Trailing zero padding is removed.
func ChipIDFromBlock(block []byte) ChipID {
	return ChipID(bytes.TrimRight(block, "\x00"))
}

// Uid is the factory-burned serial number of a tag.
type Uid []byte

func NewUidFromHex(raw string) (Uid, error) {
	clean := strings.ReplaceAll(strings.TrimPrefix(raw, "0x"), ":", "")
	b, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid uid hex: %w", err)
	}
	switch len(b) {
	case 4, 7, 10:
	default:
		return nil, fmt.Errorf("invalid uid length %d, expected 4, 7 or 10 bytes", len(b))
	}
	return Uid(b), nil
}

func (u Uid) String() string {
	return strings.ToUpper(hex.EncodeToString(u))
}

func (u Uid) Equal(other Uid) bool {
	return bytes.Equal(u, other)
}

func (u Uid) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Uid) UnmarshalText(text []byte) error {
	parsed, err := NewUidFromHex(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Salt is the 128-bit random value mixed into a chip checksum.
type Salt [16]byte

func NewSaltFromBytes(b []byte) (Salt, error) {
	var s Salt
	if len(b) != len(s) {
		return s, fmt.Errorf("invalid salt length %d", len(b))
	}
	copy(s[:], b)
	return s, nil
}

func (s Salt) String() string { return hex.EncodeToString(s[:]) }

func (s Salt) IsZero() bool { return s == Salt{} }

func (s Salt) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Salt) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid salt hex: %w", err)
	}
	parsed, err := NewSaltFromBytes(b)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Checksum binds a chip's uid, salt and chip id.
type Checksum [16]byte

func NewChecksumFromBytes(b []byte) (Checksum, error) {
	var c Checksum
	if len(b) != len(c) {
		return c, fmt.Errorf("invalid checksum length %d", len(b))
	}
	copy(c[:], b)
	return c, nil
}

func (c Checksum) String() string { return hex.EncodeToString(c[:]) }

func (c Checksum) IsZero() bool { return c == Checksum{} }

func (c Checksum) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Checksum) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid checksum hex: %w", err)
	}
	parsed, err := NewChecksumFromBytes(b)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ChipKey is a 6-byte Mifare sector key. Per-chip keys are derived, never stored.
type ChipKey [6]byte

// DefaultKey is the factory transport key of a blank Mifare Classic tag.
var DefaultKey = ChipKey{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (k ChipKey) String() string { return hex.EncodeToString(k[:]) }

func (k ChipKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ChipKey) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid key hex: %w", err)
	}
	if len(b) != len(k) {
		return fmt.Errorf("invalid key length %d", len(b))
	}
	copy(k[:], b)
	return nil
}
