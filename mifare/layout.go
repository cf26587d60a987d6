package mifare

import (
	"errors"
	"fmt"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// Mifare Classic 1K geometry.
const (
	SectorCount     = 16
	BlocksPerSector = 4
	BlockCount      = SectorCount * BlocksPerSector
)

// Blocks used by the identity protocol.
const (
	// PublicIDBlock holds the chip id under the factory key so that low-trust
	// readers can learn the logical identity without any secret.
	PublicIDBlock = 1

	ProtectedIDBlock = 4
	SaltBlock        = 5
	ChecksumBlock    = 8

	ProtectedSector1 = 1
	ProtectedSector2 = 2
)

// ProtectedSectors lists the sectors locked with the derived key, in lock order.
var ProtectedSectors = []int{ProtectedSector1, ProtectedSector2}

func SectorOf(block int) int { return block / BlocksPerSector }

func TrailerOf(sector int) int { return sector*BlocksPerSector + BlocksPerSector - 1 }

func IsTrailer(block int) bool { return block%BlocksPerSector == BlocksPerSector-1 }

// AccessConditions holds the C1C2C3 bits (as a 3-bit value C1<<2|C2<<1|C3)
// for the three data blocks and the trailer of one sector.
type AccessConditions [4]uint8

var (
	// TransportConditions is the factory configuration: data blocks open with
	// either key, trailer writable with key A.
	TransportConditions = AccessConditions{0b000, 0b000, 0b000, 0b001}

	// LockedConditions makes data blocks readable with either key and writable
	// with key B only; the trailer is only writable with key B.
	LockedConditions = AccessConditions{0b100, 0b100, 0b100, 0b011}
)

// Encode packs access conditions into bytes 6..9 of a trailer.
func (ac AccessConditions) Encode() [4]byte {
	var c1, c2, c3 byte
	for i, cond := range ac {
		c1 |= ((cond >> 2) & 1) << i
		c2 |= ((cond >> 1) & 1) << i
		c3 |= (cond & 1) << i
	}

	return [4]byte{
		(^c2&0x0F)<<4 | (^c1 & 0x0F),
		(c1&0x0F)<<4 | (^c3 & 0x0F),
		(c3&0x0F)<<4 | (c2 & 0x0F),
		0x69, // general purpose byte
	}
}

// DecodeAccessBits parses trailer bytes 6..9, rejecting inconsistent encodings
// that would brick a sector on real hardware.
func DecodeAccessBits(b [4]byte) (AccessConditions, error) {
	c1 := b[1] >> 4
	c2 := b[2] & 0x0F
	c3 := b[2] >> 4

	if ^b[0]&0x0F != c1 || (^b[0]>>4)&0x0F != c2 || ^b[1]&0x0F != c3 {
		return AccessConditions{}, errors.New("inconsistent access bits")
	}

	var ac AccessConditions
	for i := range ac {
		ac[i] = ((c1>>i)&1)<<2 | ((c2>>i)&1)<<1 | (c3>>i)&1
	}
	return ac, nil
}

// TrailerBlock builds a sector trailer.
func TrailerBlock(keyA, keyB interfaces.ChipKey, ac AccessConditions) []byte {
	block := make([]byte, interfaces.BlockSize)
	copy(block[0:6], keyA[:])
	access := ac.Encode()
	copy(block[6:10], access[:])
	copy(block[10:16], keyB[:])
	return block
}

// ParseTrailer splits a trailer into its keys and access conditions.
func ParseTrailer(block []byte) (keyA, keyB interfaces.ChipKey, ac AccessConditions, err error) {
	if len(block) != interfaces.BlockSize {
		return keyA, keyB, ac, fmt.Errorf("invalid trailer length %d", len(block))
	}
	copy(keyA[:], block[0:6])
	copy(keyB[:], block[10:16])

	var access [4]byte
	copy(access[:], block[6:10])
	ac, err = DecodeAccessBits(access)
	return keyA, keyB, ac, err
}

// LockedTrailer is the trailer written to protected sectors: both keys set to
// the derived chip key so the factory key no longer opens the sector.
func LockedTrailer(key interfaces.ChipKey) []byte {
	return TrailerBlock(key, key, LockedConditions)
}
