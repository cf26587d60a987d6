package interfaces

import (
	"context"
	"time"
)

// Reader is the narrow contract the encoding and verification protocols need
// from an NFC reader. Implementations address a single tag at a time and are
// not safe for concurrent use; callers hold an exclusive lease while using one.
// A sector rejecting a key is reported as *AuthenticationError; any other
// error is treated as an I/O failure.
type Reader interface {
	// ReadUid returns the serial of the tag currently in the field.
	ReadUid(ctx context.Context) (Uid, error)

	// ReadBlock authenticates the block's sector with key and reads the block.
	ReadBlock(ctx context.Context, block int, key ChipKey) ([]byte, error)

	// WriteBlock authenticates the block's sector with key and writes data.
	WriteBlock(ctx context.Context, block int, data []byte, key ChipKey) error

	// Authenticate checks that key opens the sector holding block.
	Authenticate(ctx context.Context, block int, key ChipKey) error

	// WaitForCard blocks until a tag is presented or the timeout expires,
	// in which case it returns ErrNoCard.
	WaitForCard(ctx context.Context, timeout time.Duration) error

	// Name identifies the reader in logs.
	Name() string
}
