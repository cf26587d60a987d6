package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCard is returned when no tag was presented before the timeout.
	ErrNoCard = errors.New("no tag presented")

	ErrChipNotFound  = errors.New("chip not found")
	ErrOrderNotFound = errors.New("order not found")
	ErrChipExists    = errors.New("chip already exists")
	ErrOrderExists   = errors.New("order already exists")

	// ErrMasterSecretMissing is a configuration error: key derivation refuses to run without a secret.
	ErrMasterSecretMissing = errors.New("master secret is not configured")

	// ErrUidAlreadyBound is returned when a uid or chip already carries identity material.
	ErrUidAlreadyBound = errors.New("uid already bound to a chip")

	// ErrConcurrentUpdate is returned when a compare-and-swap on a record loses a race.
	ErrConcurrentUpdate = errors.New("record changed concurrently")

	ErrOrderCancelled = errors.New("order is cancelled")
)

// ChipReadError is a hardware read failure. Callers may retry.
type ChipReadError struct {
	Op    string
	Block int
	Err   error
}

func (e *ChipReadError) Error() string {
	if e.Op == "uid" {
		return fmt.Sprintf("chip read error (uid): %v", e.Err)
	}
	return fmt.Sprintf("chip read error (block %d): %v", e.Block, e.Err)
}

func (e *ChipReadError) Unwrap() error   { return e.Err }
func (e *ChipReadError) Retryable() bool { return true }

// ChipWriteError is a hardware write failure on a block that can still be rewritten.
type ChipWriteError struct {
	Block int
	Err   error
}

func (e *ChipWriteError) Error() string {
	return fmt.Sprintf("chip write error (block %d): %v", e.Block, e.Err)
}

func (e *ChipWriteError) Unwrap() error   { return e.Err }
func (e *ChipWriteError) Retryable() bool { return true }

// AuthenticationError means a sector rejected the key. Retrying with the same
// key is pointless; on a protected sector it indicates a possible clone.
type AuthenticationError struct {
	Sector int
	Err    error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed on sector %d: %v", e.Sector, e.Err)
}

func (e *AuthenticationError) Unwrap() error   { return e.Err }
func (e *AuthenticationError) Retryable() bool { return false }

// ChecksumMismatchError means the stored checksum does not bind the presented values.
type ChecksumMismatchError struct {
	ChipID ChipID
	Uid    Uid
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for chip %s (uid %s)", e.ChipID, e.Uid)
}

// IdentityMismatchError means the chip ids read from the tag disagree.
type IdentityMismatchError struct {
	Expected  ChipID
	Plain     ChipID
	Protected ChipID
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("chip identity mismatch: expected %q, public block %q, protected block %q", e.Expected, e.Plain, e.Protected)
}

// InvalidTransitionError names the lifecycle rule a rejected transition violated.
type InvalidTransitionError struct {
	ChipID ChipID
	From   ChipStatus
	To     ChipStatus
	Rule   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for chip %s: %s", e.From, e.To, e.ChipID, e.Rule)
}

// InsufficientStockError is returned when a reservation exceeds availability.
type InsufficientStockError struct {
	Available int
	Requested int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock: available=%d, requested=%d", e.Available, e.Requested)
}

// EncodingStep names one sub-step of the encoding protocol.
type EncodingStep string

const (
	StepReadUid        EncodingStep = "read_uid"
	StepIssueIdentity  EncodingStep = "issue_identity"
	StepWritePublic    EncodingStep = "write_public_block"
	StepWriteProtected EncodingStep = "write_protected_blocks"
	StepLockSector1    EncodingStep = "lock_sector_1"
	StepLockSector2    EncodingStep = "lock_sector_2"
	StepVerifyReadback EncodingStep = "verify_readback"
)

// PartialEncodingFailure is returned when encoding stopped after at least one
// sector trailer was rewritten. The tag cannot be reset with the factory key and
// must not be re-encoded with fresh material.
type PartialEncodingFailure struct {
	ChipID         ChipID
	Uid            Uid
	CompletedSteps []EncodingStep
	LockedSectors  []int
	FailedStep     EncodingStep
	Err            error
}

func (e *PartialEncodingFailure) Error() string {
	steps := make([]string, len(e.CompletedSteps))
	for i, s := range e.CompletedSteps {
		steps[i] = string(s)
	}
	return fmt.Sprintf("partial encoding failure for chip %s at %s (completed: %s, locked sectors: %v): %v",
		e.ChipID, e.FailedStep, strings.Join(steps, ","), e.LockedSectors, e.Err)
}

func (e *PartialEncodingFailure) Unwrap() error   { return e.Err }
func (e *PartialEncodingFailure) Retryable() bool { return false }

// IsRetryable reports whether err is a hardware error a caller may retry.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
