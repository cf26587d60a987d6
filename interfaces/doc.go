// Package interfaces defines the types and contracts shared by the RFID tag
// provisioning backend, separating them from their implementations.
//
// # Identity material
//
// ChipID, Uid, Salt, Checksum and ChipKey describe the identity bound to one
// physical Mifare Classic tag. ChipKey values are always re-derived from the
// master secret and never persisted.
//
// # Records
//
// RfidChip, StatusHistoryEntry, Order and VerificationEvent are the persisted
// records. ChipStatus is a closed enum; ChipStore only changes it through
// ApplyTransition, which the lifecycle package drives.
//
// # Hardware
//
// Reader is the narrow contract the encoding and verification protocols need
// from an NFC reader.
//
// # Errors
//
// The error taxonomy (ChipReadError, ChipWriteError, AuthenticationError,
// ChecksumMismatchError, InvalidTransitionError, InsufficientStockError,
// PartialEncodingFailure) is matched with errors.As by callers.
package interfaces
