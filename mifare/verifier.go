package mifare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/metrics"
)

// BlockSet holds the identity blocks read from a tag.
type BlockSet struct {
	Public      []byte // optional, nil when the public block was not read
	ProtectedID []byte
	Salt        []byte
	Checksum    []byte
}

// VerifyBlocks checks identity blocks against the expected chip id and
// recomputes the checksum. It performs no I/O and is shared by the station
// verifier and the server-side activation path.
func VerifyBlocks(checksums interfaces.ChecksumComputer, uid interfaces.Uid, expected interfaces.ChipID, blocks BlockSet) (interfaces.VerificationOutcome, error) {
	protected := interfaces.ChipIDFromBlock(blocks.ProtectedID)
	plain := protected
	if blocks.Public != nil {
		plain = interfaces.ChipIDFromBlock(blocks.Public)
	}
	if protected != expected || plain != expected {
		return interfaces.VerifyIdentityMismatch, &interfaces.IdentityMismatchError{
			Expected:  expected,
			Plain:     plain,
			Protected: protected,
		}
	}

	salt, err := interfaces.NewSaltFromBytes(blocks.Salt)
	if err != nil {
		return interfaces.VerifyChecksumMismatch, &interfaces.ChecksumMismatchError{ChipID: expected, Uid: uid}
	}
	checksum, err := interfaces.NewChecksumFromBytes(blocks.Checksum)
	if err != nil {
		return interfaces.VerifyChecksumMismatch, &interfaces.ChecksumMismatchError{ChipID: expected, Uid: uid}
	}
	if !checksums.ValidateChecksum(uid, salt, protected, checksum) {
		return interfaces.VerifyChecksumMismatch, &interfaces.ChecksumMismatchError{ChipID: expected, Uid: uid}
	}
	return interfaces.VerifyAccepted, nil
}

// VerifyResult is the outcome of verifying a tag in a reader's field.
type VerifyResult struct {
	ChipID  interfaces.ChipID
	Uid     interfaces.Uid
	Outcome interfaces.VerificationOutcome
}

// Verifier authenticates presented tags. It needs the master secret, so it
// runs on trusted stations only; mobile clients go through the server.
type Verifier struct {
	keys      interfaces.ChipKeyDeriver
	checksums interfaces.ChecksumComputer
	source    string
	log       *slog.Logger
}

func NewVerifier(keys interfaces.ChipKeyDeriver, checksums interfaces.ChecksumComputer, source string, log *slog.Logger) *Verifier {
	return &Verifier{keys: keys, checksums: checksums, source: source, log: log}
}

// ErrNoExpectedChipID is returned by Verify when the caller has no trusted chip
// id. The sector key is never derived from the tag's own public block.
var ErrNoExpectedChipID = errors.New("verification requires the expected chip id")

// Verify reads and checks the tag in the field against expected, which must
// come from a trusted source such as the registry or the operator.
//
// A rejected tag yields a non-nil result and a typed error:
// *interfaces.AuthenticationError for a wrong sector key (possible clone),
// *interfaces.ChecksumMismatchError or *interfaces.IdentityMismatchError.
// Hardware failures return a nil result and a retryable *interfaces.ChipReadError.
func (v *Verifier) Verify(ctx context.Context, reader interfaces.Reader, expected interfaces.ChipID) (*VerifyResult, error) {
	if expected == "" {
		return nil, ErrNoExpectedChipID
	}

	uid, err := reader.ReadUid(ctx)
	if err != nil {
		return nil, &interfaces.ChipReadError{Op: "uid", Err: err}
	}

	public, err := readBlock(ctx, reader, PublicIDBlock, interfaces.DefaultKey)
	if err != nil {
		return v.reject(reader, uid, expected, interfaces.VerifyAuthenticationFailed, err)
	}
	if interfaces.ChipIDFromBlock(public) == "" {
		return v.reject(reader, uid, expected, interfaces.VerifyUnknownChip, errors.New("public block is blank"))
	}

	key, err := v.keys.DeriveChipKey(expected)
	if err != nil {
		return nil, fmt.Errorf("deriving chip key: %w", err)
	}

	blocks := BlockSet{Public: public}
	targets := []struct {
		block int
		dst   *[]byte
	}{
		{ProtectedIDBlock, &blocks.ProtectedID},
		{SaltBlock, &blocks.Salt},
		{ChecksumBlock, &blocks.Checksum},
	}
	for _, t := range targets {
		if err := reader.Authenticate(ctx, t.block, key); err != nil {
			return v.reject(reader, uid, expected, interfaces.VerifyAuthenticationFailed, err)
		}
		data, err := readBlock(ctx, reader, t.block, key)
		if err != nil {
			return v.reject(reader, uid, expected, interfaces.VerifyAuthenticationFailed, err)
		}
		*t.dst = data
	}

	outcome, err := VerifyBlocks(v.checksums, uid, expected, blocks)
	if err != nil {
		return v.reject(reader, uid, expected, outcome, err)
	}

	metrics.Verifications.WithLabelValues(string(outcome), v.source).Inc()
	v.log.Debug("Tag verified", "reader", reader.Name(), "uid", uid.String(), "chipID", expected.String())
	return &VerifyResult{ChipID: expected, Uid: uid, Outcome: outcome}, nil
}

// reject logs a rejection under its forensic category. Read failures other than
// authentication are passed through as retryable hardware errors.
func (v *Verifier) reject(reader interfaces.Reader, uid interfaces.Uid, chipID interfaces.ChipID, outcome interfaces.VerificationOutcome, err error) (*VerifyResult, error) {
	var authErr *interfaces.AuthenticationError
	if outcome == interfaces.VerifyAuthenticationFailed && !errors.As(err, &authErr) {
		return nil, err
	}

	metrics.Verifications.WithLabelValues(string(outcome), v.source).Inc()
	v.log.Warn("Tag rejected",
		"category", outcome.Category(),
		"reader", reader.Name(),
		"uid", uid.String(),
		"chipID", chipID.String(),
		"err", err)
	return &VerifyResult{ChipID: chipID, Uid: uid, Outcome: outcome}, err
}

func readBlock(ctx context.Context, reader interfaces.Reader, block int, key interfaces.ChipKey) ([]byte, error) {
	data, err := reader.ReadBlock(ctx, block, key)
	if err == nil {
		return data, nil
	}
	var authErr *interfaces.AuthenticationError
	if errors.As(err, &authErr) {
		return nil, err
	}
	return nil, &interfaces.ChipReadError{Op: "block", Block: block, Err: err}
}
