package mifare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/metrics"
)

// EncodeState is the physical state of a tag during encoding.
type EncodeState string

const (
	StateUnencoded EncodeState = "unencoded"
	StateEncoded   EncodeState = "encoded"
	StateProtected EncodeState = "protected"
)

// EncodeResult describes a successfully protected tag.
type EncodeResult struct {
	Params         interfaces.EncodingParameters
	State          EncodeState
	CompletedSteps []interfaces.EncodingStep
}

// Encoder writes identity material to blank tags and locks the protected sectors.
//
// Encoding is not atomic. Until the first sector trailer is rewritten the tag
// can be reset with the factory key and errors are ordinary hardware errors.
// From then on any failure is a *interfaces.PartialEncodingFailure carrying the
// completed steps; the encoder never retries.
type Encoder struct {
	issuer   IdentityIssuer
	readback bool
	log      *slog.Logger
}

func NewEncoder(issuer IdentityIssuer, log *slog.Logger) *Encoder {
	return &Encoder{issuer: issuer, readback: true, log: log}
}

// WithReadback toggles reading the protected blocks back after locking.
func (e *Encoder) WithReadback(enabled bool) *Encoder {
	cp := *e
	cp.readback = enabled
	return &cp
}

type encodeRun struct {
	params    *interfaces.EncodingParameters
	uid       interfaces.Uid
	completed []interfaces.EncodingStep
	locked    []int
}

func (r *encodeRun) done(step interfaces.EncodingStep) {
	r.completed = append(r.completed, step)
}

func (r *encodeRun) partial(step interfaces.EncodingStep, err error) *interfaces.PartialEncodingFailure {
	var chipID interfaces.ChipID
	if r.params != nil {
		chipID = r.params.ChipID
	}
	return &interfaces.PartialEncodingFailure{
		ChipID:         chipID,
		Uid:            r.uid,
		CompletedSteps: append([]interfaces.EncodingStep(nil), r.completed...),
		LockedSectors:  append([]int(nil), r.locked...),
		FailedStep:     step,
		Err:            err,
	}
}

// Encode encodes the tag in the reader's field. chipID may be empty when the
// issuer assigns it; otherwise the issued chip id must match.
func (e *Encoder) Encode(ctx context.Context, reader interfaces.Reader, chipID interfaces.ChipID) (*EncodeResult, error) {
	res, err := e.encode(ctx, reader, chipID)
	if err != nil {
		metrics.EncodingFailures.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	metrics.ChipsEncoded.Inc()
	return res, nil
}

func (e *Encoder) encode(ctx context.Context, reader interfaces.Reader, chipID interfaces.ChipID) (*EncodeResult, error) {
	run := &encodeRun{}
	log := e.log.With("reader", reader.Name())

	uid, err := reader.ReadUid(ctx)
	if err != nil {
		return nil, &interfaces.ChipReadError{Op: "uid", Err: err}
	}
	run.uid = uid
	run.done(interfaces.StepReadUid)
	log = log.With("uid", uid.String())

	if err := reader.Authenticate(ctx, ProtectedIDBlock, interfaces.DefaultKey); err != nil {
		var authErr *interfaces.AuthenticationError
		if errors.As(err, &authErr) {
			return nil, fmt.Errorf("tag is not blank: %w", err)
		}
		return nil, &interfaces.ChipReadError{Op: "block", Block: ProtectedIDBlock, Err: err}
	}

	params, err := e.issuer.IssueIdentity(ctx, uid, chipID)
	if err != nil {
		return nil, fmt.Errorf("issuing identity: %w", err)
	}
	if chipID != "" && params.ChipID != chipID {
		return nil, fmt.Errorf("issuer returned chip id %s, expected %s", params.ChipID, chipID)
	}
	if !params.Uid.Equal(uid) {
		return nil, fmt.Errorf("issuer returned material for uid %s, tag is %s", params.Uid, uid)
	}
	run.params = params
	run.done(interfaces.StepIssueIdentity)
	log = log.With("chipID", params.ChipID.String())

	// Unencoded -> Encoded: every write still uses the factory key.
	if err := writeBlock(ctx, reader, PublicIDBlock, params.ChipID.Block(), interfaces.DefaultKey); err != nil {
		return nil, err
	}
	run.done(interfaces.StepWritePublic)

	protected := []struct {
		block int
		data  []byte
	}{
		{ProtectedIDBlock, params.ChipID.Block()},
		{SaltBlock, params.Salt[:]},
		{ChecksumBlock, params.Checksum[:]},
	}
	for _, p := range protected {
		if err := writeBlock(ctx, reader, p.block, p.data, interfaces.DefaultKey); err != nil {
			return nil, err
		}
	}
	run.done(interfaces.StepWriteProtected)
	log.Debug("Identity blocks written")

	// Encoded -> Protected: rewriting trailers revokes the factory key for good.
	lockSteps := map[int]interfaces.EncodingStep{
		ProtectedSector1: interfaces.StepLockSector1,
		ProtectedSector2: interfaces.StepLockSector2,
	}
	for _, sector := range ProtectedSectors {
		step := lockSteps[sector]
		state, err := lockSector(ctx, reader, sector, params.ChipKey)
		switch {
		case err == nil:
			run.locked = append(run.locked, sector)
			run.done(step)
			if state == lockLandedDespiteError {
				log.Warn("Trailer write reported an error but the sector is locked", "sector", sector)
			}
		case state == lockNotApplied && len(run.locked) == 0:
			// nothing has been locked yet, the tag can still be reset
			return nil, &interfaces.ChipWriteError{Block: TrailerOf(sector), Err: err}
		default:
			failure := run.partial(step, err)
			log.Error("Partial encoding failure, tag must not be re-encoded",
				"failedStep", step,
				"lockedSectors", run.locked,
				"err", err)
			return nil, failure
		}
	}

	if e.readback {
		if err := readBack(ctx, reader, params); err != nil {
			failure := run.partial(interfaces.StepVerifyReadback, err)
			log.Error("Readback after locking failed", "err", err)
			return nil, failure
		}
		run.done(interfaces.StepVerifyReadback)
	}

	log.Info("Tag encoded and protected")
	return &EncodeResult{
		Params:         *params,
		State:          StateProtected,
		CompletedSteps: run.completed,
	}, nil
}

func writeBlock(ctx context.Context, reader interfaces.Reader, block int, data []byte, key interfaces.ChipKey) error {
	err := reader.WriteBlock(ctx, block, data, key)
	if err == nil {
		return nil
	}
	var authErr *interfaces.AuthenticationError
	if errors.As(err, &authErr) {
		return fmt.Errorf("tag is not blank: %w", err)
	}
	return &interfaces.ChipWriteError{Block: block, Err: err}
}

type lockState int

const (
	lockApplied lockState = iota
	lockLandedDespiteError
	lockNotApplied
	lockUnknown
)

// lockSector rewrites a sector trailer with the derived key. When the write
// reports an error the sector is probed to learn whether the trailer landed.
func lockSector(ctx context.Context, reader interfaces.Reader, sector int, key interfaces.ChipKey) (lockState, error) {
	trailer := TrailerOf(sector)
	writeErr := reader.WriteBlock(ctx, trailer, LockedTrailer(key), interfaces.DefaultKey)
	if writeErr == nil {
		return lockApplied, nil
	}

	if reader.Authenticate(ctx, trailer, key) == nil {
		return lockLandedDespiteError, nil
	}
	if reader.Authenticate(ctx, trailer, interfaces.DefaultKey) == nil {
		return lockNotApplied, writeErr
	}
	return lockUnknown, writeErr
}

func readBack(ctx context.Context, reader interfaces.Reader, params *interfaces.EncodingParameters) error {
	expected := map[int][]byte{
		ProtectedIDBlock: params.ChipID.Block(),
		SaltBlock:        params.Salt[:],
		ChecksumBlock:    params.Checksum[:],
	}
	for _, block := range []int{ProtectedIDBlock, SaltBlock, ChecksumBlock} {
		data, err := reader.ReadBlock(ctx, block, params.ChipKey)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, expected[block]) {
			return fmt.Errorf("block %d does not match written data", block)
		}
	}
	return nil
}

func errorKind(err error) string {
	var (
		partial *interfaces.PartialEncodingFailure
		readErr *interfaces.ChipReadError
		wrErr   *interfaces.ChipWriteError
		authErr *interfaces.AuthenticationError
	)
	switch {
	case errors.As(err, &partial):
		return "partial"
	case errors.As(err, &readErr):
		return "read"
	case errors.As(err, &wrErr):
		return "write"
	case errors.As(err, &authErr):
		return "authentication"
	default:
		return "other"
	}
}
