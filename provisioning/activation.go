package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/metrics"
	"github.com/ruteri/rfid-tag-provisioning-backend/mifare"
)

// SourceMobile tags verification events submitted by mobile clients.
const SourceMobile = "mobile"

// ActivationRequest carries the raw blocks a mobile client read from a tag.
// The client cannot authenticate protected sectors itself, so a companion
// reader or the tag holder supplies the block contents. Block5 may be omitted,
// the salt stored on the record is used instead.
type ActivationRequest struct {
	Uid            interfaces.Uid
	ChipID         interfaces.ChipID
	Block4         []byte
	Block5         []byte
	Block8         []byte
	ControlPointID string
	Actor          string
}

// ActivationOutcome reports what happened to an activation attempt.
type ActivationOutcome struct {
	ChipID    interfaces.ChipID              `json:"chip_id"`
	Outcome   interfaces.VerificationOutcome `json:"outcome"`
	Category  string                         `json:"category,omitempty"`
	Activated bool                           `json:"activated"`
	Chip      *interfaces.RfidChip           `json:"chip,omitempty"`
}

func (r *ActivationRequest) validate() error {
	switch {
	case len(r.Uid) == 0:
		return fmt.Errorf("%w: uid is required", ErrInvalidRequest)
	case r.ChipID == "":
		return fmt.Errorf("%w: chip id is required", ErrInvalidRequest)
	case len(r.Block4) != interfaces.BlockSize || len(r.Block8) != interfaces.BlockSize:
		return fmt.Errorf("%w: blocks 4 and 8 must be %d bytes", ErrInvalidRequest, interfaces.BlockSize)
	case len(r.Block5) != 0 && len(r.Block5) != interfaces.BlockSize:
		return fmt.Errorf("%w: block 5 must be %d bytes", ErrInvalidRequest, interfaces.BlockSize)
	case r.ControlPointID == "":
		return fmt.Errorf("%w: control point is required", ErrInvalidRequest)
	case r.Actor == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}
	return nil
}

// ActivateChip verifies client-submitted block reads and, when the tag is
// genuine, moves the chip from LIVREE to ACTIVE bound to the control point.
// Every attempt is recorded in the verification log. A rejected tag returns
// the outcome together with the typed verification error.
func (s *Service) ActivateChip(ctx context.Context, req ActivationRequest) (*ActivationOutcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	_, checksums, err := s.crypto()
	if err != nil {
		return nil, err
	}

	chip, err := s.registry.GetChip(ctx, req.ChipID)
	if errors.Is(err, interfaces.ErrChipNotFound) {
		return s.rejectActivation(ctx, req, interfaces.VerifyUnknownChip, err)
	}
	if err != nil {
		return nil, err
	}

	salt := req.Block5
	if len(salt) == 0 {
		salt = chip.Salt[:]
	}
	outcome, verr := mifare.VerifyBlocks(checksums, req.Uid, req.ChipID, mifare.BlockSet{
		ProtectedID: req.Block4,
		Salt:        salt,
		Checksum:    req.Block8,
	})
	if verr == nil && !chip.Uid.Equal(req.Uid) {
		// A valid checksum for another uid means the record and the tag disagree.
		outcome = interfaces.VerifyIdentityMismatch
		verr = fmt.Errorf("uid %s is not bound to chip %s", req.Uid, req.ChipID)
	}
	if verr != nil {
		return s.rejectActivation(ctx, req, outcome, verr)
	}

	if err := s.recordVerification(ctx, req, interfaces.VerifyAccepted, ""); err != nil {
		return nil, err
	}
	metrics.Verifications.WithLabelValues(string(interfaces.VerifyAccepted), SourceMobile).Inc()

	if chip.Status == interfaces.StatusActive && chip.ControlPointID != nil && *chip.ControlPointID == req.ControlPointID {
		return &ActivationOutcome{ChipID: chip.ChipID, Outcome: interfaces.VerifyAccepted, Chip: chip}, nil
	}

	activatedAt := s.now().UTC()
	controlPoint := req.ControlPointID
	chip, err = s.lifecycle.TransitionWith(ctx, req.ChipID, interfaces.StatusActive, req.Actor, "activated at control point "+controlPoint, func(c *interfaces.RfidChip) error {
		c.ControlPointID = &controlPoint
		c.ActivationDate = &activatedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidateWhitelist(ctx, chip)
	s.log.Info("Chip activated", "chipID", chip.ChipID.String(), "controlPointID", controlPoint, "actor", req.Actor)
	return &ActivationOutcome{ChipID: chip.ChipID, Outcome: interfaces.VerifyAccepted, Activated: true, Chip: chip}, nil
}

func (s *Service) rejectActivation(ctx context.Context, req ActivationRequest, outcome interfaces.VerificationOutcome, cause error) (*ActivationOutcome, error) {
	s.log.Warn("Activation rejected",
		"chipID", req.ChipID.String(),
		"uid", req.Uid.String(),
		"category", outcome.Category(),
		"err", cause)
	metrics.Verifications.WithLabelValues(string(outcome), SourceMobile).Inc()

	if err := s.recordVerification(ctx, req, outcome, cause.Error()); err != nil {
		return nil, err
	}
	return &ActivationOutcome{ChipID: req.ChipID, Outcome: outcome, Category: outcome.Category()}, cause
}

func (s *Service) recordVerification(ctx context.Context, req ActivationRequest, outcome interfaces.VerificationOutcome, detail string) error {
	err := s.registry.RecordVerification(ctx, &interfaces.VerificationEvent{
		ChipID:     req.ChipID,
		Uid:        req.Uid,
		Outcome:    outcome,
		Source:     SourceMobile,
		Actor:      req.Actor,
		Detail:     detail,
		OccurredAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("recording verification: %w", err)
	}
	return nil
}

// VerificationEvents returns the verification log since the given time.
func (s *Service) VerificationEvents(ctx context.Context, since time.Time) ([]*interfaces.VerificationEvent, error) {
	return s.registry.ListVerifications(ctx, since)
}
