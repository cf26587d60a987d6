package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/kms"
	"github.com/ruteri/rfid-tag-provisioning-backend/lifecycle"
	"github.com/ruteri/rfid-tag-provisioning-backend/registry"
	"golang.org/x/sync/singleflight"
)

// ErrInvalidRequest wraps caller mistakes that no retry will fix.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNoStorage is returned by publishing operations when no storage backend is configured.
var ErrNoStorage = errors.New("no storage backend configured")

const (
	maxBindAttempts  = 3
	maxStockBatch    = 1000
	defaultCacheTTL  = 5 * time.Minute
	whitelistKeyBase = "rfid:whitelist:"
	workshopActor    = "workshop"
)

// Service is the server side of the chip subsystem. Stations ask it for
// identity material, mobile clients submit raw block reads for activation,
// and back-office callers register stock and drive after-sales flows.
type Service struct {
	registry  interfaces.Registry
	lifecycle *lifecycle.Machine
	keys      kms.Provider
	storage   interfaces.StorageBackend
	cache     redis.UniversalClient
	cacheTTL  time.Duration
	log       *slog.Logger

	binding   singleflight.Group
	whitelist singleflight.Group
	now       func() time.Time
}

func NewService(reg interfaces.Registry, machine *lifecycle.Machine, keys kms.Provider, log *slog.Logger) *Service {
	return &Service{
		registry:  reg,
		lifecycle: machine,
		keys:      keys,
		cacheTTL:  defaultCacheTTL,
		log:       log,
		now:       time.Now,
	}
}

// WithStorage sets the backend whitelist snapshots and audit archives are published to.
func (s *Service) WithStorage(backend interfaces.StorageBackend) *Service {
	s.storage = backend
	return s
}

// WithWhitelistCache caches whitelist responses in Redis for ttl.
func (s *Service) WithWhitelistCache(rdb redis.UniversalClient, ttl time.Duration) *Service {
	s.cache = rdb
	if ttl > 0 {
		s.cacheTTL = ttl
	}
	return s
}

func (s *Service) crypto() (*kms.ChipKMS, *cryptoutils.ChecksumService, error) {
	keys, err := s.keys.ChipKMS()
	if err != nil {
		return nil, nil, err
	}
	checksums, err := keys.Checksums()
	if err != nil {
		return nil, nil, err
	}
	return keys, checksums, nil
}

// RequestEncodingParameters issues identity material for the tag with the
// given uid. The call is idempotent per uid: a uid already bound to a record
// gets the stored chip id and salt back, a salt is never generated twice.
// A new uid is bound to the oldest EN_ATELIER record without one, or to a
// freshly created record when the workshop has none.
func (s *Service) RequestEncodingParameters(ctx context.Context, uid interfaces.Uid) (*interfaces.EncodingParameters, error) {
	if len(uid) == 0 {
		return nil, fmt.Errorf("%w: uid is required", ErrInvalidRequest)
	}

	keys, checksums, err := s.crypto()
	if err != nil {
		return nil, err
	}

	// Concurrent requests for one uid share a single binding.
	v, err, _ := s.binding.Do(uid.String(), func() (interface{}, error) {
		return s.bindUid(ctx, uid, checksums)
	})
	if err != nil {
		return nil, err
	}
	chip := v.(*interfaces.RfidChip)

	if !checksums.ValidateChecksum(chip.Uid, chip.Salt, chip.ChipID, chip.Checksum) {
		s.log.Error("Stored checksum does not match stored identity", "chipID", chip.ChipID.String(), "category", "possible_corruption")
		return nil, &interfaces.ChecksumMismatchError{ChipID: chip.ChipID, Uid: chip.Uid}
	}

	key, err := keys.DeriveChipKey(chip.ChipID)
	if err != nil {
		return nil, err
	}

	return &interfaces.EncodingParameters{
		ChipID:   chip.ChipID,
		Uid:      chip.Uid,
		Salt:     chip.Salt,
		Checksum: chip.Checksum,
		ChipKey:  key,
	}, nil
}

func (s *Service) bindUid(ctx context.Context, uid interfaces.Uid, checksums *cryptoutils.ChecksumService) (*interfaces.RfidChip, error) {
	for attempt := 1; ; attempt++ {
		existing, err := s.registry.GetChipByUid(ctx, uid)
		if err == nil {
			s.log.Debug("Uid already bound, returning stored identity", "uid", uid.String(), "chipID", existing.ChipID.String())
			return existing, nil
		}
		if !errors.Is(err, interfaces.ErrChipNotFound) {
			return nil, err
		}

		salt, err := checksums.GenerateSalt()
		if err != nil {
			return nil, err
		}

		chip, err := s.bindToWorkshopChip(ctx, uid, salt, checksums)
		if errors.Is(err, interfaces.ErrChipNotFound) {
			chip, err = s.createBoundChip(ctx, uid, salt, checksums)
		}
		if err == nil {
			s.log.Info("Bound uid to chip", "uid", uid.String(), "chipID", chip.ChipID.String())
			return chip, nil
		}

		// Another replica bound this uid or took the record first.
		retry := errors.Is(err, interfaces.ErrUidAlreadyBound) ||
			errors.Is(err, interfaces.ErrConcurrentUpdate) ||
			errors.Is(err, interfaces.ErrChipExists)
		if !retry || attempt >= maxBindAttempts {
			return nil, err
		}
	}
}

func (s *Service) bindToWorkshopChip(ctx context.Context, uid interfaces.Uid, salt interfaces.Salt, checksums *cryptoutils.ChecksumService) (*interfaces.RfidChip, error) {
	candidate, err := s.registry.NextUnboundChip(ctx, interfaces.StatusEnAtelier)
	if err != nil {
		return nil, err
	}

	err = s.registry.UpdateChip(ctx, candidate.ChipID, func(c *interfaces.RfidChip) error {
		if len(c.Uid) > 0 || !c.Salt.IsZero() {
			return fmt.Errorf("%w: chip %s was bound meanwhile", interfaces.ErrConcurrentUpdate, c.ChipID)
		}
		c.Uid = append(interfaces.Uid(nil), uid...)
		c.Salt = salt
		c.Checksum = checksums.ComputeChecksum(uid, salt, c.ChipID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.registry.GetChip(ctx, candidate.ChipID)
}

func (s *Service) createBoundChip(ctx context.Context, uid interfaces.Uid, salt interfaces.Salt, checksums *cryptoutils.ChecksumService) (*interfaces.RfidChip, error) {
	chipID, err := registry.NextChipID(ctx, s.registry, s.now())
	if err != nil {
		return nil, err
	}

	chip := &interfaces.RfidChip{
		ChipID:   chipID,
		Uid:      append(interfaces.Uid(nil), uid...),
		Salt:     salt,
		Checksum: checksums.ComputeChecksum(uid, salt, chipID),
		Status:   interfaces.StatusEnStock,
	}
	if err := s.registry.CreateChip(ctx, chip); err != nil {
		return nil, err
	}

	// Tags brought straight to the workshop still walk the lifecycle so the
	// history shows how they got there.
	for _, status := range []interfaces.ChipStatus{interfaces.StatusEnTransit, interfaces.StatusEnAtelier} {
		chip, err = s.lifecycle.Transition(ctx, chipID, status, workshopActor, "registered at workshop encoding")
		if err != nil {
			return nil, fmt.Errorf("moving new chip %s to workshop: %w", chipID, err)
		}
	}
	return chip, nil
}

// IssueIdentity lets a station running next to the server encode through the
// service directly. A requested chip id must match the one bound to the uid.
func (s *Service) IssueIdentity(ctx context.Context, uid interfaces.Uid, chipID interfaces.ChipID) (*interfaces.EncodingParameters, error) {
	params, err := s.RequestEncodingParameters(ctx, uid)
	if err != nil {
		return nil, err
	}
	if chipID != "" && params.ChipID != chipID {
		return nil, fmt.Errorf("%w: uid %s is bound to %s, not %s", interfaces.ErrUidAlreadyBound, uid, params.ChipID, chipID)
	}
	return params, nil
}

// CommitEncoding records that the station protected the tag, moving the chip
// from EN_ATELIER to INACTIVE. Committing an already committed chip is a no-op.
func (s *Service) CommitEncoding(ctx context.Context, chipID interfaces.ChipID, actor string) (*interfaces.RfidChip, error) {
	chip, err := s.registry.GetChip(ctx, chipID)
	if err != nil {
		return nil, err
	}
	if chip.Status == interfaces.StatusInactive && chip.IsEncoded() {
		return chip, nil
	}
	return s.lifecycle.Transition(ctx, chipID, interfaces.StatusInactive, actor, "encoding committed")
}

// RegisterStock creates count EN_STOCK records with newly allocated chip ids.
func (s *Service) RegisterStock(ctx context.Context, count int, packagingCode, actor string) ([]interfaces.ChipID, error) {
	if count < 1 || count > maxStockBatch {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", ErrInvalidRequest, maxStockBatch)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	}

	ids := make([]interfaces.ChipID, 0, count)
	for range count {
		chipID, err := registry.NextChipID(ctx, s.registry, s.now())
		if err != nil {
			return ids, err
		}
		err = s.registry.CreateChip(ctx, &interfaces.RfidChip{
			ChipID:        chipID,
			PackagingCode: packagingCode,
			Status:        interfaces.StatusEnStock,
		})
		if err != nil {
			return ids, fmt.Errorf("creating chip %s: %w", chipID, err)
		}
		ids = append(ids, chipID)
	}

	s.log.Info("Registered stock", "count", count, "packagingCode", packagingCode, "actor", actor)
	return ids, nil
}

// Chip returns the record of chipID.
func (s *Service) Chip(ctx context.Context, chipID interfaces.ChipID) (*interfaces.RfidChip, error) {
	return s.registry.GetChip(ctx, chipID)
}

// Transition forwards an operator-requested status change to the lifecycle.
func (s *Service) Transition(ctx context.Context, chipID interfaces.ChipID, to interfaces.ChipStatus, actor, notes string) (*interfaces.RfidChip, error) {
	chip, err := s.lifecycle.Transition(ctx, chipID, to, actor, notes)
	if err != nil {
		return nil, err
	}
	s.invalidateWhitelist(ctx, chip)
	return chip, nil
}

// ReplaceChip marks a chip received in after-sales as superseded by another
// chip. The replacement reference stays on the old record.
func (s *Service) ReplaceChip(ctx context.Context, oldChipID, newChipID interfaces.ChipID, actor, notes string) (*interfaces.RfidChip, error) {
	if oldChipID == newChipID {
		return nil, fmt.Errorf("%w: a chip cannot replace itself", ErrInvalidRequest)
	}
	if _, err := s.registry.GetChip(ctx, newChipID); err != nil {
		return nil, fmt.Errorf("replacement chip %s: %w", newChipID, err)
	}

	chip, err := s.lifecycle.TransitionWith(ctx, oldChipID, interfaces.StatusRemplacee, actor, notes, func(c *interfaces.RfidChip) error {
		replacement := newChipID
		c.ReplacedBy = &replacement
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidateWhitelist(ctx, chip)
	return chip, nil
}
