package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// WhitelistSnapshot is the document published for disconnected mobile clients.
type WhitelistSnapshot struct {
	CustomerID  string                      `json:"customer_id"`
	GeneratedAt time.Time                   `json:"generated_at"`
	Entries     []interfaces.WhitelistEntry `json:"entries"`
}

// AuditArchive is an exported slice of the verification log.
type AuditArchive struct {
	Since      time.Time                       `json:"since"`
	ExportedAt time.Time                       `json:"exported_at"`
	Events     []*interfaces.VerificationEvent `json:"events"`
}

// WhitelistForCustomer lists every chip of the customer that has been bound
// to a control point. Entries keep their current status so offline clients
// learn about chips that went back to after-sales.
func (s *Service) WhitelistForCustomer(ctx context.Context, customerID string) ([]interfaces.WhitelistEntry, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidRequest)
	}

	if entries, ok := s.cachedWhitelist(ctx, customerID); ok {
		return entries, nil
	}

	v, err, _ := s.whitelist.Do(customerID, func() (interface{}, error) {
		entries, err := s.buildWhitelist(ctx, customerID)
		if err != nil {
			return nil, err
		}
		s.storeWhitelist(ctx, customerID, entries)
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]interfaces.WhitelistEntry), nil
}

func (s *Service) buildWhitelist(ctx context.Context, customerID string) ([]interfaces.WhitelistEntry, error) {
	chips, err := s.registry.ListChipsByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	entries := make([]interfaces.WhitelistEntry, 0, len(chips))
	for _, chip := range chips {
		if chip.ControlPointID == nil {
			continue
		}
		entries = append(entries, interfaces.WhitelistEntry{
			ChipID:         chip.ChipID,
			ControlPointID: *chip.ControlPointID,
			ActivatedAt:    chip.ActivationDate,
			Status:         chip.Status,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ChipID < entries[j].ChipID })
	return entries, nil
}

func whitelistKey(customerID string) string {
	return whitelistKeyBase + customerID
}

func (s *Service) cachedWhitelist(ctx context.Context, customerID string) ([]interfaces.WhitelistEntry, bool) {
	if s.cache == nil {
		return nil, false
	}

	raw, err := s.cache.Get(ctx, whitelistKey(customerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.log.Warn("Whitelist cache read failed", "customerID", customerID, "err", err)
		return nil, false
	}

	var entries []interfaces.WhitelistEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.log.Warn("Discarding malformed cached whitelist", "customerID", customerID, "err", err)
		return nil, false
	}
	return entries, true
}

func (s *Service) storeWhitelist(ctx context.Context, customerID string, entries []interfaces.WhitelistEntry) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, whitelistKey(customerID), raw, s.cacheTTL).Err(); err != nil {
		s.log.Warn("Whitelist cache write failed", "customerID", customerID, "err", err)
	}
}

func (s *Service) invalidateWhitelist(ctx context.Context, chip *interfaces.RfidChip) {
	if s.cache == nil || chip == nil || chip.CustomerID == nil {
		return
	}
	if err := s.cache.Del(ctx, whitelistKey(*chip.CustomerID)).Err(); err != nil {
		s.log.Warn("Whitelist cache invalidation failed", "customerID", *chip.CustomerID, "err", err)
	}
}

// PublishWhitelist stores a whitelist snapshot of the customer in the
// configured storage backends and returns its content id.
func (s *Service) PublishWhitelist(ctx context.Context, customerID string) (interfaces.ContentID, error) {
	if s.storage == nil {
		return interfaces.ContentID{}, ErrNoStorage
	}

	entries, err := s.buildWhitelist(ctx, customerID)
	if err != nil {
		return interfaces.ContentID{}, err
	}

	data, err := json.Marshal(&WhitelistSnapshot{
		CustomerID:  customerID,
		GeneratedAt: s.now().UTC(),
		Entries:     entries,
	})
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("encoding whitelist snapshot: %w", err)
	}

	id, err := s.storage.Store(ctx, data, interfaces.WhitelistSnapshotType)
	if err != nil {
		return id, fmt.Errorf("publishing whitelist for %s: %w", customerID, err)
	}
	s.log.Info("Published whitelist snapshot", "customerID", customerID, "entries", len(entries), "contentID", id.String())
	return id, nil
}

// ArchiveVerificationEvents exports the verification log since the given
// time as an audit archive.
func (s *Service) ArchiveVerificationEvents(ctx context.Context, since time.Time) (interfaces.ContentID, error) {
	if s.storage == nil {
		return interfaces.ContentID{}, ErrNoStorage
	}

	events, err := s.registry.ListVerifications(ctx, since)
	if err != nil {
		return interfaces.ContentID{}, err
	}

	data, err := json.Marshal(&AuditArchive{
		Since:      since.UTC(),
		ExportedAt: s.now().UTC(),
		Events:     events,
	})
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("encoding audit archive: %w", err)
	}

	id, err := s.storage.Store(ctx, data, interfaces.AuditArchiveType)
	if err != nil {
		return id, fmt.Errorf("archiving verification events: %w", err)
	}
	s.log.Info("Archived verification events", "events", len(events), "contentID", id.String())
	return id, nil
}
