package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/metrics"
)

const maxCASAttempts = 3

// Machine is the only writer of chip status. Every change is validated against
// the adjacency table and recorded as one history entry in the same write.
type Machine struct {
	store interfaces.ChipStore
	now   func() time.Time
	log   *slog.Logger
}

func NewMachine(store interfaces.ChipStore, log *slog.Logger) *Machine {
	return &Machine{store: store, now: time.Now, log: log}
}

// Transition moves a chip to status to.
func (m *Machine) Transition(ctx context.Context, chipID interfaces.ChipID, to interfaces.ChipStatus, actor, notes string) (*interfaces.RfidChip, error) {
	return m.TransitionWith(ctx, chipID, to, actor, notes, nil)
}

// TransitionWith moves a chip to status to, applying mutate to the record in the
// same atomic write. Guards see the record after mutate. A rejected transition
// returns *interfaces.InvalidTransitionError and leaves the record untouched.
func (m *Machine) TransitionWith(ctx context.Context, chipID interfaces.ChipID, to interfaces.ChipStatus, actor, notes string, mutate func(*interfaces.RfidChip) error) (*interfaces.RfidChip, error) {
	if actor == "" {
		return nil, errors.New("transition requires an actor")
	}

	for attempt := 1; ; attempt++ {
		chip, err := m.store.GetChip(ctx, chipID)
		if err != nil {
			return nil, err
		}

		from := chip.Status
		e, ok := findEdge(from, to)
		if !ok {
			return nil, m.reject(chipID, from, to, actor, adjacencyRule(from, to))
		}

		entry := interfaces.StatusHistoryEntry{
			FromStatus: from,
			ToStatus:   to,
			ChangedBy:  actor,
			Timestamp:  m.now().UTC(),
			Notes:      notes,
		}
		err = m.store.ApplyTransition(ctx, chipID, entry, func(c *interfaces.RfidChip) error {
			if mutate != nil {
				if err := mutate(c); err != nil {
					return err
				}
			}
			if e.guard != nil {
				if rule := e.guard(c, notes); rule != "" {
					return m.reject(chipID, from, to, actor, rule)
				}
			}
			return nil
		})
		if errors.Is(err, interfaces.ErrConcurrentUpdate) && attempt < maxCASAttempts {
			m.log.Debug("Chip changed during transition, retrying", "chipID", chipID.String(), "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.LifecycleTransitions.WithLabelValues(to.String()).Inc()
		m.log.Info("Chip status changed",
			"chipID", chipID.String(),
			"from", from.String(),
			"to", to.String(),
			"actor", actor)
		return m.store.GetChip(ctx, chipID)
	}
}

func (m *Machine) reject(chipID interfaces.ChipID, from, to interfaces.ChipStatus, actor, rule string) error {
	m.log.Warn("Transition rejected",
		"chipID", chipID.String(),
		"from", from.String(),
		"to", to.String(),
		"actor", actor,
		"rule", rule)
	return &interfaces.InvalidTransitionError{ChipID: chipID, From: from, To: to, Rule: rule}
}

// History returns the status history of a chip, oldest first.
func (m *Machine) History(ctx context.Context, chipID interfaces.ChipID) ([]interfaces.StatusHistoryEntry, error) {
	chip, err := m.store.GetChip(ctx, chipID)
	if err != nil {
		return nil, fmt.Errorf("loading chip %s: %w", chipID, err)
	}
	return chip.StatusHistory, nil
}
