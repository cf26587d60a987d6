package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// MemoryRegistry is an in-process interfaces.Registry. It is used by tests and
// by single-node deployments without a database. Records are copied on every
// read and write.
type MemoryRegistry struct {
	mu        sync.RWMutex
	chips     map[interfaces.ChipID]*interfaces.RfidChip
	byUid     map[string]interfaces.ChipID
	orders    map[string]*interfaces.Order
	events    []*interfaces.VerificationEvent
	sequences map[string]int

	now func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		chips:     make(map[interfaces.ChipID]*interfaces.RfidChip),
		byUid:     make(map[string]interfaces.ChipID),
		orders:    make(map[string]*interfaces.Order),
		sequences: make(map[string]int),
		now:       time.Now,
	}
}

func (r *MemoryRegistry) CreateChip(ctx context.Context, chip *interfaces.RfidChip) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.chips[chip.ChipID]; ok {
		return fmt.Errorf("%w: %s", interfaces.ErrChipExists, chip.ChipID)
	}
	if len(chip.Uid) > 0 {
		if _, ok := r.byUid[chip.Uid.String()]; ok {
			return fmt.Errorf("%w: %s", interfaces.ErrUidAlreadyBound, chip.Uid)
		}
	}

	stored := chip.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := r.now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	r.chips[stored.ChipID] = stored
	if len(stored.Uid) > 0 {
		r.byUid[stored.Uid.String()] = stored.ChipID
	}

	chip.ID = stored.ID
	chip.CreatedAt = stored.CreatedAt
	chip.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *MemoryRegistry) GetChip(ctx context.Context, chipID interfaces.ChipID) (*interfaces.RfidChip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chip, ok := r.chips[chipID]
	if !ok {
		return nil, interfaces.ErrChipNotFound
	}
	return chip.Clone(), nil
}

func (r *MemoryRegistry) GetChipByUid(ctx context.Context, uid interfaces.Uid) (*interfaces.RfidChip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chipID, ok := r.byUid[uid.String()]
	if !ok {
		return nil, interfaces.ErrChipNotFound
	}
	return r.chips[chipID].Clone(), nil
}

func (r *MemoryRegistry) NextUnboundChip(ctx context.Context, status interfaces.ChipStatus) (*interfaces.RfidChip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *interfaces.RfidChip
	for _, chip := range r.chips {
		if chip.Status != status || len(chip.Uid) > 0 {
			continue
		}
		if oldest == nil || chip.CreatedAt.Before(oldest.CreatedAt) ||
			(chip.CreatedAt.Equal(oldest.CreatedAt) && chip.ChipID < oldest.ChipID) {
			oldest = chip
		}
	}
	if oldest == nil {
		return nil, interfaces.ErrChipNotFound
	}
	return oldest.Clone(), nil
}

func (r *MemoryRegistry) UpdateChip(ctx context.Context, chipID interfaces.ChipID, fn func(*interfaces.RfidChip) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.chips[chipID]
	if !ok {
		return interfaces.ErrChipNotFound
	}

	updated := current.Clone()
	if err := fn(updated); err != nil {
		return err
	}
	updated.ID = current.ID
	updated.ChipID = current.ChipID
	updated.Status = current.Status
	updated.StatusHistory = current.Clone().StatusHistory
	updated.CreatedAt = current.CreatedAt

	return r.replaceLocked(current, updated)
}

func (r *MemoryRegistry) ApplyTransition(ctx context.Context, chipID interfaces.ChipID, entry interfaces.StatusHistoryEntry, mutate func(*interfaces.RfidChip) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.chips[chipID]
	if !ok {
		return interfaces.ErrChipNotFound
	}
	if current.Status != entry.FromStatus {
		return fmt.Errorf("%w: chip %s is %s, expected %s", interfaces.ErrConcurrentUpdate, chipID, current.Status, entry.FromStatus)
	}

	updated := current.Clone()
	if mutate != nil {
		if err := mutate(updated); err != nil {
			return err
		}
	}
	updated.ID = current.ID
	updated.ChipID = current.ChipID
	updated.CreatedAt = current.CreatedAt
	updated.StatusHistory = append(current.Clone().StatusHistory, entry)
	updated.Status = entry.ToStatus

	return r.replaceLocked(current, updated)
}

func (r *MemoryRegistry) replaceLocked(current, updated *interfaces.RfidChip) error {
	if !updated.Uid.Equal(current.Uid) {
		if len(current.Uid) > 0 {
			return fmt.Errorf("%w: uid of chip %s cannot change once bound", interfaces.ErrUidAlreadyBound, current.ChipID)
		}
		if owner, ok := r.byUid[updated.Uid.String()]; ok && owner != current.ChipID {
			return fmt.Errorf("%w: %s", interfaces.ErrUidAlreadyBound, updated.Uid)
		}
		r.byUid[updated.Uid.String()] = updated.ChipID
	}

	updated.UpdatedAt = r.now().UTC()
	r.chips[updated.ChipID] = updated
	return nil
}

func (r *MemoryRegistry) ListChipsByCustomer(ctx context.Context, customerID string) ([]*interfaces.RfidChip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chips []*interfaces.RfidChip
	for _, chip := range r.chips {
		if chip.CustomerID != nil && *chip.CustomerID == customerID {
			chips = append(chips, chip.Clone())
		}
	}
	sort.Slice(chips, func(i, j int) bool { return chips[i].ChipID < chips[j].ChipID })
	return chips, nil
}

func (r *MemoryRegistry) CountUnassignedStock(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, chip := range r.chips {
		if chip.OrderID == nil && chip.Status.InUnassignedPool() {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRegistry) CountAssignedChips(ctx context.Context, orderID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, chip := range r.chips {
		if chip.OrderID != nil && *chip.OrderID == orderID {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRegistry) NextChipSequence(ctx context.Context, prefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sequences[prefix]++
	return r.sequences[prefix], nil
}

func cloneOrder(o *interfaces.Order) *interfaces.Order {
	cp := *o
	if o.PreparedAt != nil {
		v := *o.PreparedAt
		cp.PreparedAt = &v
	}
	if o.CancelledAt != nil {
		v := *o.CancelledAt
		cp.CancelledAt = &v
	}
	return &cp
}

func (r *MemoryRegistry) CreateOrder(ctx context.Context, order *interfaces.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if _, ok := r.orders[order.ID]; ok {
		return fmt.Errorf("%w: %s", interfaces.ErrOrderExists, order.ID)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = r.now().UTC()
	}
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

func (r *MemoryRegistry) GetOrder(ctx context.Context, orderID string) (*interfaces.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[orderID]
	if !ok {
		return nil, interfaces.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r *MemoryRegistry) UpdateOrder(ctx context.Context, orderID string, fn func(*interfaces.Order) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.orders[orderID]
	if !ok {
		return interfaces.ErrOrderNotFound
	}
	updated := cloneOrder(current)
	if err := fn(updated); err != nil {
		return err
	}
	updated.ID = current.ID
	updated.CreatedAt = current.CreatedAt
	r.orders[orderID] = updated
	return nil
}

func (r *MemoryRegistry) ListReservedOrders(ctx context.Context) ([]*interfaces.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var orders []*interfaces.Order
	for _, order := range r.orders {
		if order.IsStockReserved && !order.Cancelled {
			orders = append(orders, cloneOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (r *MemoryRegistry) RecordVerification(ctx context.Context, event *interfaces.VerificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}
	cp := *event
	cp.Uid = append(interfaces.Uid(nil), event.Uid...)
	r.events = append(r.events, &cp)
	return nil
}

func (r *MemoryRegistry) ListVerifications(ctx context.Context, since time.Time) ([]*interfaces.VerificationEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []*interfaces.VerificationEvent
	for _, e := range r.events {
		if !e.OccurredAt.Before(since) {
			cp := *e
			events = append(events, &cp)
		}
	}
	return events, nil
}
