package interfaces

import (
	"context"
	"time"
)

// ChipStore persists chip records. Status and history are only changed through
// ApplyTransition; UpdateChip discards any change to them.
type ChipStore interface {
	CreateChip(ctx context.Context, chip *RfidChip) error
	GetChip(ctx context.Context, chipID ChipID) (*RfidChip, error)
	GetChipByUid(ctx context.Context, uid Uid) (*RfidChip, error)

	// NextUnboundChip returns the oldest chip in status without a bound uid.
	NextUnboundChip(ctx context.Context, status ChipStatus) (*RfidChip, error)

	// UpdateChip applies fn to the record and persists non-lifecycle fields.
	UpdateChip(ctx context.Context, chipID ChipID, fn func(*RfidChip) error) error

	// ApplyTransition atomically checks that the chip is still in entry.FromStatus,
	// applies mutate, appends entry and sets the status to entry.ToStatus.
	// Returns ErrConcurrentUpdate when the current status differs.
	ApplyTransition(ctx context.Context, chipID ChipID, entry StatusHistoryEntry, mutate func(*RfidChip) error) error

	ListChipsByCustomer(ctx context.Context, customerID string) ([]*RfidChip, error)

	// CountUnassignedStock counts chips without an order whose status is in the pool.
	CountUnassignedStock(ctx context.Context) (int, error)

	// CountAssignedChips counts chips linked to an order.
	CountAssignedChips(ctx context.Context, orderID string) (int, error)

	// NextChipSequence returns the next sequence number for a ChipID prefix, starting at 1.
	NextChipSequence(ctx context.Context, prefix string) (int, error)
}

// OrderStore persists the reservation view of orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	UpdateOrder(ctx context.Context, orderID string, fn func(*Order) error) error

	// ListReservedOrders returns reserved orders that are not cancelled.
	ListReservedOrders(ctx context.Context) ([]*Order, error)
}

// VerificationLog keeps the forensic record of verification attempts.
type VerificationLog interface {
	RecordVerification(ctx context.Context, event *VerificationEvent) error
	ListVerifications(ctx context.Context, since time.Time) ([]*VerificationEvent, error)
}

// Registry is the full persistence surface used by the services.
type Registry interface {
	ChipStore
	OrderStore
	VerificationLog
}
