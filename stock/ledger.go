package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/metrics"
)

// LockKey is the single lock guarding the shared stock pool.
const LockKey = "rfid:stock:ledger"

// Ledger keeps promises to orders within the physical stock. Every
// check-and-commit runs under the Locker so concurrent preparations cannot both
// observe the same availability.
type Ledger struct {
	chips  interfaces.ChipStore
	orders interfaces.OrderStore
	locker Locker
	now    func() time.Time
	log    *slog.Logger
}

func NewLedger(chips interfaces.ChipStore, orders interfaces.OrderStore, locker Locker, log *slog.Logger) *Ledger {
	return &Ledger{chips: chips, orders: orders, locker: locker, now: time.Now, log: log}
}

func (l *Ledger) withLock(ctx context.Context, fn func() error) error {
	unlock, err := l.locker.Lock(ctx, LockKey)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func outstanding(order *interfaces.Order, assigned int) int {
	return max(order.ChipsQuantity-assigned, 0)
}

// availableLocked computes the unassigned pool minus the outstanding quantity
// of every reserved, non-cancelled order.
func (l *Ledger) availableLocked(ctx context.Context) (int, error) {
	pool, err := l.chips.CountUnassignedStock(ctx)
	if err != nil {
		return 0, fmt.Errorf("counting stock: %w", err)
	}

	reserved, err := l.orders.ListReservedOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing reservations: %w", err)
	}

	promised := 0
	for _, order := range reserved {
		assigned, err := l.chips.CountAssignedChips(ctx, order.ID)
		if err != nil {
			return 0, fmt.Errorf("counting chips of order %s: %w", order.ID, err)
		}
		promised += outstanding(order, assigned)
	}
	return pool - promised, nil
}

// Available returns the number of chips that can still be promised.
func (l *Ledger) Available(ctx context.Context) (int, error) {
	var available int
	err := l.withLock(ctx, func() (err error) {
		available, err = l.availableLocked(ctx)
		return err
	})
	return available, err
}

// CreateOrder registers the reservation view of a customer order.
func (l *Ledger) CreateOrder(ctx context.Context, order *interfaces.Order) error {
	if order.ChipsQuantity <= 0 {
		return fmt.Errorf("order quantity must be positive, got %d", order.ChipsQuantity)
	}
	if order.CustomerID == "" {
		return errors.New("order requires a customer")
	}
	order.IsStockReserved = false
	order.Cancelled = false
	return l.orders.CreateOrder(ctx, order)
}

func (l *Ledger) Order(ctx context.Context, orderID string) (*interfaces.Order, error) {
	return l.orders.GetOrder(ctx, orderID)
}

// ReserveStock promises the order's outstanding quantity. It fails with
// *interfaces.InsufficientStockError without writing anything when the pool
// cannot cover it. Reserving a reserved order is a no-op.
func (l *Ledger) ReserveStock(ctx context.Context, orderID string) (*interfaces.Order, error) {
	var result *interfaces.Order
	err := l.withLock(ctx, func() error {
		order, err := l.orders.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Cancelled {
			return fmt.Errorf("%w: %s", interfaces.ErrOrderCancelled, orderID)
		}
		if order.IsStockReserved {
			result = order
			return nil
		}

		assigned, err := l.chips.CountAssignedChips(ctx, orderID)
		if err != nil {
			return err
		}
		requested := outstanding(order, assigned)

		available, err := l.availableLocked(ctx)
		if err != nil {
			return err
		}
		if available < requested {
			return &interfaces.InsufficientStockError{Available: max(available, 0), Requested: requested}
		}

		preparedAt := l.now().UTC()
		err = l.orders.UpdateOrder(ctx, orderID, func(o *interfaces.Order) error {
			o.IsStockReserved = true
			o.PreparedAt = &preparedAt
			return nil
		})
		if err != nil {
			return err
		}
		order.IsStockReserved = true
		order.PreparedAt = &preparedAt
		result = order

		l.log.Info("Stock reserved", "orderID", orderID, "requested", requested, "available", available)
		return nil
	})

	var insufficient *interfaces.InsufficientStockError
	switch {
	case err == nil:
		metrics.StockReservations.WithLabelValues("reserved").Inc()
	case errors.As(err, &insufficient):
		metrics.StockReservations.WithLabelValues("insufficient").Inc()
		l.log.Warn("Stock reservation rejected", "orderID", orderID, "available", insufficient.Available, "requested", insufficient.Requested)
	default:
		metrics.StockReservations.WithLabelValues("error").Inc()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReleaseReservation drops the order's promise. Releasing twice is a no-op.
func (l *Ledger) ReleaseReservation(ctx context.Context, orderID string) error {
	return l.withLock(ctx, func() error {
		return l.releaseLocked(ctx, orderID)
	})
}

func (l *Ledger) releaseLocked(ctx context.Context, orderID string) error {
	released := false
	err := l.orders.UpdateOrder(ctx, orderID, func(o *interfaces.Order) error {
		released = o.IsStockReserved
		o.IsStockReserved = false
		return nil
	})
	if err == nil && released {
		l.log.Info("Stock reservation released", "orderID", orderID)
	}
	return err
}

// ReconcileCompletion clears the reservation once the order has all its chips
// assigned. It reports whether the reservation was cleared.
func (l *Ledger) ReconcileCompletion(ctx context.Context, orderID string) (bool, error) {
	var cleared bool
	err := l.withLock(ctx, func() (err error) {
		cleared, err = l.reconcileLocked(ctx, orderID)
		return err
	})
	return cleared, err
}

func (l *Ledger) reconcileLocked(ctx context.Context, orderID string) (bool, error) {
	order, err := l.orders.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !order.IsStockReserved {
		return false, nil
	}

	assigned, err := l.chips.CountAssignedChips(ctx, orderID)
	if err != nil {
		return false, err
	}
	if assigned < order.ChipsQuantity {
		return false, nil
	}

	if err := l.releaseLocked(ctx, orderID); err != nil {
		return false, err
	}
	l.log.Info("Order fully assigned, reservation cleared", "orderID", orderID, "assigned", assigned)
	return true, nil
}

// AssignChip links a chip from the unassigned pool to the order and its
// customer, then reconciles the order. Status is left to the lifecycle.
func (l *Ledger) AssignChip(ctx context.Context, orderID string, chipID interfaces.ChipID) error {
	return l.withLock(ctx, func() error {
		order, err := l.orders.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Cancelled {
			return fmt.Errorf("%w: %s", interfaces.ErrOrderCancelled, orderID)
		}

		assigned, err := l.chips.CountAssignedChips(ctx, orderID)
		if err != nil {
			return err
		}
		if assigned >= order.ChipsQuantity {
			return fmt.Errorf("order %s already has its %d chips", orderID, order.ChipsQuantity)
		}

		// an unreserved order must not consume chips promised to others
		if !order.IsStockReserved {
			available, err := l.availableLocked(ctx)
			if err != nil {
				return err
			}
			if available < 1 {
				return &interfaces.InsufficientStockError{Available: max(available, 0), Requested: 1}
			}
		}

		err = l.chips.UpdateChip(ctx, chipID, func(c *interfaces.RfidChip) error {
			if c.OrderID != nil {
				return fmt.Errorf("chip %s already assigned to order %s", chipID, *c.OrderID)
			}
			if !c.Status.InUnassignedPool() {
				return fmt.Errorf("chip %s in status %s is not in stock", chipID, c.Status)
			}
			orderRef, customer := order.ID, order.CustomerID
			c.OrderID = &orderRef
			c.CustomerID = &customer
			return nil
		})
		if err != nil {
			return err
		}
		l.log.Info("Chip assigned", "orderID", orderID, "chipID", chipID.String())

		_, err = l.reconcileLocked(ctx, orderID)
		return err
	})
}

// CancelOrder releases the reservation and marks the order cancelled.
func (l *Ledger) CancelOrder(ctx context.Context, orderID string) error {
	return l.withLock(ctx, func() error {
		cancelledAt := l.now().UTC()
		return l.orders.UpdateOrder(ctx, orderID, func(o *interfaces.Order) error {
			if o.Cancelled {
				return nil
			}
			o.IsStockReserved = false
			o.Cancelled = true
			o.CancelledAt = &cancelledAt
			return nil
		})
	})
}
