package stock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/lifecycle"
	"github.com/ruteri/rfid-tag-provisioning-backend/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedStock(t *testing.T, reg *registry.MemoryRegistry, n int, status interfaces.ChipStatus) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, reg.CreateChip(context.Background(), &interfaces.RfidChip{
			ChipID: interfaces.ChipID(fmt.Sprintf("LC-%s-%05d", status.String()[:2], i+1)),
			Status: status,
		}))
	}
}

func newTestLedger(t *testing.T, stock int) (*Ledger, *registry.MemoryRegistry) {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	seedStock(t, reg, stock, interfaces.StatusEnStock)
	return NewLedger(reg, reg, NewMutexLocker(), discardLogger()), reg
}

func createOrder(t *testing.T, l *Ledger, id string, qty int) {
	t.Helper()
	require.NoError(t, l.CreateOrder(context.Background(), &interfaces.Order{ID: id, CustomerID: "cust-1", ChipsQuantity: qty}))
}

func TestReserveStock_ExhaustsPool(t *testing.T) {
	l, reg := newTestLedger(t, 10)
	ctx := context.Background()
	createOrder(t, l, "order-1", 10)
	createOrder(t, l, "order-2", 1)

	order, err := l.ReserveStock(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, order.IsStockReserved)
	assert.NotNil(t, order.PreparedAt)

	_, err = l.ReserveStock(ctx, "order-2")
	var insufficient *interfaces.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0, insufficient.Available)
	assert.Equal(t, 1, insufficient.Requested)
	assert.EqualError(t, err, "insufficient stock: available=0, requested=1")

	second, err := reg.GetOrder(ctx, "order-2")
	require.NoError(t, err)
	assert.False(t, second.IsStockReserved)
}

func TestReserveStock_RejectedLeavesOrderUntouched(t *testing.T) {
	l, reg := newTestLedger(t, 3)
	ctx := context.Background()
	createOrder(t, l, "big", 5)

	_, err := l.ReserveStock(ctx, "big")
	var insufficient *interfaces.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Available)
	assert.Equal(t, 5, insufficient.Requested)

	order, err := reg.GetOrder(ctx, "big")
	require.NoError(t, err)
	assert.False(t, order.IsStockReserved)
	assert.Nil(t, order.PreparedAt)

	available, err := l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, available)
}

func TestReserveStock_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t, 5)
	ctx := context.Background()
	createOrder(t, l, "order-1", 5)

	first, err := l.ReserveStock(ctx, "order-1")
	require.NoError(t, err)
	again, err := l.ReserveStock(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, first.PreparedAt, again.PreparedAt)

	available, err := l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, available)
}

func TestReserveStock_ConcurrentSingleWinner(t *testing.T) {
	l, _ := newTestLedger(t, 10)
	ctx := context.Background()

	const contenders = 8
	for i := 0; i < contenders; i++ {
		createOrder(t, l, fmt.Sprintf("order-%d", i), 6)
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
	)
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := l.ReserveStock(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			var insufficientErr *interfaces.InsufficientStockError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &insufficientErr):
				insufficient++
			}
		}(fmt.Sprintf("order-%d", i))
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, contenders-1, insufficient)

	available, err := l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, available)
}

func TestReleaseReservation(t *testing.T) {
	l, _ := newTestLedger(t, 4)
	ctx := context.Background()
	createOrder(t, l, "order-1", 4)

	_, err := l.ReserveStock(ctx, "order-1")
	require.NoError(t, err)

	require.NoError(t, l.ReleaseReservation(ctx, "order-1"))
	require.NoError(t, l.ReleaseReservation(ctx, "order-1"))

	available, err := l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, available)

	assert.ErrorIs(t, l.ReleaseReservation(ctx, "missing"), interfaces.ErrOrderNotFound)
}

func TestAssignChip_ReconcilesOnCompletion(t *testing.T) {
	l, reg := newTestLedger(t, 5)
	ctx := context.Background()
	createOrder(t, l, "order-1", 2)

	_, err := l.ReserveStock(ctx, "order-1")
	require.NoError(t, err)

	available, err := l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, available)

	require.NoError(t, l.AssignChip(ctx, "order-1", "LC-EN-00001"))
	order, err := reg.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, order.IsStockReserved)

	// one chip assigned and one still promised leaves availability unchanged
	available, err = l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, available)

	require.NoError(t, l.AssignChip(ctx, "order-1", "LC-EN-00002"))
	order, err = reg.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, order.IsStockReserved)

	chip, err := reg.GetChip(ctx, "LC-EN-00002")
	require.NoError(t, err)
	assert.Equal(t, "order-1", *chip.OrderID)
	assert.Equal(t, "cust-1", *chip.CustomerID)
	assert.Equal(t, interfaces.StatusEnStock, chip.Status)

	available, err = l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, available)

	cleared, err := l.ReconcileCompletion(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, cleared, "already cleared")

	assert.Error(t, l.AssignChip(ctx, "order-1", "LC-EN-00003"), "order is complete")
}

func TestAssignChip_RespectsOtherPromises(t *testing.T) {
	l, _ := newTestLedger(t, 2)
	ctx := context.Background()
	createOrder(t, l, "reserved", 2)
	createOrder(t, l, "latecomer", 1)

	_, err := l.ReserveStock(ctx, "reserved")
	require.NoError(t, err)

	err = l.AssignChip(ctx, "latecomer", "LC-EN-00001")
	var insufficient *interfaces.InsufficientStockError
	assert.ErrorAs(t, err, &insufficient)

	require.NoError(t, l.AssignChip(ctx, "reserved", "LC-EN-00001"))
	assert.Error(t, l.AssignChip(ctx, "reserved", "LC-EN-00001"), "chip already assigned")
}

func TestPoolExcludesDeliveredChips(t *testing.T) {
	l, reg := newTestLedger(t, 2)
	seedStock(t, reg, 3, interfaces.StatusLivree)
	seedStock(t, reg, 1, interfaces.StatusInactive)

	available, err := l.Available(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, available)

	createOrder(t, l, "order-1", 1)
	err = l.AssignChip(context.Background(), "order-1", "LC-LI-00001")
	assert.ErrorContains(t, err, "not in stock")
}

func TestReservedChipCannotLeavePoolThroughLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	seedStock(t, reg, 1, interfaces.StatusInactive)
	l := NewLedger(reg, reg, NewMutexLocker(), discardLogger())
	createOrder(t, l, "order-1", 1)

	_, err := l.ReserveStock(ctx, "order-1")
	require.NoError(t, err)

	machine := lifecycle.NewMachine(reg, discardLogger())
	_, err = machine.Transition(ctx, "LC-IN-00001", interfaces.StatusRetourSAV, "sav", "")
	var invalid *interfaces.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)

	chip, err := reg.GetChip(ctx, "LC-IN-00001")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusInactive, chip.Status)

	available, err := l.Available(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, available, 0)
}

func TestCancelOrder(t *testing.T) {
	l, reg := newTestLedger(t, 3)
	ctx := context.Background()
	createOrder(t, l, "order-1", 3)

	_, err := l.ReserveStock(ctx, "order-1")
	require.NoError(t, err)
	require.NoError(t, l.CancelOrder(ctx, "order-1"))
	require.NoError(t, l.CancelOrder(ctx, "order-1"))

	order, err := reg.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.True(t, order.Cancelled)
	assert.False(t, order.IsStockReserved)
	assert.NotNil(t, order.CancelledAt)

	_, err = l.ReserveStock(ctx, "order-1")
	assert.ErrorIs(t, err, interfaces.ErrOrderCancelled)

	available, err := l.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, available)
}

func TestCreateOrder_Validation(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	assert.Error(t, l.CreateOrder(context.Background(), &interfaces.Order{ID: "o", CustomerID: "c"}))
	assert.Error(t, l.CreateOrder(context.Background(), &interfaces.Order{ID: "o", ChipsQuantity: 1}))
}

func TestMutexLocker_RespectsContext(t *testing.T) {
	locker := NewMutexLocker()
	unlock, err := locker.Lock(context.Background(), LockKey)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, LockKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := locker.Lock(context.Background(), LockKey)
	require.NoError(t, err)
	unlock2()
}

// TestRedisLocker runs against a real Redis when RFID_TEST_REDIS_ADDR is set.
func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("RFID_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RFID_TEST_REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	locker := NewRedisLocker(rdb, 5*time.Second, discardLogger())
	key := fmt.Sprintf("rfid:test:%d", time.Now().UnixNano())

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)
	assert.Error(t, err)

	unlock()
	unlock, err = locker.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock()

	reg := registry.NewMemoryRegistry()
	seedStock(t, reg, 10, interfaces.StatusEnStock)
	l := NewLedger(reg, reg, locker, discardLogger())
	createOrder(t, l, "order-1", 10)
	_, err = l.ReserveStock(context.Background(), "order-1")
	require.NoError(t, err)
}
