package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/common"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChip(id string) *interfaces.RfidChip {
	return &interfaces.RfidChip{ChipID: interfaces.ChipID(id), Status: interfaces.StatusEnStock}
}

func strPtr(s string) *string { return &s }

// testRegistryContract exercises behaviour every interfaces.Registry must share.
func testRegistryContract(t *testing.T, newRegistry func(t *testing.T) interfaces.Registry) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		reg := newRegistry(t)
		chip := newChip("LC-2025-10-00001")
		require.NoError(t, reg.CreateChip(ctx, chip))
		assert.NotEmpty(t, chip.ID)

		got, err := reg.GetChip(ctx, chip.ChipID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusEnStock, got.Status)
		assert.False(t, got.IsEncoded())

		err = reg.CreateChip(ctx, newChip("LC-2025-10-00001"))
		assert.ErrorIs(t, err, interfaces.ErrChipExists)

		_, err = reg.GetChip(ctx, "LC-2025-10-09999")
		assert.ErrorIs(t, err, interfaces.ErrChipNotFound)
	})

	t.Run("uid binding is unique", func(t *testing.T) {
		reg := newRegistry(t)
		uid := interfaces.Uid{0x04, 0x11, 0x22, 0x33}
		require.NoError(t, reg.CreateChip(ctx, newChip("LC-2025-10-00001")))
		require.NoError(t, reg.CreateChip(ctx, newChip("LC-2025-10-00002")))

		require.NoError(t, reg.UpdateChip(ctx, "LC-2025-10-00001", func(c *interfaces.RfidChip) error {
			c.Uid = uid
			c.Salt = interfaces.Salt{1}
			c.Checksum = interfaces.Checksum{2}
			return nil
		}))
		got, err := reg.GetChipByUid(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, interfaces.ChipID("LC-2025-10-00001"), got.ChipID)
		assert.True(t, got.IsEncoded())
		assert.Equal(t, interfaces.Salt{1}, got.Salt)

		err = reg.UpdateChip(ctx, "LC-2025-10-00002", func(c *interfaces.RfidChip) error {
			c.Uid = uid
			return nil
		})
		assert.ErrorIs(t, err, interfaces.ErrUidAlreadyBound)

		err = reg.UpdateChip(ctx, "LC-2025-10-00001", func(c *interfaces.RfidChip) error {
			c.Uid = interfaces.Uid{0x04, 0x99, 0x99, 0x99}
			return nil
		})
		assert.ErrorIs(t, err, interfaces.ErrUidAlreadyBound)
	})

	t.Run("update cannot touch lifecycle", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.CreateChip(ctx, newChip("LC-2025-10-00001")))

		require.NoError(t, reg.UpdateChip(ctx, "LC-2025-10-00001", func(c *interfaces.RfidChip) error {
			c.Status = interfaces.StatusActive
			c.PackagingCode = "PK-7"
			return nil
		}))
		got, err := reg.GetChip(ctx, "LC-2025-10-00001")
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusEnStock, got.Status)
		assert.Equal(t, "PK-7", got.PackagingCode)
	})

	t.Run("apply transition compares status", func(t *testing.T) {
		reg := newRegistry(t)
		require.NoError(t, reg.CreateChip(ctx, newChip("LC-2025-10-00001")))

		entry := interfaces.StatusHistoryEntry{
			FromStatus: interfaces.StatusEnStock,
			ToStatus:   interfaces.StatusEnTransit,
			ChangedBy:  "warehouse",
			Timestamp:  time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, reg.ApplyTransition(ctx, "LC-2025-10-00001", entry, nil))

		err := reg.ApplyTransition(ctx, "LC-2025-10-00001", entry, nil)
		assert.ErrorIs(t, err, interfaces.ErrConcurrentUpdate)

		got, err := reg.GetChip(ctx, "LC-2025-10-00001")
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusEnTransit, got.Status)
		require.Len(t, got.StatusHistory, 1)
		assert.Equal(t, "warehouse", got.StatusHistory[0].ChangedBy)
		assert.Equal(t, interfaces.StatusEnStock, got.StatusHistory[0].FromStatus)
	})

	t.Run("stock counters", func(t *testing.T) {
		reg := newRegistry(t)
		for i := 1; i <= 4; i++ {
			require.NoError(t, reg.CreateChip(ctx, newChip(fmt.Sprintf("LC-2025-10-%05d", i))))
		}
		require.NoError(t, reg.UpdateChip(ctx, "LC-2025-10-00001", func(c *interfaces.RfidChip) error {
			c.OrderID = strPtr("order-1")
			c.CustomerID = strPtr("cust-1")
			return nil
		}))

		n, err := reg.CountUnassignedStock(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = reg.CountAssignedChips(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		chips, err := reg.ListChipsByCustomer(ctx, "cust-1")
		require.NoError(t, err)
		require.Len(t, chips, 1)
		assert.Equal(t, interfaces.ChipID("LC-2025-10-00001"), chips[0].ChipID)
	})

	t.Run("next unbound chip", func(t *testing.T) {
		reg := newRegistry(t)
		_, err := reg.NextUnboundChip(ctx, interfaces.StatusEnStock)
		assert.ErrorIs(t, err, interfaces.ErrChipNotFound)

		require.NoError(t, reg.CreateChip(ctx, newChip("LC-2025-10-00001")))
		got, err := reg.NextUnboundChip(ctx, interfaces.StatusEnStock)
		require.NoError(t, err)
		assert.Equal(t, interfaces.ChipID("LC-2025-10-00001"), got.ChipID)
	})

	t.Run("sequences", func(t *testing.T) {
		reg := newRegistry(t)
		for want := 1; want <= 3; want++ {
			got, err := reg.NextChipSequence(ctx, "LC-2025-10-")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
		got, err := reg.NextChipSequence(ctx, "LC-2025-11-")
		require.NoError(t, err)
		assert.Equal(t, 1, got)
	})

	t.Run("orders", func(t *testing.T) {
		reg := newRegistry(t)
		order := &interfaces.Order{ID: "order-1", CustomerID: "cust-1", ChipsQuantity: 10}
		require.NoError(t, reg.CreateOrder(ctx, order))
		assert.ErrorIs(t, reg.CreateOrder(ctx, &interfaces.Order{ID: "order-1"}), interfaces.ErrOrderExists)

		reserved, err := reg.ListReservedOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, reserved)

		require.NoError(t, reg.UpdateOrder(ctx, "order-1", func(o *interfaces.Order) error {
			o.IsStockReserved = true
			return nil
		}))
		reserved, err = reg.ListReservedOrders(ctx)
		require.NoError(t, err)
		require.Len(t, reserved, 1)
		assert.Equal(t, 10, reserved[0].ChipsQuantity)

		_, err = reg.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, interfaces.ErrOrderNotFound)
	})

	t.Run("verification log", func(t *testing.T) {
		reg := newRegistry(t)
		before := time.Now().UTC().Add(-time.Minute)
		require.NoError(t, reg.RecordVerification(ctx, &interfaces.VerificationEvent{
			ChipID:  "LC-2025-10-00001",
			Uid:     interfaces.Uid{0x04, 0x11, 0x22, 0x33},
			Outcome: interfaces.VerifyAuthenticationFailed,
			Source:  "mobile",
			Actor:   "cp-1",
		}))

		events, err := reg.ListVerifications(ctx, before)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, interfaces.VerifyAuthenticationFailed, events[0].Outcome)
		assert.NotEmpty(t, events[0].ID)

		events, err = reg.ListVerifications(ctx, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestMemoryRegistry(t *testing.T) {
	testRegistryContract(t, func(*testing.T) interfaces.Registry { return NewMemoryRegistry() })
}

func TestMemoryRegistry_ReturnsCopies(t *testing.T) {
	reg := NewMemoryRegistry()
	require.NoError(t, reg.CreateChip(context.Background(), newChip("LC-2025-10-00001")))

	got, err := reg.GetChip(context.Background(), "LC-2025-10-00001")
	require.NoError(t, err)
	got.Status = interfaces.StatusArchivee
	got.StatusHistory = append(got.StatusHistory, interfaces.StatusHistoryEntry{})

	again, err := reg.GetChip(context.Background(), "LC-2025-10-00001")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusEnStock, again.Status)
	assert.Empty(t, again.StatusHistory)
}

func TestMemoryRegistry_ConcurrentTransitionsSingleWinner(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.CreateChip(ctx, newChip("LC-2025-10-00001")))

	entry := interfaces.StatusHistoryEntry{FromStatus: interfaces.StatusEnStock, ToStatus: interfaces.StatusEnTransit, ChangedBy: "w"}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.ApplyTransition(ctx, "LC-2025-10-00001", entry, nil) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	got, err := reg.GetChip(ctx, "LC-2025-10-00001")
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, 1)
}

func TestNextChipID(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Date(2025, time.October, 3, 12, 0, 0, 0, time.UTC)

	first, err := NextChipID(context.Background(), reg, now)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ChipID("LC-2025-10-00001"), first)

	second, err := NextChipID(context.Background(), reg, now)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ChipID("LC-2025-10-00002"), second)
	assert.Len(t, second.String(), interfaces.BlockSize)

	nextMonth, err := NextChipID(context.Background(), reg, now.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, interfaces.ChipID("LC-2025-11-00001"), nextMonth)
}

func TestNextChipID_SequenceExhausted(t *testing.T) {
	reg := &MockRegistry{}
	reg.On("NextChipSequence", context.Background(), "LC-2025-10-").Return(100000, nil)

	_, err := NextChipID(context.Background(), reg, time.Date(2025, time.October, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
	reg.AssertExpectations(t)
}

// TestGormRegistry runs against a real MySQL when RFID_TEST_MYSQL_DSN is set.
func TestGormRegistry(t *testing.T) {
	dsn := os.Getenv("RFID_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("RFID_TEST_MYSQL_DSN not set")
	}

	log := common.SetupLogger(&common.LoggingOpts{})
	db, err := OpenMySQL(DBConfig{DSN: dsn}, log)
	require.NoError(t, err)

	testRegistryContract(t, func(t *testing.T) interfaces.Registry {
		for _, table := range []string{"rfid_chip_status_history", "rfid_chips", "rfid_orders", "rfid_verification_events", "rfid_chip_sequences"} {
			require.NoError(t, db.Exec("DELETE FROM "+table).Error)
		}
		return NewGormRegistry(db, log)
	})
}
