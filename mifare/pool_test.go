package mifare

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/common"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestReaderPool_AcquireRelease(t *testing.T) {
	log := common.SetupLogger(&common.LoggingOpts{})
	pool := NewReaderPool(log, NewSimulatedReader("a"), NewSimulatedReader("b"))
	require.Equal(t, 2, pool.Size())

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Reader().Name(), second.Reader().Name())
	assert.Equal(t, 2, pool.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	first.Release()
	first.Release()
	assert.Equal(t, 1, pool.InUse())

	third, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Reader().Name(), third.Reader().Name())

	second.Release()
	third.Release()
	assert.Equal(t, 0, pool.InUse())
}

func TestReaderPool_Empty(t *testing.T) {
	pool := NewReaderPool(common.SetupLogger(&common.LoggingOpts{}))
	_, err := pool.Acquire(context.Background())
	assert.Error(t, err)
}

func TestReaderPool_ExclusiveUse(t *testing.T) {
	pool := NewReaderPool(common.SetupLogger(&common.LoggingOpts{}), NewSimulatedReader("only"))

	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.WithReader(context.Background(), func(r interfaces.Reader) error {
				n := active.Inc()
				for {
					seen := maxSeen.Load()
					if n <= seen || maxSeen.CompareAndSwap(seen, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Dec()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, 0, pool.InUse())
}

func TestReaderPool_ReleasedOnPanic(t *testing.T) {
	pool := NewReaderPool(common.SetupLogger(&common.LoggingOpts{}), NewSimulatedReader("only"))

	assert.Panics(t, func() {
		_ = pool.WithReader(context.Background(), func(interfaces.Reader) error {
			panic("reader exploded")
		})
	})
	assert.Equal(t, 0, pool.InUse())
}
