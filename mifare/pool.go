package mifare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/metrics"
	"go.uber.org/atomic"
)

// ReaderPool hands out exclusive leases on physical readers. A reader belongs
// to at most one encode or verify call at a time.
type ReaderPool struct {
	readers chan interfaces.Reader
	size    int
	inUse   atomic.Int32
	log     *slog.Logger
}

func NewReaderPool(log *slog.Logger, readers ...interfaces.Reader) *ReaderPool {
	p := &ReaderPool{
		readers: make(chan interfaces.Reader, len(readers)),
		size:    len(readers),
		log:     log,
	}
	for _, r := range readers {
		p.readers <- r
	}
	return p
}

// Lease is an exclusive hold on one reader. Release is idempotent.
type Lease struct {
	reader   interfaces.Reader
	pool     *ReaderPool
	released atomic.Bool
}

func (l *Lease) Reader() interfaces.Reader {
	return l.reader
}

func (l *Lease) Release() {
	if l == nil || l.released.Swap(true) {
		return
	}
	l.pool.inUse.Dec()
	metrics.ReadersInUse.Dec()
	l.pool.readers <- l.reader
	l.pool.log.Debug("Reader released", "reader", l.reader.Name())
}

// Acquire waits for a free reader until ctx is done.
func (p *ReaderPool) Acquire(ctx context.Context) (*Lease, error) {
	if p.size == 0 {
		return nil, errors.New("reader pool is empty")
	}

	select {
	case r := <-p.readers:
		p.inUse.Inc()
		metrics.ReadersInUse.Inc()
		p.log.Debug("Reader acquired", "reader", r.Name())
		return &Lease{reader: r, pool: p}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a free reader: %w", ctx.Err())
	}
}

// WithReader runs fn with an exclusively leased reader and releases it on every
// exit path, including panics.
func (p *ReaderPool) WithReader(ctx context.Context, fn func(interfaces.Reader) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn(lease.Reader())
}

func (p *ReaderPool) InUse() int { return int(p.inUse.Load()) }

func (p *ReaderPool) Size() int { return p.size }
