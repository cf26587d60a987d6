package mifare

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// SimulatedCard is an in-memory Mifare Classic 1K tag. It enforces sector keys
// and the access conditions used by the protocol, and supports fault injection.
type SimulatedCard struct {
	mu          sync.Mutex
	uid         interfaces.Uid
	blocks      [BlockCount][interfaces.BlockSize]byte
	readFaults  map[int]error
	writeFaults map[int]error
	writes      int
}

// NewSimulatedCard returns a blank tag in transport configuration.
func NewSimulatedCard(uid interfaces.Uid) *SimulatedCard {
	c := &SimulatedCard{
		uid:         append(interfaces.Uid(nil), uid...),
		readFaults:  make(map[int]error),
		writeFaults: make(map[int]error),
	}
	copy(c.blocks[0][:], uid)
	for sector := 0; sector < SectorCount; sector++ {
		copy(c.blocks[TrailerOf(sector)][:], TrailerBlock(interfaces.DefaultKey, interfaces.DefaultKey, TransportConditions))
	}
	return c
}

func (c *SimulatedCard) Uid() interfaces.Uid {
	return append(interfaces.Uid(nil), c.uid...)
}

// FailWrite makes every write to block fail with err until cleared with a nil err.
func (c *SimulatedCard) FailWrite(block int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.writeFaults, block)
		return
	}
	c.writeFaults[block] = err
}

// FailRead makes every read of block fail with err until cleared with a nil err.
func (c *SimulatedCard) FailRead(block int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.readFaults, block)
		return
	}
	c.readFaults[block] = err
}

// RawBlock returns a block bypassing access control.
func (c *SimulatedCard) RawBlock(block int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.blocks[block][:]...)
}

// SetRawBlock overwrites a block bypassing access control, e.g. to simulate tampering.
func (c *SimulatedCard) SetRawBlock(block int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.blocks[block][:], data)
}

// Writes returns the number of successful block writes.
func (c *SimulatedCard) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Clone copies what an attacker can read from the tag with the factory key
// onto a blank "magic" tag with the same uid. Sectors locked with a derived key
// cannot be read and stay blank on the copy.
func (c *SimulatedCard) Clone() *SimulatedCard {
	c.mu.Lock()
	defer c.mu.Unlock()

	clone := NewSimulatedCard(c.uid)
	for sector := 0; sector < SectorCount; sector++ {
		roles, err := c.rolesLocked(sector, interfaces.DefaultKey)
		if err != nil {
			continue
		}
		for block := sector * BlocksPerSector; block < TrailerOf(sector); block++ {
			if c.canReadLocked(block, roles) {
				clone.blocks[block] = c.blocks[block]
			}
		}
	}
	return clone
}

type keyRoles struct{ a, b bool }

func (c *SimulatedCard) rolesLocked(sector int, key interfaces.ChipKey) (keyRoles, error) {
	keyA, keyB, _, err := ParseTrailer(c.blocks[TrailerOf(sector)][:])
	if err != nil {
		return keyRoles{}, err
	}
	roles := keyRoles{a: keyA == key, b: keyB == key}
	if !roles.a && !roles.b {
		return roles, errors.New("key rejected")
	}
	return roles, nil
}

func (c *SimulatedCard) conditionsLocked(block int) AccessConditions {
	_, _, ac, _ := ParseTrailer(c.blocks[TrailerOf(SectorOf(block))][:])
	return ac
}

func (c *SimulatedCard) canReadLocked(block int, roles keyRoles) bool {
	if IsTrailer(block) {
		return false
	}
	switch c.conditionsLocked(block)[block%BlocksPerSector] {
	case 0b000, 0b010, 0b100, 0b110, 0b001:
		return roles.a || roles.b
	case 0b011, 0b101:
		return roles.b
	default:
		return false
	}
}

func (c *SimulatedCard) canWriteLocked(block int, roles keyRoles) bool {
	cond := c.conditionsLocked(block)[block%BlocksPerSector]
	if IsTrailer(block) {
		// writing a full trailer requires write access to the access bits
		switch cond {
		case 0b001:
			return roles.a
		case 0b011, 0b101:
			return roles.b
		default:
			return false
		}
	}
	switch cond {
	case 0b000:
		return roles.a || roles.b
	case 0b100, 0b110, 0b011:
		return roles.b
	default:
		return false
	}
}

// SimulatedReader is an interfaces.Reader backed by SimulatedCard. A card is
// placed in the field with Present and taken away with Remove.
type SimulatedReader struct {
	mu      sync.Mutex
	name    string
	card    *SimulatedCard
	arrived chan struct{}
}

func NewSimulatedReader(name string) *SimulatedReader {
	return &SimulatedReader{name: name, arrived: make(chan struct{})}
}

func (r *SimulatedReader) Present(card *SimulatedCard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = card
	close(r.arrived)
	r.arrived = make(chan struct{})
}

func (r *SimulatedReader) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = nil
}

func (r *SimulatedReader) Name() string { return r.name }

func (r *SimulatedReader) current() (*SimulatedCard, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return nil, interfaces.ErrNoCard
	}
	return r.card, nil
}

func (r *SimulatedReader) ReadUid(ctx context.Context) (interfaces.Uid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	card, err := r.current()
	if err != nil {
		return nil, err
	}
	return card.Uid(), nil
}

func (r *SimulatedReader) Authenticate(ctx context.Context, block int, key interfaces.ChipKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if block < 0 || block >= BlockCount {
		return fmt.Errorf("block %d out of range", block)
	}
	card, err := r.current()
	if err != nil {
		return err
	}

	card.mu.Lock()
	defer card.mu.Unlock()
	if _, err := card.rolesLocked(SectorOf(block), key); err != nil {
		return &interfaces.AuthenticationError{Sector: SectorOf(block), Err: err}
	}
	return nil
}

func (r *SimulatedReader) ReadBlock(ctx context.Context, block int, key interfaces.ChipKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if block < 0 || block >= BlockCount {
		return nil, fmt.Errorf("block %d out of range", block)
	}
	card, err := r.current()
	if err != nil {
		return nil, err
	}

	card.mu.Lock()
	defer card.mu.Unlock()

	roles, err := card.rolesLocked(SectorOf(block), key)
	if err != nil {
		return nil, &interfaces.AuthenticationError{Sector: SectorOf(block), Err: err}
	}
	if fault := card.readFaults[block]; fault != nil {
		return nil, fault
	}
	if !card.canReadLocked(block, roles) {
		return nil, fmt.Errorf("read of block %d not permitted by access bits", block)
	}
	return append([]byte(nil), card.blocks[block][:]...), nil
}

func (r *SimulatedReader) WriteBlock(ctx context.Context, block int, data []byte, key interfaces.ChipKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if block <= 0 || block >= BlockCount {
		return fmt.Errorf("block %d is not writable", block)
	}
	if len(data) != interfaces.BlockSize {
		return fmt.Errorf("invalid block length %d", len(data))
	}
	card, err := r.current()
	if err != nil {
		return err
	}

	card.mu.Lock()
	defer card.mu.Unlock()

	roles, err := card.rolesLocked(SectorOf(block), key)
	if err != nil {
		return &interfaces.AuthenticationError{Sector: SectorOf(block), Err: err}
	}
	if fault := card.writeFaults[block]; fault != nil {
		return fault
	}
	if !card.canWriteLocked(block, roles) {
		return fmt.Errorf("write of block %d not permitted by access bits", block)
	}
	if IsTrailer(block) {
		var access [4]byte
		copy(access[:], data[6:10])
		if _, err := DecodeAccessBits(access); err != nil {
			return fmt.Errorf("refusing trailer write: %w", err)
		}
	}

	copy(card.blocks[block][:], data)
	card.writes++
	return nil
}

func (r *SimulatedReader) WaitForCard(ctx context.Context, timeout time.Duration) error {
	r.mu.Lock()
	if r.card != nil {
		r.mu.Unlock()
		return nil
	}
	arrived := r.arrived
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-arrived:
		return nil
	case <-timer.C:
		return interfaces.ErrNoCard
	case <-ctx.Done():
		return ctx.Err()
	}
}
