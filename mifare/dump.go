package mifare

import (
	"encoding/hex"
	"fmt"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// CardDump is the full memory image of a simulated tag, trailers included.
// The station CLI persists it between runs of its simulated reader.
type CardDump struct {
	Uid    interfaces.Uid `json:"uid"`
	Blocks []string       `json:"blocks"`
}

func (c *SimulatedCard) Dump() CardDump {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := CardDump{Uid: c.Uid(), Blocks: make([]string, BlockCount)}
	for i := range c.blocks {
		d.Blocks[i] = hex.EncodeToString(c.blocks[i][:])
	}
	return d
}

// LoadSimulatedCard restores a tag from a dump.
func LoadSimulatedCard(d CardDump) (*SimulatedCard, error) {
	if len(d.Blocks) != BlockCount {
		return nil, fmt.Errorf("card dump has %d blocks, expected %d", len(d.Blocks), BlockCount)
	}

	card := NewSimulatedCard(d.Uid)
	for i, raw := range d.Blocks {
		block, err := hex.DecodeString(raw)
		if err != nil || len(block) != interfaces.BlockSize {
			return nil, fmt.Errorf("invalid block %d in card dump", i)
		}
		copy(card.blocks[i][:], block)
	}
	return card, nil
}
