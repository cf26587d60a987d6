package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// ChipIDPrefix is the fixed leading part of every issued chip id.
const ChipIDPrefix = "LC"

const maxChipSequence = 99999

// NextChipID issues the next chip id for the month of now, e.g. LC-2025-10-00042.
func NextChipID(ctx context.Context, store interfaces.ChipStore, now time.Time) (interfaces.ChipID, error) {
	prefix := fmt.Sprintf("%s-%04d-%02d-", ChipIDPrefix, now.Year(), int(now.Month()))

	seq, err := store.NextChipSequence(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("allocating chip sequence: %w", err)
	}
	if seq < 1 || seq > maxChipSequence {
		return "", fmt.Errorf("chip sequence %d for %s out of range", seq, prefix)
	}
	return interfaces.NewChipID(fmt.Sprintf("%s%05d", prefix, seq))
}
