package mifare

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// IdentityIssuer provides the identity material for a blank tag. chipID may be
// empty when the issuer assigns identifiers itself.
type IdentityIssuer interface {
	IssueIdentity(ctx context.Context, uid interfaces.Uid, chipID interfaces.ChipID) (*interfaces.EncodingParameters, error)
}

// LocalIssuer issues identity material on the station itself. It requires the
// master secret to be present locally.
type LocalIssuer struct {
	keys      interfaces.ChipKeyDeriver
	checksums interfaces.ChecksumComputer
}

func NewLocalIssuer(keys interfaces.ChipKeyDeriver, checksums interfaces.ChecksumComputer) *LocalIssuer {
	return &LocalIssuer{keys: keys, checksums: checksums}
}

func (i *LocalIssuer) IssueIdentity(ctx context.Context, uid interfaces.Uid, chipID interfaces.ChipID) (*interfaces.EncodingParameters, error) {
	if chipID == "" {
		return nil, errors.New("local issuer requires a chip id")
	}

	key, err := i.keys.DeriveChipKey(chipID)
	if err != nil {
		return nil, fmt.Errorf("deriving chip key: %w", err)
	}

	salt, err := i.checksums.GenerateSalt()
	if err != nil {
		return nil, err
	}

	return &interfaces.EncodingParameters{
		ChipID:   chipID,
		Uid:      uid,
		Salt:     salt,
		Checksum: i.checksums.ComputeChecksum(uid, salt, chipID),
		ChipKey:  key,
	}, nil
}
