package mifare

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/ruteri/rfid-tag-provisioning-backend/common"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/kms"
	"github.com/stretchr/testify/require"
)

type testStation struct {
	keys      *kms.ChipKMS
	checksums *cryptoutils.ChecksumService
	encoder   *Encoder
	verifier  *Verifier
	reader    *SimulatedReader
	log       *slog.Logger
}

func newTestStation(t *testing.T) *testStation {
	t.Helper()

	keys, err := kms.NewChipKMS(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	secret, err := keys.ChecksumSecret()
	require.NoError(t, err)
	checksums, err := cryptoutils.NewChecksumService(secret)
	require.NoError(t, err)

	log := common.SetupLogger(&common.LoggingOpts{Debug: true, Service: "mifare-test"})
	return &testStation{
		keys:      keys,
		checksums: checksums,
		encoder:   NewEncoder(NewLocalIssuer(keys, checksums), log),
		verifier:  NewVerifier(keys, checksums, "reader", log),
		reader:    NewSimulatedReader("sim-0"),
		log:       log,
	}
}

func testUid(t *testing.T, raw string) interfaces.Uid {
	t.Helper()
	uid, err := interfaces.NewUidFromHex(raw)
	require.NoError(t, err)
	return uid
}
