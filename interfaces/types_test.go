package interfaces

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChipID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "full block", raw: "LC-2025-10-00042"},
		{name: "short", raw: "LC-1"},
		{name: "empty", raw: "", wantErr: true},
		{name: "too long", raw: "LC-2025-10-000421", wantErr: true},
		{name: "control character", raw: "LC-\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewChipID(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw, id.String())

			block := id.Block()
			assert.Len(t, block, BlockSize)
			assert.Equal(t, id, ChipIDFromBlock(block))
		})
	}
}

func TestNewUidFromHex(t *testing.T) {
	uid, err := NewUidFromHex("04:a2:2b:3c:5d:6e:80")
	require.NoError(t, err)
	assert.Equal(t, "04A22B3C5D6E80", uid.String())

	_, err = NewUidFromHex("0102")
	assert.Error(t, err, "two byte uid must be rejected")

	_, err = NewUidFromHex("zzzzzzzz")
	assert.Error(t, err)
}

func TestChipStatusText(t *testing.T) {
	for _, s := range AllChipStatuses() {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var parsed ChipStatus
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, s, parsed)
	}

	_, err := StatusUnknown.MarshalText()
	assert.Error(t, err)

	_, err = ParseChipStatus("LOST")
	assert.Error(t, err)
}

func TestEncodingParametersJSON(t *testing.T) {
	params := EncodingParameters{
		ChipID:   "LC-2025-10-00001",
		Uid:      Uid{0x04, 0x11, 0x22, 0x33},
		Salt:     Salt{1, 2, 3},
		Checksum: Checksum{9},
		ChipKey:  ChipKey{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5},
	}

	data, err := json.Marshal(params)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"chip_key":"a0a1a2a3a4a5"`)
	assert.Contains(t, string(data), `"uid":"04112233"`)

	var decoded EncodingParameters
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, params, decoded)
}

func TestIsRetryable(t *testing.T) {
	cause := errors.New("rf field lost")
	assert.True(t, IsRetryable(&ChipReadError{Op: "uid", Err: cause}))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", &ChipWriteError{Block: 4, Err: cause})))
	assert.False(t, IsRetryable(&AuthenticationError{Sector: 1, Err: cause}))
	assert.False(t, IsRetryable(&PartialEncodingFailure{ChipID: "LC-1", Err: cause}))
	assert.False(t, IsRetryable(cause))
}
