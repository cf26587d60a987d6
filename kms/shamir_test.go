package kms

import (
	"testing"

	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdmin struct {
	priv []byte
	pub  []byte
}

func newTestAdmins(t *testing.T, n int) ([]testAdmin, [][]byte) {
	admins := make([]testAdmin, n)
	pubs := make([][]byte, n)
	for i := range admins {
		priv, pub, err := cryptoutils.GenerateAdminKeyPair()
		require.NoError(t, err)
		admins[i] = testAdmin{priv: priv, pub: pub}
		pubs[i] = pub
	}
	return admins, pubs
}

func TestNewShamirKMS_Validation(t *testing.T) {
	_, pubs := newTestAdmins(t, 3)
	secret := testMasterSecret(4)

	k, shares, err := NewShamirKMS(secret, ShamirConfig{Threshold: 2, AdminPubKeys: pubs})
	require.NoError(t, err)
	assert.Len(t, shares, 3)
	assert.True(t, k.IsUnlocked())

	_, _, err = NewShamirKMS(secret, ShamirConfig{Threshold: 4, AdminPubKeys: pubs})
	assert.Error(t, err, "threshold above share count")

	_, _, err = NewShamirKMS(secret, ShamirConfig{Threshold: 1, AdminPubKeys: pubs})
	assert.Error(t, err, "threshold below 2")

	_, _, err = NewShamirKMS([]byte("short"), ShamirConfig{Threshold: 2, AdminPubKeys: pubs})
	assert.Error(t, err, "short master secret")

	_, _, err = NewShamirKMS(secret, ShamirConfig{Threshold: 2, AdminPubKeys: [][]byte{[]byte("nope"), []byte("nope")}})
	assert.Error(t, err, "invalid admin key")
}

func TestShamirKMS_Recovery(t *testing.T) {
	admins, pubs := newTestAdmins(t, 3)
	secret := testMasterSecret(5)

	original, shares, err := NewShamirKMS(secret, ShamirConfig{Threshold: 2, AdminPubKeys: pubs})
	require.NoError(t, err)
	expectedKey, err := original.DeriveChipKey("LC-2025-10-00042")
	require.NoError(t, err)

	recovery, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 2, AdminPubKeys: pubs})
	require.NoError(t, err)
	assert.False(t, recovery.IsUnlocked())

	_, err = recovery.DeriveChipKey("LC-2025-10-00042")
	assert.ErrorIs(t, err, interfaces.ErrMasterSecretMissing, "locked KMS must not derive keys")

	sig0, err := SignShare(shares[0], admins[0].priv)
	require.NoError(t, err)
	require.NoError(t, recovery.SubmitShare(0, shares[0], sig0, admins[0].pub))
	assert.False(t, recovery.IsUnlocked())
	assert.Equal(t, 1, recovery.ReceivedShares())

	assert.Error(t, recovery.SubmitShare(0, shares[0], sig0, admins[0].pub), "duplicate share index")

	sig2, err := SignShare(shares[2], admins[2].priv)
	require.NoError(t, err)
	require.NoError(t, recovery.SubmitShare(2, shares[2], sig2, admins[2].pub))
	assert.True(t, recovery.IsUnlocked())
	assert.Equal(t, 0, recovery.ReceivedShares())

	key, err := recovery.DeriveChipKey("LC-2025-10-00042")
	require.NoError(t, err)
	assert.Equal(t, expectedKey, key)

	assert.Error(t, recovery.SubmitShare(1, shares[1], sig0, admins[1].pub), "already unlocked")
}

func TestShamirKMS_RejectsBadSubmissions(t *testing.T) {
	admins, pubs := newTestAdmins(t, 2)
	_, shares, err := NewShamirKMS(testMasterSecret(6), ShamirConfig{Threshold: 2, AdminPubKeys: pubs})
	require.NoError(t, err)

	recovery, err := NewShamirKMSRecovery(ShamirConfig{Threshold: 2, AdminPubKeys: pubs})
	require.NoError(t, err)

	outsiders, _ := newTestAdmins(t, 1)
	sig, err := SignShare(shares[0], outsiders[0].priv)
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(0, shares[0], sig, outsiders[0].pub), "unregistered admin")

	wrongSig, err := SignShare(shares[0], admins[1].priv)
	require.NoError(t, err)
	assert.Error(t, recovery.SubmitShare(0, shares[0], wrongSig, admins[0].pub), "signature by another admin")

	assert.Equal(t, 0, recovery.ReceivedShares())
}
