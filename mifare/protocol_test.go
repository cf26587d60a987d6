package mifare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChipID = interfaces.ChipID("LC-2025-10-00001")

func encodeFresh(t *testing.T, st *testStation, uidHex string) *SimulatedCard {
	t.Helper()
	card := NewSimulatedCard(testUid(t, uidHex))
	st.reader.Present(card)

	res, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	require.NoError(t, err)
	require.Equal(t, StateProtected, res.State)
	return card
}

func TestEncodeVerify_RoundTrip(t *testing.T) {
	st := newTestStation(t)
	card := NewSimulatedCard(testUid(t, "04A1B2C3D4E5F6"))
	st.reader.Present(card)

	res, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	require.NoError(t, err)
	assert.Equal(t, StateProtected, res.State)
	assert.Equal(t, testChipID, res.Params.ChipID)
	assert.Equal(t, []interfaces.EncodingStep{
		interfaces.StepReadUid,
		interfaces.StepIssueIdentity,
		interfaces.StepWritePublic,
		interfaces.StepWriteProtected,
		interfaces.StepLockSector1,
		interfaces.StepLockSector2,
		interfaces.StepVerifyReadback,
	}, res.CompletedSteps)

	assert.Equal(t, testChipID.Block(), card.RawBlock(PublicIDBlock))
	assert.Equal(t, testChipID.Block(), card.RawBlock(ProtectedIDBlock))
	assert.Equal(t, res.Params.Salt[:], card.RawBlock(SaltBlock))
	assert.Equal(t, res.Params.Checksum[:], card.RawBlock(ChecksumBlock))

	// the factory key no longer opens the protected sectors
	for _, sector := range ProtectedSectors {
		err := st.reader.Authenticate(context.Background(), TrailerOf(sector), interfaces.DefaultKey)
		var authErr *interfaces.AuthenticationError
		assert.ErrorAs(t, err, &authErr, "sector %d", sector)
	}

	key, err := st.keys.DeriveChipKey(testChipID)
	require.NoError(t, err)
	assert.Equal(t, key, res.Params.ChipKey)

	verified, err := st.verifier.Verify(context.Background(), st.reader, testChipID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VerifyAccepted, verified.Outcome)
	assert.True(t, verified.Uid.Equal(card.Uid()))

}

type recordingDeriver struct {
	interfaces.ChipKeyDeriver
	derived []interfaces.ChipID
}

func (r *recordingDeriver) DeriveChipKey(chipID interfaces.ChipID) (interfaces.ChipKey, error) {
	r.derived = append(r.derived, chipID)
	return r.ChipKeyDeriver.DeriveChipKey(chipID)
}

func TestVerify_RequiresExpectedChipID(t *testing.T) {
	st := newTestStation(t)
	encodeFresh(t, st, "04A1B2C3D4E5F6")

	keys := &recordingDeriver{ChipKeyDeriver: st.keys}
	verifier := NewVerifier(keys, st.checksums, "test", st.log)

	res, err := verifier.Verify(context.Background(), st.reader, "")
	assert.ErrorIs(t, err, ErrNoExpectedChipID)
	assert.Nil(t, res)
	assert.Empty(t, keys.derived)

	res, err = verifier.Verify(context.Background(), st.reader, testChipID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.VerifyAccepted, res.Outcome)
	assert.Equal(t, []interfaces.ChipID{testChipID}, keys.derived)
}

func TestVerify_ClonedTagFailsAuthentication(t *testing.T) {
	st := newTestStation(t)
	card := encodeFresh(t, st, "04A1B2C3D4E5F6")

	clone := card.Clone()
	assert.Equal(t, card.RawBlock(PublicIDBlock), clone.RawBlock(PublicIDBlock))
	st.reader.Present(clone)

	res, err := st.verifier.Verify(context.Background(), st.reader, testChipID)
	var authErr *interfaces.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, ProtectedSector1, authErr.Sector)
	assert.False(t, interfaces.IsRetryable(err))
	require.NotNil(t, res)
	assert.Equal(t, interfaces.VerifyAuthenticationFailed, res.Outcome)
	assert.Equal(t, "possible_clone", res.Outcome.Category())
}

func TestVerify_TamperedChecksum(t *testing.T) {
	st := newTestStation(t)
	card := encodeFresh(t, st, "04A1B2C3D4E5F6")

	tampered := card.RawBlock(ChecksumBlock)
	tampered[0] ^= 0x01
	card.SetRawBlock(ChecksumBlock, tampered)

	res, err := st.verifier.Verify(context.Background(), st.reader, testChipID)
	var mismatch *interfaces.ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, testChipID, mismatch.ChipID)
	assert.Equal(t, interfaces.VerifyChecksumMismatch, res.Outcome)
}

func TestVerify_UidSwapBreaksChecksum(t *testing.T) {
	st := newTestStation(t)
	card := encodeFresh(t, st, "04A1B2C3D4E5F6")

	// an exact copy of every block on a tag with a different uid
	other := NewSimulatedCard(testUid(t, "04000000000001"))
	for block := 1; block < BlockCount; block++ {
		other.SetRawBlock(block, card.RawBlock(block))
	}
	st.reader.Present(other)

	res, err := st.verifier.Verify(context.Background(), st.reader, testChipID)
	var mismatch *interfaces.ChecksumMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, interfaces.VerifyChecksumMismatch, res.Outcome)
}

func TestVerify_IdentityMismatch(t *testing.T) {
	st := newTestStation(t)
	card := encodeFresh(t, st, "04A1B2C3D4E5F6")
	card.SetRawBlock(PublicIDBlock, interfaces.ChipID("LC-2025-10-00002").Block())

	res, err := st.verifier.Verify(context.Background(), st.reader, testChipID)
	var mismatch *interfaces.IdentityMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, interfaces.ChipID("LC-2025-10-00002"), mismatch.Plain)
	assert.Equal(t, testChipID, mismatch.Protected)
	assert.Equal(t, interfaces.VerifyIdentityMismatch, res.Outcome)
}

func TestVerify_BlankTag(t *testing.T) {
	st := newTestStation(t)
	st.reader.Present(NewSimulatedCard(testUid(t, "04A1B2C3")))

	res, err := st.verifier.Verify(context.Background(), st.reader, testChipID)
	require.Error(t, err)
	assert.Equal(t, interfaces.VerifyUnknownChip, res.Outcome)
}

func TestEncode_WriteFaultBeforeLockIsRetryable(t *testing.T) {
	st := newTestStation(t)
	card := NewSimulatedCard(testUid(t, "04A1B2C3D4E5F6"))
	card.FailWrite(SaltBlock, errors.New("rf glitch"))
	st.reader.Present(card)

	_, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	var writeErr *interfaces.ChipWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, SaltBlock, writeErr.Block)
	assert.True(t, interfaces.IsRetryable(err))

	// the tag is still Encoded at most and can be written again
	card.FailWrite(SaltBlock, nil)
	res, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	require.NoError(t, err)
	assert.Equal(t, StateProtected, res.State)
}

func TestEncode_FirstTrailerFaultIsRetryable(t *testing.T) {
	st := newTestStation(t)
	card := NewSimulatedCard(testUid(t, "04A1B2C3D4E5F6"))
	card.FailWrite(TrailerOf(ProtectedSector1), errors.New("tearing"))
	st.reader.Present(card)

	_, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	var writeErr *interfaces.ChipWriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, TrailerOf(ProtectedSector1), writeErr.Block)
	assert.True(t, interfaces.IsRetryable(err))
	assert.NoError(t, st.reader.Authenticate(context.Background(), ProtectedIDBlock, interfaces.DefaultKey))
}

func TestEncode_SecondTrailerFaultIsPartial(t *testing.T) {
	st := newTestStation(t)
	card := NewSimulatedCard(testUid(t, "04A1B2C3D4E5F6"))
	card.FailWrite(TrailerOf(ProtectedSector2), errors.New("tearing"))
	st.reader.Present(card)

	res, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	assert.Nil(t, res)

	var partial *interfaces.PartialEncodingFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{ProtectedSector1}, partial.LockedSectors)
	assert.Equal(t, interfaces.StepLockSector2, partial.FailedStep)
	assert.Equal(t, testChipID, partial.ChipID)
	assert.Contains(t, partial.CompletedSteps, interfaces.StepLockSector1)
	assert.NotContains(t, partial.CompletedSteps, interfaces.StepLockSector2)
	assert.False(t, interfaces.IsRetryable(err))

	// a fresh attempt must not silently succeed on a half locked tag
	card.FailWrite(TrailerOf(ProtectedSector2), nil)
	_, err = st.encoder.Encode(context.Background(), st.reader, testChipID)
	assert.ErrorContains(t, err, "not blank")
}

func TestEncode_ReadbackFaultIsPartial(t *testing.T) {
	st := newTestStation(t)
	card := NewSimulatedCard(testUid(t, "04A1B2C3D4E5F6"))
	card.FailRead(ChecksumBlock, errors.New("collision"))
	st.reader.Present(card)

	_, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	var partial *interfaces.PartialEncodingFailure
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, interfaces.StepVerifyReadback, partial.FailedStep)
	assert.Equal(t, []int{ProtectedSector1, ProtectedSector2}, partial.LockedSectors)

	// without readback the same tag state would have been reported as protected
	card2 := NewSimulatedCard(testUid(t, "04A1B2C3D4E5F7"))
	card2.FailRead(ChecksumBlock, errors.New("collision"))
	st.reader.Present(card2)
	res, err := st.encoder.WithReadback(false).Encode(context.Background(), st.reader, testChipID)
	require.NoError(t, err)
	assert.NotContains(t, res.CompletedSteps, interfaces.StepVerifyReadback)
}

func TestEncode_RefusesEncodedTag(t *testing.T) {
	st := newTestStation(t)
	card := encodeFresh(t, st, "04A1B2C3D4E5F6")
	writes := card.Writes()

	_, err := st.encoder.Encode(context.Background(), st.reader, interfaces.ChipID("LC-2025-10-00009"))
	require.Error(t, err)
	assert.Equal(t, writes, card.Writes())
	assert.Equal(t, testChipID.Block(), card.RawBlock(PublicIDBlock))
}

type fixedIssuer struct {
	params interfaces.EncodingParameters
}

func (i *fixedIssuer) IssueIdentity(_ context.Context, _ interfaces.Uid, _ interfaces.ChipID) (*interfaces.EncodingParameters, error) {
	p := i.params
	return &p, nil
}

func TestEncode_RejectsForeignIssuedIdentity(t *testing.T) {
	st := newTestStation(t)
	uid := testUid(t, "04A1B2C3D4E5F6")
	card := NewSimulatedCard(uid)
	st.reader.Present(card)

	enc := NewEncoder(&fixedIssuer{params: interfaces.EncodingParameters{ChipID: "LC-2025-10-00777", Uid: uid}}, st.log)
	_, err := enc.Encode(context.Background(), st.reader, testChipID)
	require.Error(t, err)
	assert.Zero(t, card.Writes())

	enc = NewEncoder(&fixedIssuer{params: interfaces.EncodingParameters{ChipID: testChipID, Uid: testUid(t, "04000000")}}, st.log)
	_, err = enc.Encode(context.Background(), st.reader, testChipID)
	require.Error(t, err)
	assert.Zero(t, card.Writes())
}

func TestEncode_NoCard(t *testing.T) {
	st := newTestStation(t)

	_, err := st.encoder.Encode(context.Background(), st.reader, testChipID)
	var readErr *interfaces.ChipReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, interfaces.ErrNoCard)
	assert.True(t, interfaces.IsRetryable(err))

	_, err = st.verifier.Verify(context.Background(), st.reader, testChipID)
	require.ErrorAs(t, err, &readErr)
}

func TestWaitForCard(t *testing.T) {
	reader := NewSimulatedReader("sim-wait")

	err := reader.WaitForCard(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, interfaces.ErrNoCard)

	done := make(chan error, 1)
	go func() {
		done <- reader.WaitForCard(context.Background(), 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	reader.Present(NewSimulatedCard(testUid(t, "04A1B2C3")))
	assert.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	reader.Remove()
	cancel()
	assert.ErrorIs(t, reader.WaitForCard(ctx, time.Second), context.Canceled)
}
