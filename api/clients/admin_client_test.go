package clients

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/rfid-tag-provisioning-backend/api/shamirkms"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type custodian struct {
	id   string
	priv []byte
	pub  []byte
}

func newCustodians(t *testing.T, n int) []custodian {
	t.Helper()
	out := make([]custodian, n)
	for i := range out {
		priv, pub, err := cryptoutils.GenerateAdminKeyPair()
		require.NoError(t, err)
		out[i] = custodian{id: fmt.Sprintf("admin-%d", i+1), priv: priv, pub: pub}
	}
	return out
}

func startAdminServer(t *testing.T, custodians []custodian, threshold int) (*shamirkms.AdminHandler, string) {
	t.Helper()

	keys := make(map[string][]byte, len(custodians))
	for _, c := range custodians {
		keys[c.id] = c.pub
	}

	handler, err := shamirkms.NewAdminHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), threshold, keys)
	require.NoError(t, err)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return handler, srv.URL
}

func clientFor(t *testing.T, url string, c custodian) *AdminClient {
	t.Helper()
	client, err := NewAdminClient(url, c.id, c.priv, 5*time.Second)
	require.NoError(t, err)
	return client
}

func TestBootstrapGenerateThenRecover(t *testing.T) {
	ctx := context.Background()
	custodians := newCustodians(t, 3)

	handler, url := startAdminServer(t, custodians, 2)

	_, err := handler.ChipKMS()
	assert.ErrorIs(t, err, interfaces.ErrMasterSecretMissing)

	require.NoError(t, clientFor(t, url, custodians[0]).InitGenerate(ctx))

	status, err := clientFor(t, url, custodians[0]).GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "generating_shares", status.State)
	assert.Equal(t, 2, status.Threshold)
	assert.Equal(t, 3, status.TotalShares)

	shares := make(map[int][]byte)
	for _, c := range custodians {
		idx, share, err := clientFor(t, url, c).FetchShare(ctx)
		require.NoError(t, err)
		shares[idx] = share
	}
	require.Len(t, shares, 3)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, clientFor(t, url, custodians[1]).WaitForCompletion(waitCtx, 10*time.Millisecond))

	generated, err := handler.ChipKMS()
	require.NoError(t, err)
	originalKey, err := generated.DeriveChipKey("LC-2025-01-00001")
	require.NoError(t, err)

	// restart: recover from two of the three shares
	recovering, url := startAdminServer(t, custodians, 2)
	require.NoError(t, clientFor(t, url, custodians[2]).InitRecover(ctx))

	for idx, c := range []custodian{custodians[0], custodians[2]} {
		shareIndex := idx * 2
		require.NoError(t, clientFor(t, url, c).SubmitShare(ctx, shareIndex, shares[shareIndex]))
	}

	status, err = clientFor(t, url, custodians[0]).GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "complete", status.State)

	recovered, err := recovering.ChipKMS()
	require.NoError(t, err)
	recoveredKey, err := recovered.DeriveChipKey("LC-2025-01-00001")
	require.NoError(t, err)
	assert.Equal(t, originalKey, recoveredKey)
}

func TestAdminAuthentication(t *testing.T) {
	ctx := context.Background()
	custodians := newCustodians(t, 2)
	outsiders := newCustodians(t, 1)

	_, url := startAdminServer(t, custodians, 2)

	impostor, err := NewAdminClient(url, custodians[0].id, outsiders[0].priv)
	require.NoError(t, err)
	assert.ErrorContains(t, impostor.InitGenerate(ctx), "401")

	unknown, err := NewAdminClient(url, "admin-9", outsiders[0].priv)
	require.NoError(t, err)
	assert.ErrorContains(t, unknown.InitRecover(ctx), "401")

	t.Run("tampered body", func(t *testing.T) {
		signed, err := CreateSignedAdminRequest(ctx, http.MethodPost, url+"/admin/init/recover", []byte(`{}`), custodians[0].id, custodians[0].priv)
		require.NoError(t, err)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/admin/init/recover", strings.NewReader(`{"x":1}`))
		require.NoError(t, err)
		req.Header = signed.Header.Clone()

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("submitting outside recovery", func(t *testing.T) {
		err := clientFor(t, url, custodians[1]).SubmitShare(ctx, 0, []byte("share"))
		assert.ErrorContains(t, err, "409")
	})

	status, err := clientFor(t, url, custodians[0]).GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "initial", status.State)
}

func TestNewAdminHandler_Validation(t *testing.T) {
	custodians := newCustodians(t, 2)
	keys := map[string][]byte{custodians[0].id: custodians[0].pub, custodians[1].id: custodians[1].pub}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := shamirkms.NewAdminHandler(log, 3, keys)
	assert.Error(t, err)
	_, err = shamirkms.NewAdminHandler(log, 1, keys)
	assert.Error(t, err)
}
