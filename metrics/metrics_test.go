package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	before := testutil.ToFloat64(Verifications.WithLabelValues("accepted", "reader"))
	Verifications.WithLabelValues("accepted", "reader").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Verifications.WithLabelValues("accepted", "reader")))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "rfid_provisioning_verifications_total")
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	srv, err := New("127.0.0.1:0")
	require.NoError(t, err)
	assert.NotNil(t, srv)
}
