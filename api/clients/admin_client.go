package clients

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ruteri/rfid-tag-provisioning-backend/api"
	"github.com/ruteri/rfid-tag-provisioning-backend/api/shamirkms"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/kms"
)

// AdminClient signs and sends custodian requests to the admin API.
type AdminClient struct {
	baseURL       string
	adminID       string
	privateKeyPEM []byte
	httpClient    *http.Client
}

// NewAdminClient creates a client for the admin API at baseURL
// (e.g. "http://localhost:8081"). timeout defaults to 30 seconds.
func NewAdminClient(baseURL, adminID string, privateKeyPEM []byte, timeout ...time.Duration) (*AdminClient, error) {
	if _, err := cryptoutils.ParsePrivateKeyPEM(privateKeyPEM); err != nil {
		return nil, err
	}

	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &AdminClient{
		baseURL:       baseURL,
		adminID:       adminID,
		privateKeyPEM: privateKeyPEM,
		httpClient:    &http.Client{Timeout: clientTimeout},
	}, nil
}

func (c *AdminClient) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s failed with code %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", op, err)
	}
	return nil
}

// GetStatus queries the bootstrap state. It is not authenticated.
func (c *AdminClient) GetStatus(ctx context.Context) (*api.AdminStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/admin/status", nil)
	if err != nil {
		return nil, err
	}

	var status api.AdminStatusResponse
	if err := c.do(req, "status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// InitGenerate asks the server to generate the master secret and prepare
// one encrypted share per custodian.
func (c *AdminClient) InitGenerate(ctx context.Context) error {
	req, err := CreateSignedAdminRequest(ctx, http.MethodPost, c.baseURL+"/admin/init/generate", nil, c.adminID, c.privateKeyPEM)
	if err != nil {
		return err
	}
	return c.do(req, "init generate", nil)
}

// InitRecover puts the server in recovery mode.
func (c *AdminClient) InitRecover(ctx context.Context) error {
	req, err := CreateSignedAdminRequest(ctx, http.MethodPost, c.baseURL+"/admin/init/recover", nil, c.adminID, c.privateKeyPEM)
	if err != nil {
		return err
	}
	return c.do(req, "init recover", nil)
}

// FetchShare retrieves this custodian's share and decrypts it.
func (c *AdminClient) FetchShare(ctx context.Context) (int, []byte, error) {
	req, err := CreateSignedAdminRequest(ctx, http.MethodGet, c.baseURL+"/admin/share", nil, c.adminID, c.privateKeyPEM)
	if err != nil {
		return 0, nil, err
	}

	var resp api.AdminGetShareResponse
	if err := c.do(req, "fetch share", &resp); err != nil {
		return 0, nil, err
	}

	encrypted, err := base64.StdEncoding.DecodeString(resp.EncryptedShare)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid share encoding: %w", err)
	}

	share, err := cryptoutils.DecryptWithPrivateKey(c.privateKeyPEM, encrypted)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to decrypt share: %w", err)
	}
	return resp.ShareIndex, share, nil
}

// SubmitShare signs share with the custodian key and submits it during recovery.
func (c *AdminClient) SubmitShare(ctx context.Context, shareIndex int, share []byte) error {
	signature, err := kms.SignShare(share, c.privateKeyPEM)
	if err != nil {
		return fmt.Errorf("failed to sign share: %w", err)
	}

	reqJSON, err := json.Marshal(api.AdminSubmitShareRequest{
		ShareIndex: shareIndex,
		Share:      base64.StdEncoding.EncodeToString(share),
		Signature:  base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := CreateSignedAdminRequest(ctx, http.MethodPost, c.baseURL+"/admin/share", reqJSON, c.adminID, c.privateKeyPEM)
	if err != nil {
		return err
	}
	return c.do(req, "submit share", nil)
}

// WaitForCompletion polls the status until bootstrap completes or ctx ends.
func (c *AdminClient) WaitForCompletion(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := c.GetStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to get KMS status: %w", err)
		}
		if status.State == shamirkms.StateComplete.String() {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for KMS bootstrap completion: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// CreateSignedAdminRequest builds a request carrying the admin id and a
// signature over the URL path followed by the body.
func CreateSignedAdminRequest(ctx context.Context, method, reqURL string, body []byte, adminID string, privateKeyPEM []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if err := signRequest(req, body, adminID, privateKeyPEM); err != nil {
		return nil, err
	}
	return req, nil
}

// SignAdminRequest adds authentication headers to an existing request. The
// body is read and restored.
func SignAdminRequest(req *http.Request, adminID string, privateKeyPEM []byte) error {
	if req == nil {
		return errors.New("request cannot be nil")
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	return signRequest(req, body, adminID, privateKeyPEM)
}

func signRequest(req *http.Request, body []byte, adminID string, privateKeyPEM []byte) error {
	message := append([]byte(req.URL.Path), body...)
	signature, err := cryptoutils.SignMessage(privateKeyPEM, message)
	if err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	req.Header.Set(shamirkms.AdminIDHeader, adminID)
	req.Header.Set(shamirkms.AdminSignatureHeader, base64.StdEncoding.EncodeToString(signature))
	return nil
}
