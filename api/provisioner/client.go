package provisioner

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ruteri/rfid-tag-provisioning-backend/api"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/mifare"
	"github.com/ruteri/rfid-tag-provisioning-backend/provisioning"
	"github.com/stretchr/testify/mock"
)

// ProvisioningClient talks to a remote provisioning server. It implements
// mifare.IdentityIssuer so encoding stations never hold the master secret.
type ProvisioningClient struct {
	// ServerAddr is the base URL of the provisioning server
	ServerAddr string

	// StationID is sent as the actor when committing encodings
	StationID string

	// HTTPClient defaults to http.DefaultClient
	HTTPClient *http.Client
}

var _ mifare.IdentityIssuer = (*ProvisioningClient)(nil)

func (p *ProvisioningClient) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *ProvisioningClient) post(ctx context.Context, path string, body, out any) (int, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.ServerAddr+path, bytes.NewReader(reqBody))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client().Do(req)
	if err != nil {
		return 0, fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("%s returned non-200 response: %d", path, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%s returned error %d: %s", path, resp.StatusCode, bytes.TrimSpace(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("could not parse %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// IssueIdentity requests encoding parameters for uid. The server assigns the
// chip id; a non-empty chipID must match it.
func (p *ProvisioningClient) IssueIdentity(ctx context.Context, uid interfaces.Uid, chipID interfaces.ChipID) (*interfaces.EncodingParameters, error) {
	var params interfaces.EncodingParameters
	status, err := p.post(ctx, "/api/station/encoding-parameters", api.EncodingParametersRequest{Uid: uid.String()}, &params)
	if err != nil {
		if status == http.StatusConflict {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrUidAlreadyBound, err)
		}
		if status == http.StatusServiceUnavailable {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrMasterSecretMissing, err)
		}
		return nil, err
	}

	if chipID != "" && params.ChipID != chipID {
		return nil, fmt.Errorf("%w: uid %s is bound to %s", interfaces.ErrUidAlreadyBound, uid, params.ChipID)
	}
	return &params, nil
}

// CommitEncoding reports a successfully encoded and locked tag.
func (p *ProvisioningClient) CommitEncoding(ctx context.Context, chipID interfaces.ChipID) (*interfaces.RfidChip, error) {
	var chip interfaces.RfidChip
	path := fmt.Sprintf("/api/station/chips/%s/commit", url.PathEscape(chipID.String()))
	if _, err := p.post(ctx, path, api.CommitEncodingRequest{Actor: p.StationID}, &chip); err != nil {
		return nil, err
	}
	return &chip, nil
}

// Activate submits block reads for server-side verification and activation.
func (p *ProvisioningClient) Activate(ctx context.Context, req provisioning.ActivationRequest) (*provisioning.ActivationOutcome, error) {
	body := api.ActivationRequest{
		Uid:            req.Uid.String(),
		ChipID:         req.ChipID.String(),
		Block4:         hex.EncodeToString(req.Block4),
		Block5:         hex.EncodeToString(req.Block5),
		Block8:         hex.EncodeToString(req.Block8),
		ControlPointID: req.ControlPointID,
		Actor:          req.Actor,
	}

	var outcome provisioning.ActivationOutcome
	if _, err := p.post(ctx, "/api/mobile/activate", body, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// MockIssuer implements mifare.IdentityIssuer for testing.
type MockIssuer struct {
	mock.Mock
}

func (m *MockIssuer) IssueIdentity(ctx context.Context, uid interfaces.Uid, chipID interfaces.ChipID) (*interfaces.EncodingParameters, error) {
	args := m.Called(ctx, uid, chipID)
	params, _ := args.Get(0).(*interfaces.EncodingParameters)
	return params, args.Error(1)
}
