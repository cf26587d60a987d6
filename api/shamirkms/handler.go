package shamirkms

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/rfid-tag-provisioning-backend/api"
	"github.com/ruteri/rfid-tag-provisioning-backend/cryptoutils"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/kms"
)

const (
	AdminIDHeader        = "X-Admin-ID"
	AdminSignatureHeader = "X-Admin-Signature"
)

// BootstrapState represents the current state of the master secret bootstrap.
type BootstrapState int

const (
	// StateInitial is the initial state before any bootstrap action is taken.
	StateInitial BootstrapState = iota

	// StateGeneratingShares indicates the master secret has been generated and shares are being distributed.
	StateGeneratingShares

	// StateRecovering indicates custodians are submitting shares.
	StateRecovering

	// StateComplete indicates the chip KMS is operational.
	StateComplete
)

func (s BootstrapState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateGeneratingShares:
		return "generating_shares"
	case StateRecovering:
		return "recovering"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// SecureShare is a share encrypted to the public key of its custodian.
type SecureShare struct {
	AdminID        string
	ShareIndex     int
	EncryptedShare []byte
	Retrieved      bool
}

// AdminHandler lets key custodians bootstrap the chip master secret.
//
// A fresh deployment generates a master secret, splits it and hands each
// custodian their share encrypted to their key. After a restart the secret is
// recovered from a threshold of signed shares. Every request is signed by a
// registered custodian.
//
// The handler is a kms.Provider: until bootstrap completes it reports
// interfaces.ErrMasterSecretMissing, so the provisioning endpoints answer 503
// instead of the server refusing to start.
type AdminHandler struct {
	mu           sync.RWMutex
	log          *slog.Logger
	state        BootstrapState
	adminPubKeys map[string][]byte
	adminShares  map[string]*SecureShare
	shamirKMS    *kms.ShamirKMS
	completeChan chan struct{}

	adminIDs     []string
	shamirConfig kms.ShamirConfig
}

func NewAdminHandler(log *slog.Logger, threshold int, adminPubKeys map[string][]byte) (*AdminHandler, error) {
	if len(adminPubKeys) < threshold {
		return nil, errors.New("threshold larger than total shares")
	}
	if threshold < 2 {
		return nil, errors.New("threshold smaller than 2")
	}

	adminIDs := make([]string, 0, len(adminPubKeys))
	for id := range adminPubKeys {
		adminIDs = append(adminIDs, id)
	}
	sort.Strings(adminIDs)

	shamirConfig := kms.ShamirConfig{Threshold: threshold}
	for _, id := range adminIDs {
		shamirConfig.AdminPubKeys = append(shamirConfig.AdminPubKeys, adminPubKeys[id])
	}

	return &AdminHandler{
		log:          log,
		state:        StateInitial,
		adminPubKeys: adminPubKeys,
		adminShares:  make(map[string]*SecureShare),
		completeChan: make(chan struct{}),
		adminIDs:     adminIDs,
		shamirConfig: shamirConfig,
	}, nil
}

// WaitForBootstrap blocks until bootstrap completes or ctx is cancelled.
func (h *AdminHandler) WaitForBootstrap(ctx context.Context) (*kms.ShamirKMS, error) {
	select {
	case <-h.completeChan:
		return h.GetKMS(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetKMS returns the unlocked ShamirKMS, or nil before bootstrap completes.
func (h *AdminHandler) GetKMS() *kms.ShamirKMS {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.state != StateComplete {
		return nil
	}
	return h.shamirKMS
}

func (h *AdminHandler) ChipKMS() (*kms.ChipKMS, error) {
	shamirKMS := h.GetKMS()
	if shamirKMS == nil {
		return nil, interfaces.ErrMasterSecretMissing
	}
	return shamirKMS.ChipKMS()
}

// RegisterRoutes configures the admin API:
//   - GET /admin/status: bootstrap state
//   - POST /admin/init/generate: generate the master secret and prepare shares
//   - POST /admin/init/recover: start collecting shares
//   - GET /admin/share: fetch own encrypted share during generation
//   - POST /admin/share: submit own share during recovery
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/admin/status", h.handleStatus)
	r.Post("/admin/init/generate", h.handleInitGenerate)
	r.Post("/admin/init/recover", h.handleInitRecover)
	r.Post("/admin/share", h.handleSubmitShare)
	r.Get("/admin/share", h.handleGetShare)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	resp := api.AdminStatusResponse{State: h.state.String()}
	switch h.state {
	case StateGeneratingShares:
		resp.Threshold = h.shamirConfig.Threshold
		resp.TotalShares = len(h.shamirConfig.AdminPubKeys)
	case StateRecovering:
		resp.Threshold = h.shamirConfig.Threshold
		resp.TotalShares = len(h.shamirConfig.AdminPubKeys)
		resp.ReceivedShares = h.shamirKMS.ReceivedShares()
	}
	h.mu.RUnlock()

	writeJSON(w, resp)
}

// handleInitGenerate generates a master secret, splits it and encrypts every
// share to its custodian. Only share assignments are returned.
//
// Endpoint: POST /admin/init/generate
func (h *AdminHandler) handleInitGenerate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusConflict)
		return
	}

	masterSecret, err := cryptoutils.GenerateMasterSecret()
	if err != nil {
		h.log.Error("Failed to generate master secret", "err", err, "adminID", adminID)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	shamirKMS, shares, err := kms.NewShamirKMS(masterSecret, h.shamirConfig)
	if err != nil {
		h.log.Error("Failed to create ShamirKMS", "err", err, "adminID", adminID)
		http.Error(w, "Failed to create KMS: "+err.Error(), http.StatusInternalServerError)
		return
	}

	adminShares := make(map[string]*SecureShare, len(shares))
	assignments := make([]map[string]any, 0, len(shares))
	for i, share := range shares {
		targetAdminID := h.adminIDs[i]

		encryptedShare, err := cryptoutils.EncryptWithPublicKey(h.adminPubKeys[targetAdminID], share)
		if err != nil {
			h.log.Error("Failed to encrypt share", "err", err, "adminID", targetAdminID)
			http.Error(w, "Failed to encrypt shares", http.StatusInternalServerError)
			return
		}

		adminShares[targetAdminID] = &SecureShare{
			AdminID:        targetAdminID,
			ShareIndex:     i,
			EncryptedShare: encryptedShare,
		}
		assignments = append(assignments, map[string]any{
			"admin_id":    targetAdminID,
			"share_index": i,
		})
	}

	h.state = StateGeneratingShares
	h.shamirKMS = shamirKMS
	h.adminShares = adminShares

	writeJSON(w, map[string]any{
		"message":           "Master secret generated, shares ready for retrieval",
		"share_assignments": assignments,
		"threshold":         h.shamirConfig.Threshold,
		"total_shares":      len(shares),
	})

	h.log.Info("Master secret generated and shares prepared for distribution", "adminID", adminID,
		"threshold", h.shamirConfig.Threshold, "totalShares", len(shares))
}

// handleGetShare returns the caller's encrypted share. Bootstrap completes
// once every custodian has retrieved theirs.
//
// Endpoint: GET /admin/share
func (h *AdminHandler) handleGetShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateGeneratingShares {
		http.Error(w, "No shares available for retrieval", http.StatusConflict)
		return
	}

	secureShare, exists := h.adminShares[adminID]
	if !exists {
		http.Error(w, "No share assigned to this admin", http.StatusNotFound)
		return
	}
	secureShare.Retrieved = true

	allRetrieved := true
	for _, share := range h.adminShares {
		if !share.Retrieved {
			allRetrieved = false
			break
		}
	}
	if allRetrieved {
		h.complete()
		h.log.Info("All shares have been retrieved, KMS bootstrap complete")
	}

	writeJSON(w, api.AdminGetShareResponse{
		ShareIndex:     secureShare.ShareIndex,
		EncryptedShare: base64.StdEncoding.EncodeToString(secureShare.EncryptedShare),
	})

	h.log.Info("Admin retrieved their share", "adminID", adminID, "shareIndex", secureShare.ShareIndex)
}

// complete must be called with h.mu held.
func (h *AdminHandler) complete() {
	h.state = StateComplete
	h.adminShares = make(map[string]*SecureShare)
	close(h.completeChan)
}

// Endpoint: POST /admin/init/recover
func (h *AdminHandler) handleInitRecover(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitial {
		http.Error(w, "Bootstrap already in progress or complete", http.StatusConflict)
		return
	}

	shamirKMS, err := kms.NewShamirKMSRecovery(h.shamirConfig)
	if err != nil {
		http.Error(w, fmt.Errorf("could not initialize kms: %w", err).Error(), http.StatusInternalServerError)
		return
	}

	h.shamirKMS = shamirKMS
	h.state = StateRecovering

	writeJSON(w, map[string]any{
		"message":   "Recovery mode initiated",
		"threshold": h.shamirConfig.Threshold,
	})

	h.log.Info("KMS recovery process initiated", "adminID", adminID, "threshold", h.shamirConfig.Threshold)
}

// handleSubmitShare accepts a decrypted share signed by its custodian. The
// KMS unlocks once the threshold is reached.
//
// Endpoint: POST /admin/share
// Body: api.AdminSubmitShareRequest
func (h *AdminHandler) handleSubmitShare(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.verifyAdmin(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var submission api.AdminSubmitShareRequest
	if err := api.DecodeJSON(r, &submission); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	share, err := base64.StdEncoding.DecodeString(submission.Share)
	if err != nil {
		http.Error(w, "Invalid share encoding", http.StatusBadRequest)
		return
	}

	signature, err := base64.StdEncoding.DecodeString(submission.Signature)
	if err != nil {
		http.Error(w, "Invalid signature encoding", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateRecovering {
		http.Error(w, "KMS not in recovery mode", http.StatusConflict)
		return
	}

	if err := h.shamirKMS.SubmitShare(submission.ShareIndex, share, signature, h.adminPubKeys[adminID]); err != nil {
		h.log.Error("Share submission failed", "err", err, "adminID", adminID)
		http.Error(w, "Share submission failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.shamirKMS.IsUnlocked() {
		h.complete()
		writeJSON(w, map[string]any{"message": "KMS unlocked successfully - recovery complete"})
		h.log.Info("KMS successfully unlocked - recovery complete", "adminID", adminID)
		return
	}

	writeJSON(w, map[string]any{"message": "Share accepted, waiting for more shares"})
	h.log.Info("Share accepted", "adminID", adminID, "shareIndex", submission.ShareIndex)
}

// verifyAdmin checks that the request carries a registered admin id and a
// signature over the request path followed by the body.
func (h *AdminHandler) verifyAdmin(r *http.Request) (string, bool) {
	adminID := r.Header.Get(AdminIDHeader)
	adminSignatureStr := r.Header.Get(AdminSignatureHeader)
	if adminID == "" || adminSignatureStr == "" {
		return "", false
	}

	h.mu.RLock()
	pubKeyPEM, exists := h.adminPubKeys[adminID]
	h.mu.RUnlock()
	if !exists {
		h.log.Warn("Authentication failed: unknown admin ID", "adminID", adminID)
		return adminID, false
	}

	adminSignature, err := base64.StdEncoding.DecodeString(adminSignatureStr)
	if err != nil {
		h.log.Warn("Authentication failed: invalid signature encoding", "adminID", adminID, "err", err)
		return adminID, false
	}

	var bodyBytes []byte
	if r.Body != nil {
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, api.MaxBodySize))
		if err != nil {
			h.log.Error("Failed to read request body", "err", err)
			return adminID, false
		}
		r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	message := append([]byte(r.URL.Path), bodyBytes...)
	if err := cryptoutils.VerifyMessage(pubKeyPEM, message, adminSignature); err != nil {
		h.log.Warn("Authentication failed: invalid signature", "adminID", adminID)
		return adminID, false
	}

	h.log.Debug("Admin authentication successful", "adminID", adminID)
	return adminID, true
}

type ShamirAdminsConfig struct {
	Admins []ShamirAdminMetadata `json:"admins"`
}

type ShamirAdminMetadata struct {
	ID     string `json:"id"`
	PubKey string `json:"pubkey"`
}

// LoadAdminKeys reads custodian keys from JSON of the form
// {"admins":[{"id":"...","pubkey":"<PEM>"}]}.
func LoadAdminKeys(r io.Reader) (map[string][]byte, error) {
	var data ShamirAdminsConfig
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode admin keys JSON: %w", err)
	}

	result := make(map[string][]byte, len(data.Admins))
	for _, admin := range data.Admins {
		if _, err := cryptoutils.ParsePublicKeyPEM([]byte(admin.PubKey)); err != nil {
			return nil, fmt.Errorf("invalid public key for admin %s: %w", admin.ID, err)
		}
		if _, dup := result[admin.ID]; dup {
			return nil, fmt.Errorf("duplicate admin id %s", admin.ID)
		}
		result[admin.ID] = []byte(admin.PubKey)
	}

	return result, nil
}
