package provisioner

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/rfid-tag-provisioning-backend/api"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/provisioning"
)

// Handler processes HTTP requests for the provisioning service.
type Handler struct {
	svc     *provisioning.Service
	limiter *api.RateLimiter
	log     *slog.Logger
}

// NewHandler creates a Handler. limiter throttles the mobile activation
// endpoint per client and may be nil.
func NewHandler(svc *provisioning.Service, limiter *api.RateLimiter, log *slog.Logger) *Handler {
	return &Handler{
		svc:     svc,
		limiter: limiter,
		log:     log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/station/encoding-parameters", h.HandleEncodingParameters)
	r.Post("/api/station/chips/{chip_id}/commit", h.HandleCommitEncoding)

	if h.limiter != nil {
		r.With(h.limiter.Handler).Post("/api/mobile/activate", h.HandleActivate)
	} else {
		r.Post("/api/mobile/activate", h.HandleActivate)
	}
	r.Get("/api/mobile/whitelist/{customer_id}", h.HandleWhitelist)

	r.Get("/api/chips/{chip_id}", h.HandleGetChip)
	r.Post("/api/chips/{chip_id}/transition", h.HandleTransition)
	r.Post("/api/chips/{chip_id}/replace", h.HandleReplace)
	r.Post("/api/stock", h.HandleRegisterStock)

	r.Post("/api/customers/{customer_id}/whitelist/publish", h.HandlePublishWhitelist)
	r.Post("/api/audit/archive", h.HandleArchive)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	status := api.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "err", err)
	} else {
		h.log.Debug(msg, "err", err)
	}
	http.Error(w, err.Error(), status)
}

func chipIDParam(r *http.Request) (interfaces.ChipID, error) {
	return interfaces.NewChipID(chi.URLParam(r, "chip_id"))
}

// HandleEncodingParameters returns the identity material for a blank tag.
// Repeated calls for the same uid return the same chip id, salt and checksum.
//
// URL format: POST /api/station/encoding-parameters
//
// Request body: api.EncodingParametersRequest
//
// Response: interfaces.EncodingParameters, including the derived sector key
func (h *Handler) HandleEncodingParameters(w http.ResponseWriter, r *http.Request) {
	var req api.EncodingParametersRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	uid, err := interfaces.NewUidFromHex(req.Uid)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	params, err := h.svc.RequestEncodingParameters(r.Context(), uid)
	if err != nil {
		h.writeError(w, "Encoding parameters request failed", err)
		return
	}

	h.log.Info("Issued encoding parameters", "chipID", params.ChipID, "uid", uid)
	writeJSON(w, http.StatusOK, params)
}

// HandleCommitEncoding records that the station wrote and locked the tag,
// moving the chip from EN_ATELIER to INACTIVE.
//
// URL format: POST /api/station/chips/{chip_id}/commit
func (h *Handler) HandleCommitEncoding(w http.ResponseWriter, r *http.Request) {
	chipID, err := chipIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req api.CommitEncodingRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chip, err := h.svc.CommitEncoding(r.Context(), chipID, req.Actor)
	if err != nil {
		h.writeError(w, "Commit encoding failed", err)
		return
	}

	writeJSON(w, http.StatusOK, chip)
}

// HandleActivate verifies the blocks a mobile client read from a tag and
// activates the chip at the given control point.
//
// URL format: POST /api/mobile/activate
//
// Request body: api.ActivationRequest
//
// Response: provisioning.ActivationOutcome. A rejected tag still returns the
// outcome body, with status 422 (or 404 for an unknown chip id).
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	var req api.ActivationRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	activation, err := parseActivation(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := h.svc.ActivateChip(r.Context(), activation)
	if err != nil {
		if outcome != nil {
			writeJSON(w, api.StatusFor(err), outcome)
			return
		}
		h.writeError(w, "Activation failed", err)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func parseActivation(req *api.ActivationRequest) (provisioning.ActivationRequest, error) {
	var (
		out provisioning.ActivationRequest
		err error
	)

	if out.Uid, err = interfaces.NewUidFromHex(req.Uid); err != nil {
		return out, err
	}
	if out.ChipID, err = interfaces.NewChipID(req.ChipID); err != nil {
		return out, err
	}
	if out.Block4, err = hex.DecodeString(req.Block4); err != nil {
		return out, err
	}
	if req.Block5 != "" {
		if out.Block5, err = hex.DecodeString(req.Block5); err != nil {
			return out, err
		}
	}
	if out.Block8, err = hex.DecodeString(req.Block8); err != nil {
		return out, err
	}

	out.ControlPointID = req.ControlPointID
	out.Actor = req.Actor
	return out, nil
}

// HandleWhitelist returns the bindings a customer's mobile clients cache for
// offline verification.
//
// URL format: GET /api/mobile/whitelist/{customer_id}
func (h *Handler) HandleWhitelist(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customer_id")
	if customerID == "" {
		http.Error(w, "customer id is required", http.StatusBadRequest)
		return
	}

	entries, err := h.svc.WhitelistForCustomer(r.Context(), customerID)
	if err != nil {
		h.writeError(w, "Whitelist lookup failed", err)
		return
	}

	writeJSON(w, http.StatusOK, api.WhitelistResponse{CustomerID: customerID, Entries: entries})
}

func (h *Handler) HandleGetChip(w http.ResponseWriter, r *http.Request) {
	chipID, err := chipIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chip, err := h.svc.Chip(r.Context(), chipID)
	if err != nil {
		h.writeError(w, "Chip lookup failed", err)
		return
	}

	writeJSON(w, http.StatusOK, chip)
}

// HandleTransition moves a chip to the requested status. Invalid transitions
// are answered with 409 and the violated rule.
//
// URL format: POST /api/chips/{chip_id}/transition
func (h *Handler) HandleTransition(w http.ResponseWriter, r *http.Request) {
	chipID, err := chipIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req api.TransitionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	to, err := interfaces.ParseChipStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chip, err := h.svc.Transition(r.Context(), chipID, to, req.Actor, req.Notes)
	if err != nil {
		h.writeError(w, "Transition failed", err)
		return
	}

	writeJSON(w, http.StatusOK, chip)
}

// HandleReplace marks a chip received in after-sales as replaced by another.
//
// URL format: POST /api/chips/{chip_id}/replace
func (h *Handler) HandleReplace(w http.ResponseWriter, r *http.Request) {
	chipID, err := chipIDParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req api.ReplaceChipRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	replacement, err := interfaces.NewChipID(req.ReplacementChipID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chip, err := h.svc.ReplaceChip(r.Context(), chipID, replacement, req.Actor, req.Notes)
	if err != nil {
		h.writeError(w, "Replacement failed", err)
		return
	}

	writeJSON(w, http.StatusOK, chip)
}

// HandleRegisterStock creates blank chip records in EN_STOCK.
//
// URL format: POST /api/stock
func (h *Handler) HandleRegisterStock(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterStockRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ids, err := h.svc.RegisterStock(r.Context(), req.Count, req.PackagingCode, req.Actor)
	if err != nil {
		h.writeError(w, "Stock registration failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, api.RegisterStockResponse{ChipIDs: ids})
}

// HandlePublishWhitelist stores the customer's current whitelist snapshot in
// the configured storage backends and returns its content id.
//
// URL format: POST /api/customers/{customer_id}/whitelist/publish
func (h *Handler) HandlePublishWhitelist(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customer_id")

	id, err := h.svc.PublishWhitelist(r.Context(), customerID)
	if err != nil {
		h.writeError(w, "Whitelist publishing failed", err)
		return
	}

	writeJSON(w, http.StatusOK, api.PublishResponse{ContentID: id})
}

// HandleArchive exports verification events to the storage backends. An
// empty body archives the full log.
//
// URL format: POST /api/audit/archive
func (h *Handler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	var req api.ArchiveRequest
	if err := api.DecodeJSON(r, &req); err != nil && !errors.Is(err, api.ErrEmptyBody) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.svc.ArchiveVerificationEvents(r.Context(), req.Since)
	if err != nil {
		h.writeError(w, "Audit archive failed", err)
		return
	}

	writeJSON(w, http.StatusOK, api.PublishResponse{ContentID: id})
}
