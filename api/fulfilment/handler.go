// Package fulfilment exposes order stock reservations over HTTP.
package fulfilment

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/ruteri/rfid-tag-provisioning-backend/api"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/stock"
)

// Handler serves the order fulfilment endpoints backed by a stock.Ledger.
type Handler struct {
	ledger *stock.Ledger
	log    *slog.Logger
}

func NewHandler(ledger *stock.Ledger, log *slog.Logger) *Handler {
	return &Handler{ledger: ledger, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/stock/available", h.HandleAvailable)

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.HandleCreateOrder)
		r.Route("/{order_id}", func(r chi.Router) {
			r.Get("/", h.HandleGetOrder)
			r.Post("/reserve", h.HandleReserve)
			r.Post("/release", h.HandleRelease)
			r.Post("/reconcile", h.HandleReconcile)
			r.Post("/cancel", h.HandleCancel)
			r.Post("/chips/{chip_id}", h.HandleAssignChip)
		})
	})
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	resp := api.NewErrorResponse(err)
	if resp.Status >= http.StatusInternalServerError {
		h.log.Error("Fulfilment request failed", "path", r.URL.Path, "err", err)
	}
	render.Render(w, r, resp)
}

func (h *Handler) HandleAvailable(w http.ResponseWriter, r *http.Request) {
	available, err := h.ledger.Available(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, api.AvailableStockResponse{Available: available})
}

// HandleCreateOrder registers an order. The id is generated when omitted.
func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req api.CreateOrderRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		h.renderError(w, r, err)
		return
	}

	order := &interfaces.Order{
		ID:            req.ID,
		CustomerID:    req.CustomerID,
		ChipsQuantity: req.ChipsQuantity,
	}
	if err := h.ledger.CreateOrder(r.Context(), order); err != nil {
		h.renderError(w, r, err)
		return
	}

	h.log.Info("Order created", "orderID", order.ID, "customerID", order.CustomerID, "quantity", order.ChipsQuantity)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, order)
}

func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.ledger.Order(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, order)
}

// HandleReserve promises stock to the order. Insufficient stock answers 409
// and leaves the order untouched.
func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	order, err := h.ledger.ReserveStock(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, order)
}

func (h *Handler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	if err := h.ledger.ReleaseReservation(r.Context(), orderID); err != nil {
		h.renderError(w, r, err)
		return
	}
	h.HandleGetOrder(w, r)
}

func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.ledger.ReconcileCompletion(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, api.ReconcileResponse{Cleared: cleared})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "order_id")
	if err := h.ledger.CancelOrder(r.Context(), orderID); err != nil {
		h.renderError(w, r, err)
		return
	}
	h.log.Info("Order cancelled", "orderID", orderID)
	h.HandleGetOrder(w, r)
}

// HandleAssignChip links an unassigned chip to the order and its customer.
func (h *Handler) HandleAssignChip(w http.ResponseWriter, r *http.Request) {
	chipID, err := interfaces.NewChipID(chi.URLParam(r, "chip_id"))
	if err != nil {
		h.renderError(w, r, api.ErrBadRequest)
		return
	}

	if err := h.ledger.AssignChip(r.Context(), chi.URLParam(r, "order_id"), chipID); err != nil {
		h.renderError(w, r, err)
		return
	}
	h.HandleGetOrder(w, r)
}
