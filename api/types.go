package api

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
)

// EncodingParametersRequest asks for the identity material of a blank tag.
type EncodingParametersRequest struct {
	Uid string `json:"uid" validate:"required,hexadecimal,min=8,max=20"`
}

// CommitEncodingRequest confirms a tag was written and locked.
type CommitEncodingRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// ActivationRequest carries raw block reads from a mobile client. Blocks are
// hex encoded 16-byte values; block5 may be left out.
type ActivationRequest struct {
	Uid            string `json:"uid" validate:"required,hexadecimal,min=8,max=20"`
	ChipID         string `json:"chip_id" validate:"required,max=16"`
	Block4         string `json:"block4" validate:"required,hexadecimal,len=32"`
	Block5         string `json:"block5,omitempty" validate:"omitempty,hexadecimal,len=32"`
	Block8         string `json:"block8" validate:"required,hexadecimal,len=32"`
	ControlPointID string `json:"control_point_id" validate:"required,max=64"`
	Actor          string `json:"actor" validate:"required"`
}

// TransitionRequest asks the lifecycle to move a chip.
type TransitionRequest struct {
	Status string `json:"status" validate:"required"`
	Actor  string `json:"actor" validate:"required"`
	Notes  string `json:"notes,omitempty"`
}

// ReplaceChipRequest supersedes a chip received in after-sales.
type ReplaceChipRequest struct {
	ReplacementChipID string `json:"replacement_chip_id" validate:"required,max=16"`
	Actor             string `json:"actor" validate:"required"`
	Notes             string `json:"notes" validate:"required"`
}

// RegisterStockRequest creates blank chip records.
type RegisterStockRequest struct {
	Count         int    `json:"count" validate:"required,min=1,max=1000"`
	PackagingCode string `json:"packaging_code,omitempty" validate:"max=64"`
	Actor         string `json:"actor" validate:"required"`
}

type RegisterStockResponse struct {
	ChipIDs []interfaces.ChipID `json:"chip_ids"`
}

type WhitelistResponse struct {
	CustomerID string                      `json:"customer_id"`
	Entries    []interfaces.WhitelistEntry `json:"entries"`
}

// PublishResponse names a document stored in the storage backends.
type PublishResponse struct {
	ContentID interfaces.ContentID `json:"content_id"`
}

// ArchiveRequest exports the verification log since a point in time.
type ArchiveRequest struct {
	Since time.Time `json:"since"`
}

// CreateOrderRequest registers the reservation view of a customer order.
type CreateOrderRequest struct {
	ID            string `json:"id,omitempty" validate:"omitempty,max=64"`
	CustomerID    string `json:"customer_id" validate:"required,max=64"`
	ChipsQuantity int    `json:"chips_quantity" validate:"required,min=1"`
}

type ReconcileResponse struct {
	Cleared bool `json:"cleared"`
}

type AvailableStockResponse struct {
	Available int `json:"available"`
}

// ErrorResponse is the JSON error body of the fulfilment API.
type ErrorResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
}

// NewErrorResponse maps err to its status code.
func NewErrorResponse(err error) *ErrorResponse {
	return &ErrorResponse{Status: StatusFor(err), Error: err.Error()}
}

func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Status)
	return nil
}

// AdminGetShareResponse carries a share encrypted to the requesting administrator.
type AdminGetShareResponse struct {
	ShareIndex     int    `json:"share_index"`
	EncryptedShare string `json:"encrypted_share"` // base64
}

// AdminSubmitShareRequest submits a decrypted share during recovery.
type AdminSubmitShareRequest struct {
	ShareIndex int    `json:"share_index"`
	Share      string `json:"share"`     // base64
	Signature  string `json:"signature"` // base64, over the raw share
}

type AdminStatusResponse struct {
	State          string `json:"state"`
	Threshold      int    `json:"threshold,omitempty"`
	TotalShares    int    `json:"total_shares,omitempty"`
	ReceivedShares int    `json:"received_shares,omitempty"`
}
