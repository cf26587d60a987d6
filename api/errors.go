package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ruteri/rfid-tag-provisioning-backend/interfaces"
	"github.com/ruteri/rfid-tag-provisioning-backend/provisioning"
)

// MaxBodySize bounds every JSON request body.
const MaxBodySize = 1024 * 1024

var (
	// ErrBadRequest wraps malformed or invalid request bodies.
	ErrBadRequest = errors.New("bad request")
	ErrEmptyBody  = fmt.Errorf("%w: empty body", ErrBadRequest)
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeJSON reads a size-limited JSON body into v and validates its tags.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	var (
		invalidTransition *interfaces.InvalidTransitionError
		insufficient      *interfaces.InsufficientStockError
		checksum          *interfaces.ChecksumMismatchError
		identity          *interfaces.IdentityMismatchError
		auth              *interfaces.AuthenticationError
	)

	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, provisioning.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrChipNotFound), errors.Is(err, interfaces.ErrOrderNotFound),
		errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound
	case errors.As(err, &invalidTransition), errors.As(err, &insufficient),
		errors.Is(err, interfaces.ErrUidAlreadyBound), errors.Is(err, interfaces.ErrOrderCancelled),
		errors.Is(err, interfaces.ErrChipExists), errors.Is(err, interfaces.ErrOrderExists),
		errors.Is(err, interfaces.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.As(err, &checksum), errors.As(err, &identity), errors.As(err, &auth):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrMasterSecretMissing), errors.Is(err, interfaces.ErrBackendUnavailable),
		errors.Is(err, provisioning.ErrNoStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
