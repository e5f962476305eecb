package services

import (
	"errors"
	"net/http"
)

// Ledger error taxonomy. Engines surface these unchanged; HTTP handlers map
// them to status codes with StatusForError.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict, retry")
	ErrAlreadyFinalized    = errors.New("request already finalized")
	ErrAlreadyAccepted     = errors.New("loan already accepted")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrPinNotVerified      = errors.New("pin not verified")
	ErrActiveLoan          = errors.New("active loan blocks withdrawal")
	ErrTooFast             = errors.New("too many requests")
)

// StatusForError maps a ledger error to its HTTP status code.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrAlreadyAccepted):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrPinNotVerified):
		return http.StatusForbidden
	case errors.Is(err, ErrActiveLoan):
		return http.StatusForbidden
	case errors.Is(err, ErrTooFast):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}
