package apperr

import (
	"errors"
	"net/http"
)

// Error kinds shared by the domain packages and the store backends.
// Wrap them with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("record already exists")
	ErrNotFound    = errors.New("record not found")
	ErrAlreadyUsed = errors.New("already used")
	ErrTransientIO = errors.New("store unavailable")
	ErrForbidden   = errors.New("not allowed")
	// ErrCorruptRecord marks stored data that no longer parses. It is the
	// server's fault, so it wins over any client-facing kind it wraps.
	ErrCorruptRecord = errors.New("corrupt stored record")
)

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrCorruptRecord):
		return http.StatusInternalServerError
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrAlreadyUsed):
		return http.StatusConflict
	case errors.Is(err, ErrTransientIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
