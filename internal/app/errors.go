package app

import (
	"errors"
	"net/http"

	"github.com/meridian-dms/meridian-dms/internal/allocation"
	"github.com/meridian-dms/meridian-dms/internal/lots"
	"github.com/meridian-dms/meridian-dms/internal/platform/httpx"
)

func init() {
	httpx.MapDomainError = mapDomainError
}

// mapDomainError maps domain errors to HTTP responses using RFC7807. It lives
// here rather than in httpx because it references the lots and allocation
// error taxonomies, and those packages import httpx.
func mapDomainError(w http.ResponseWriter, err error) bool {
	var allocInsufficient *allocation.InsufficientStockError
	var lotInsufficient *lots.InsufficientStockError

	switch {
	case errors.Is(err, lots.ErrValidation), errors.Is(err, allocation.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, lots.ErrNotFound), errors.Is(err, allocation.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, lots.ErrDuplicateLotNumber), errors.Is(err, allocation.ErrDuplicateAllocation):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.As(err, &allocInsufficient), errors.As(err, &lotInsufficient):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, lots.ErrInvalidOperation), errors.Is(err, allocation.ErrInvalidOperation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid Operation", err.Error())
	case errors.Is(err, allocation.ErrConcurrencyConflict):
		httpx.Problem(w, http.StatusConflict, "Concurrency Conflict", "the request lost a race against a concurrent change, retry")
	default:
		return false
	}
	return true
}
