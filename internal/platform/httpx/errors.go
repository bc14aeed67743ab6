package httpx

import "net/http"

// MapDomainError maps domain errors to HTTP responses and reports whether it
// handled the error. It is assigned by the app package: the domain packages
// import httpx for response helpers, so the mapping cannot live here without
// an import cycle.
var MapDomainError func(w http.ResponseWriter, err error) bool

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	if MapDomainError != nil && MapDomainError(w, err) {
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
