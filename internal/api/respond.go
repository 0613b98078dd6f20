package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dbsweep/dbsweep/internal/domain/scanning"
)

// validate checks request DTOs against their struct tags. A single instance
// caches the parsed tag metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

type errorResponse struct {
	Error string `json:"error"`
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, errorResponse{Error: msg})
}

// respondDomainError maps domain failures onto HTTP statuses: unknown ids are
// 404, forbidden lifecycle transitions are 409, everything else is 500 with
// the detail kept out of the response body.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scanning.ErrScanNotFound),
		errors.Is(err, scanning.ErrProfileNotFound),
		errors.Is(err, scanning.ErrCollectorNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		var transition scanning.InvalidTransitionError
		if errors.As(err, &transition) {
			respondError(w, http.StatusConflict, transition.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
