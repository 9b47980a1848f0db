// Package api implements the agent<->server coordination HTTP handlers
// — register, heartbeat, claim, progress, complete, fail, the chunked
// upload protocol, and capability reporting — using go-chi/chi/v5 as
// the router.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/fabrice-guiot/shuttersense/internal/shared/apitypes"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func Ok(w http.ResponseWriter, payload any)      { JSON(w, http.StatusOK, payload) }
func Created(w http.ResponseWriter, payload any) { JSON(w, http.StatusCreated, payload) }
func NoContent(w http.ResponseWriter)            { w.WriteHeader(http.StatusNoContent) }

// errJSON writes the standard {"error":{"message","detail"}} envelope of
// apitypes.ErrorBody.
func errJSON(w http.ResponseWriter, status int, message, detail string) {
	body := apitypes.ErrorBody{}
	body.Error.Message = message
	body.Error.Detail = detail
	JSON(w, status, body)
}

func ErrBadRequest(w http.ResponseWriter, detail string) {
	errJSON(w, http.StatusBadRequest, "bad request", detail)
}

func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "")
}

func ErrForbidden(w http.ResponseWriter, detail string) {
	errJSON(w, http.StatusForbidden, "forbidden", detail)
}

func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "")
}

func ErrConflict(w http.ResponseWriter, detail string) {
	errJSON(w, http.StatusConflict, "conflict", detail)
}

func ErrUnprocessable(w http.ResponseWriter, detail string) {
	errJSON(w, http.StatusUnprocessableEntity, "validation error", detail)
}

func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "")
}

// decodeJSON decodes the request body into dst, writing a 400 and
// returning false on failure so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 8<<20) // 8 MiB: large enough for an inlined results payload under 1 MiB plus headroom
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
