package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/estate-ledger/internal/errors"
	"github.com/estate-ledger/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError categorizes an error and writes the structured response.
func respondError(w http.ResponseWriter, err error) {
	categorized := apperrors.Categorize(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(categorized.StatusCode)

	json.NewEncoder(w).Encode(ErrorResponse{Error: *categorized.ToServiceError()})
}

// respondErrorCode writes an error response with an explicit status and code.
func respondErrorCode(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(ErrorResponse{Error: types.ServiceError{
		Code:    code,
		Message: message,
	}})
}

// parseJSONBody parses a JSON request body, rejecting unknown fields.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// callerID extracts the authenticated caller from the request. Identity is
// asserted upstream by the gateway; the service trusts the header.
func callerID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// requireCaller extracts the caller id or writes a 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := callerID(r)
	if id == "" {
		respondErrorCode(w, http.StatusUnauthorized, apperrors.CodeUnauthorized, "X-User-ID header is required")
		return "", false
	}
	return id, true
}
