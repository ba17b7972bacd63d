package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marcus-qen/lictor/internal/fault"
	"github.com/marcus-qen/lictor/internal/store"
)

// APIError is the JSON error envelope for all non-2xx responses.
type APIError struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message, Code: code})
}

// writeFault maps a domain error onto the envelope. The fault class decides
// the status code and doubles as the machine-readable code; duplicate-key
// conflicts name the execution already holding the idempotency key.
func writeFault(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, "not_found", "not found")
		return
	}
	class := fault.ClassOf(err)
	resp := APIError{Error: err.Error(), Code: string(class)}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.ConflictID != "" {
		resp.ConflictID = fe.ConflictID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(class))
	_ = json.NewEncoder(w).Encode(resp)
}
