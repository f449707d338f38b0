package api

import (
	"encoding/json"
	"net/http"
)

// errorBody is the uniform error envelope
type errorBody struct {
	Error string `json:"error"`
}

// validationBody carries field-level failures for 422 responses
type validationBody struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeValidation(w http.ResponseWriter, errs []string) {
	writeJSON(w, http.StatusUnprocessableEntity, validationBody{
		Error:  "validation_failed",
		Errors: errs,
	})
}

// decodeBody parses a JSON request body into dst
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
