package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/sandboxd/pkg/metrics"
)

// writeJSON encodes v as the response body with status and a JSON
// content-type header.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of the structured error response (spec §7).
type errorBody struct {
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
}

// writeError writes err's structured body and increments the admin error
// counter for err.Kind.
func writeError(w http.ResponseWriter, err *apiError) {
	metrics.AdminErrorsTotal.WithLabelValues(string(err.Kind)).Inc()
	writeJSON(w, err.Status, errorBody{Message: err.Message, StatusCode: err.Status})
}
