package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/homesyncd/homesync/internal/wire"
)

// writeJSON encodes payload with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes the structured error body for the given status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, wire.StatusResponse{Status: "error", Message: message})
}
