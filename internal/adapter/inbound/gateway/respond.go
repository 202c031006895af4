// Package gateway provides the main HTTP surface: synthesized tool
// endpoints, the /_meta management API, chat sessions and health.
package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondSuccess writes a 200 success envelope.
func respondSuccess(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, bridge.Success(result))
}

// respondError writes a failure envelope at the error's HTTP status.
func respondError(w http.ResponseWriter, err error) {
	be := bridge.AsError(err)
	status := be.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, bridge.Failure(be))
}

// respondErrorStructured is respondError with an empty structured-output
// collection attached, keeping the shape stable for structured clients.
func respondErrorStructured(w http.ResponseWriter, err error, structured bool) {
	be := bridge.AsError(err)
	status := be.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	env := bridge.Failure(be)
	if structured {
		env.WithOutput(nil)
	}
	writeJSON(w, status, env)
}
