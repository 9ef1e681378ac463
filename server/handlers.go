// Package server exposes the HTTP API handlers.
package server

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/loudwire/spacetap/coordinator"
	"github.com/loudwire/spacetap/link"
	"github.com/loudwire/spacetap/relay"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db    *sql.DB
	hub   *link.Hub
	coord *coordinator.Coordinator
	relay *relay.Client
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		db:    deps.DB,
		hub:   deps.Hub,
		coord: deps.Coord,
		relay: deps.Relay,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}
