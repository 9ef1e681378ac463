package server

import (
	"net/http"

	"github.com/loudwire/spacetap/completion"
	"github.com/loudwire/spacetap/db"
)

// HandlePanelHistory serves the stored conversation (GET) and clears it
// (DELETE).
func (h *Handlers) HandlePanelHistory(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		history, err := db.LoadHistory(r.Context(), h.db)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if history == nil {
			history = []completion.Message{}
		}
		writeJSON(w, http.StatusOK, history)
	case http.MethodDelete:
		if err := db.ClearHistory(r.Context(), h.db); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
