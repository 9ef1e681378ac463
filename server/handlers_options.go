package server

import (
	"net/http"

	"github.com/loudwire/spacetap/config"
	"github.com/loudwire/spacetap/db"
)

// HandleOptionsKey manages the AI provider credential. GET reports whether a
// key is configured (masked, never the full value), PUT validates and stores
// one, DELETE removes it.
func (h *Handlers) HandleOptionsKey(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		key, err := db.GetKV(r.Context(), h.db, db.KeyAPIKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"configured": key != "",
			"masked":     maskKey(key),
		})
	case http.MethodPut:
		var body struct {
			APIKey string `json:"apiKey"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if err := config.ValidateAPIKey(body.APIKey); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := db.SetAPIKey(r.Context(), h.db, body.APIKey); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	case http.MethodDelete:
		if err := db.DeleteKV(r.Context(), h.db, db.KeyAPIKey); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleOptionsModel manages the configured completion model.
func (h *Handlers) HandleOptionsModel(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		model, err := db.GetKV(r.Context(), h.db, db.KeyAPIModel)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if model == "" {
			model = db.DefaultModel
		}
		writeJSON(w, http.StatusOK, map[string]string{"apiModel": model})
	case http.MethodPut:
		var body struct {
			APIModel string `json:"apiModel"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		if body.APIModel == "" {
			http.Error(w, "apiModel empty", http.StatusBadRequest)
			return
		}
		if err := db.SetKV(r.Context(), h.db, db.KeyAPIModel, body.APIModel); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// maskKey hides all but the last four characters of a credential.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
