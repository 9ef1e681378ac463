package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loudwire/spacetap/completion"
	"github.com/loudwire/spacetap/coordinator"
	"github.com/loudwire/spacetap/link"
	"github.com/loudwire/spacetap/telemetry"
)

// HandlePanelEvents streams coordinator notifications to the panel as
// Server-Sent Events. Each connection opens its own channel on the hub;
// notifications queued while no panel was attached are delivered first, in
// order.
func (h *Handlers) HandlePanelEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	port, err := h.hub.Open(coordinator.ChannelPanel)
	if err != nil {
		http.Error(w, "hub unavailable", http.StatusServiceUnavailable)
		return
	}
	defer port.Close()

	ctx := r.Context()
	stop := make(chan struct{})
	defer close(stop)
	events := make(chan link.Message, 16)
	port.OnMessage(func(m link.Message) {
		select {
		case events <- m:
		case <-stop:
		}
	})
	disconnected := make(chan struct{})
	port.OnDisconnect(func() { close(disconnected) })

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-disconnected:
			return
		case m := <-events:
			if _, err := w.Write([]byte("data: ")); err != nil {
				slog.Warn("failed to write SSE data prefix", slog.Any("err", err))
				return
			}
			if err := enc.Encode(m); err != nil {
				slog.Warn("failed to encode SSE event", slog.Any("err", err))
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandlePanelInput accepts one chat input. The input is first enriched with
// recorded-broadcast context from the vector store, then handed to the
// coordinator; the assistant's reply arrives on the event stream.
func (h *Handlers) HandlePanelInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Input string `json:"input"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	input := strings.TrimSpace(body.Input)
	if input == "" {
		http.Error(w, "input empty", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	combined := input
	if h.relay != nil {
		result, err := h.relay.QueryVectors(ctx, input)
		if err != nil {
			// Context lookup failure degrades to the raw question.
			telemetry.LoggerWithCorr(ctx).Warn("vector query failed", slog.Any("err", err))
		} else if result != "" {
			combined = result + " " + input
		}
	}

	if err := h.coord.HandlePanelCommand(ctx, link.Message{Action: link.ActionUserInput, UserInput: combined}); err != nil {
		var authErr *completion.AuthError
		if errors.As(err, &authErr) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErr.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePanelRecord forwards a start or stop recording command to the page
// observer.
func (h *Handlers) HandlePanelRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	action := link.Action(body.Action)
	if action != link.ActionStartRecording && action != link.ActionStopRecording {
		http.Error(w, "action must be startRecording or stopRecording", http.StatusBadRequest)
		return
	}
	if err := h.coord.HandlePanelCommand(r.Context(), link.Message{Action: action}); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
