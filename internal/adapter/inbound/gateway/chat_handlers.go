package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MCP-Bridge/mcpbridge/internal/domain/bridge"
	"github.com/MCP-Bridge/mcpbridge/internal/service"
)

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req service.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, bridge.NewError(bridge.CodeInvalidJSON, http.StatusBadRequest, "invalid JSON body").Wrap(err))
		return
	}
	sess, err := h.chat.CreateSession(req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, sess)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, h.chat.SessionIDs())
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.chat.GetSession(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, sess)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.chat.DeleteSession(id); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, map[string]any{"deleted": id})
}

func (h *Handler) handleResetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.chat.ResetSession(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w, sess)
}

func (h *Handler) handleSessionModels(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, h.chat.Models(r.Context()))
}

func (h *Handler) handleGetFavorites(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, h.state.FavoriteModels())
}

// handleSetFavorites replaces the whole list when "models" is given, or
// toggles one entry via "model" plus "favorite".
func (h *Handler) handleSetFavorites(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Models   []string `json:"models"`
		Model    string   `json:"model"`
		Favorite *bool    `json:"favorite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, bridge.NewError(bridge.CodeInvalidJSON, http.StatusBadRequest, "invalid JSON body").Wrap(err))
		return
	}

	var err error
	switch {
	case body.Models != nil:
		err = h.state.SetFavoriteModels(body.Models)
	case body.Model != "":
		if body.Favorite == nil || *body.Favorite {
			err = h.state.AddFavoriteModel(body.Model)
		} else {
			err = h.state.RemoveFavoriteModel(body.Model)
		}
	default:
		respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "models or model is required"))
		return
	}
	if err != nil {
		respondError(w, bridge.NewError(bridge.CodeIOError, http.StatusInternalServerError, "save state: %v", err).Wrap(err))
		return
	}
	respondSuccess(w, h.state.FavoriteModels())
}

// handleSessionMessage runs one exchange. The default is an SSE stream
// of exchange events; "stream": false returns the final session
// snapshot as plain JSON instead.
func (h *Handler) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Content string `json:"content"`
		Stream  *bool  `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, bridge.NewError(bridge.CodeInvalidJSON, http.StatusBadRequest, "invalid JSON body").Wrap(err))
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		respondError(w, bridge.NewError(bridge.CodeInvalid, http.StatusBadRequest, "message content is required"))
		return
	}
	if _, err := h.chat.GetSession(id); err != nil {
		respondError(w, err)
		return
	}

	if body.Stream != nil && !*body.Stream {
		discard := func(service.ChatEvent) error { return nil }
		if err := h.chat.Exchange(r.Context(), id, body.Content, discard); err != nil {
			respondError(w, err)
			return
		}
		sess, err := h.chat.GetSession(id)
		if err != nil {
			respondError(w, err)
			return
		}
		respondSuccess(w, sess)
		return
	}

	h.streamExchange(w, r, id, body.Content)
}

// streamExchange relays exchange events as SSE. The exchange runs in a
// worker feeding a bounded channel; a stalled or disconnected client
// cancels it.
func (h *Handler) streamExchange(w http.ResponseWriter, r *http.Request, id, content string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, bridge.NewError(bridge.CodeUnexpected, http.StatusInternalServerError, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan service.ChatEvent, h.settings.Chat.EventBuffer)
	go func() {
		defer close(events)
		emit := func(ev service.ChatEvent) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := h.chat.Exchange(ctx, id, content, emit); err != nil && ctx.Err() == nil {
			be := bridge.AsError(err)
			_ = emit(service.ChatEvent{
				Type: service.EventError,
				Data: map[string]any{"message": be.Message, "code": be.Code},
			})
		}
	}()

	for ev := range events {
		if err := writeSSE(w, flusher, ev.Type, ev.Data); err != nil {
			cancel()
			for range events {
			}
			return
		}
	}
	_ = writeSSE(w, flusher, service.EventDone, map[string]any{})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(`{}`)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
