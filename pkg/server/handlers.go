package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dotsetgreg/dotrag/pkg/conversation"
	"github.com/dotsetgreg/dotrag/pkg/logger"
)

type handler struct {
	engine *conversation.Engine
}

type messageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// postMessage handles POST /v1/threads/{threadID}/messages. An expired
// conversation answers 410 with the expiry reply; the next post starts a new
// conversation on the thread.
func (h *handler) postMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	reply, err := h.engine.HandleMessage(r.Context(), threadID, req.UserID, req.Text)
	switch {
	case errors.Is(err, conversation.ErrConversationExpired):
		writeJSON(w, http.StatusGone, reply)
	case err != nil:
		logger.ErrorCF("server", "Message handling failed", map[string]any{
			"thread_id": threadID,
			"error":     err.Error(),
		})
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

// getThread handles GET /v1/threads/{threadID}.
func (h *handler) getThread(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Store().Get(chi.URLParam(r, "threadID"))
	if errors.Is(err, conversation.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// getConversation handles GET /v1/conversations/{conversationID}, including
// ended and expired conversations.
func (h *handler) getConversation(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Store().GetConversation(chi.URLParam(r, "conversationID"))
	if errors.Is(err, conversation.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"active_conversations": h.engine.Store().Active(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
