package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/silviot/agentcall/pkg/auth"
	"github.com/silviot/agentcall/pkg/chat"
	"github.com/silviot/agentcall/pkg/transport"
)

// ChatRequest is the body of POST /api/v1/call/chat.
type ChatRequest struct {
	Text string `json:"text"`
}

// StateResponse is returned by GET /api/v1/call/state.
type StateResponse struct {
	State      State                `json:"state"`
	AgentState transport.AgentState `json:"agent_state,omitempty"`
	Stats      Stats                `json:"stats"`
}

// ConversationResponse is returned by GET /api/v1/call/conversation.
type ConversationResponse struct {
	Turns []chat.Turn `json:"turns"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleStart handles POST /api/v1/call/start. It blocks until the call is
// active or the attempt has been torn down.
func (o *Orchestrator) HandleStart(w http.ResponseWriter, r *http.Request) {
	// The call outlives the request that started it
	ok, err := o.Start(context.WithoutCancel(r.Context()))
	if ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": Active.String()})
		return
	}

	switch {
	case errors.Is(err, ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotSignedIn):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		o.logger.Error("failed to start call", "error", err)
		msg := noticeFor(err)
		if msg == "" {
			msg = err.Error()
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": msg, "detail": err.Error()})
	}
}

// HandleLeave handles POST /api/v1/call/leave
func (o *Orchestrator) HandleLeave(w http.ResponseWriter, r *http.Request) {
	if err := o.Leave(r.Context()); err != nil {
		o.logger.Error("failed to leave call", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": o.State().String()})
}

// HandleState handles GET /api/v1/call/state
func (o *Orchestrator) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StateResponse{
		State:      o.State(),
		AgentState: o.AgentState(),
		Stats:      o.Stats(),
	})
}

// HandleConversation handles GET /api/v1/call/conversation
func (o *Orchestrator) HandleConversation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConversationResponse{Turns: o.Turns()})
}

// HandleChat handles POST /api/v1/call/chat
func (o *Orchestrator) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	if err := o.SendChat(r.Context(), text); err != nil {
		if errors.Is(err, ErrAgentUnavailable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		o.logger.Error("failed to send chat", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// Routes registers the control API on mux.
func (o *Orchestrator) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/call/start", o.HandleStart)
	mux.HandleFunc("POST /api/v1/call/leave", o.HandleLeave)
	mux.HandleFunc("GET /api/v1/call/state", o.HandleState)
	mux.HandleFunc("GET /api/v1/call/conversation", o.HandleConversation)
	mux.HandleFunc("POST /api/v1/call/chat", o.HandleChat)
}
