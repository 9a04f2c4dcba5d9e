// Package signaltest provides an in-process signaling server for tests.
package signaltest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silviot/agentcall/pkg/signal"
)

// Server simulates the media server's signaling endpoint
type Server struct {
	*httptest.Server

	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu           sync.Mutex
	clients      map[*websocket.Conn]*sync.Mutex
	received     []map[string]interface{}
	participants []signal.ParticipantInfo
	rejectToken  string
	answer       func(offer string) string
	joins        int
}

// NewServer starts a mock signaling server
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]*sync.Mutex),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rtc", s.handleWebSocket)
	s.Server = httptest.NewServer(mux)
	return s
}

// WSURL returns the ws:// URL of the server
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http")
}

// RejectToken makes joins with token fail with 401
func (s *Server) RejectToken(token string) {
	s.mu.Lock()
	s.rejectToken = token
	s.mu.Unlock()
}

// AnswerOffers sets how client offers are answered. Without it offers are
// recorded and left unanswered.
func (s *Server) AnswerOffers(fn func(offer string) string) {
	s.mu.Lock()
	s.answer = fn
	s.mu.Unlock()
}

// SetParticipants replaces the remote participant list and pushes it to
// connected clients.
func (s *Server) SetParticipants(participants ...signal.ParticipantInfo) {
	s.mu.Lock()
	s.participants = participants
	s.mu.Unlock()
	s.Broadcast(signal.ParticipantsMessage{Type: "participants", Participants: participants})
}

// AddAgent announces an agent participant with the given track kinds
func (s *Server) AddAgent(identity string, kinds ...string) {
	info := signal.ParticipantInfo{Identity: identity, Kind: signal.KindAgent}
	for i, k := range kinds {
		info.Tracks = append(info.Tracks, signal.TrackInfo{SID: fmt.Sprintf("TR_%s_%d", identity, i), Kind: k})
	}
	s.mu.Lock()
	participants := append(append([]signal.ParticipantInfo(nil), s.participants...), info)
	s.mu.Unlock()
	s.SetParticipants(participants...)
}

// AgentState pushes an agent state change
func (s *Server) AgentState(identity, state string) {
	s.Broadcast(signal.AgentStateMessage{Type: "agent_state", Identity: identity, State: state})
}

// Transcribe pushes a transcription segment
func (s *Server) Transcribe(identity string, seg signal.Segment) {
	s.Broadcast(signal.TranscriptionMessage{Type: "transcription", Identity: identity, Segments: []signal.Segment{seg}})
}

// Leave tells clients the session is over
func (s *Server) Leave(reason string) {
	s.Broadcast(signal.LeaveMessage{Type: "leave", Reason: reason})
}

// DropConnections closes every client connection without a leave frame
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
		delete(s.clients, conn)
	}
}

// Broadcast sends msg to all connected clients
func (s *Server) Broadcast(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to encode broadcast", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, wmu := range s.clients {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			s.logger.Debug("failed to broadcast", "error", err)
		}
	}
}

// Received returns the frames of type typ sent by clients, in order
func (s *Server) Received(typ string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range s.received {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Joins returns how many clients have joined since start
func (s *Server) Joins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

// WaitFor polls cond until it holds or timeout passes
func (s *Server) WaitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")

	s.mu.Lock()
	reject := token == "" || token == s.rejectToken
	s.mu.Unlock()
	if reject {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	wmu := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = wmu
	s.joins++
	joined := signal.JoinedMessage{
		Type:         "joined",
		Room:         "test-room",
		Identity:     "user-" + token,
		Participants: append([]signal.ParticipantInfo(nil), s.participants...),
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.send(conn, wmu, joined)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("failed to parse message", "error", err)
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg)
		answer := s.answer
		s.mu.Unlock()

		switch msg["type"] {
		case "ping":
			s.send(conn, wmu, map[string]string{"type": "pong"})
		case "offer":
			if answer != nil {
				sdp, _ := msg["sdp"].(string)
				s.send(conn, wmu, signal.SessionDescription{Type: "answer", SDP: answer(sdp)})
			}
		case "leave":
			return
		}
	}
}

func (s *Server) send(conn *websocket.Conn, wmu *sync.Mutex, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("mock send failed", "error", err)
	}
}
