package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by operations that need a live room.
var ErrNotConnected = errors.New("transport not connected")

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Owner says whose media a handle refers to.
type Owner string

const (
	OwnerLocal  Owner = "local"
	OwnerAgent  Owner = "agent"
	OwnerRemote Owner = "remote"
)

// MediaHandle references one local or remote stream. It is only valid for
// the session that produced it.
type MediaHandle struct {
	ParticipantID string `json:"participant"`
	Owner         Owner  `json:"owner"`
	Kind          Kind   `json:"kind"`
	Subscribed    bool   `json:"subscribed"`
}

// Participant is a remote member of the room.
type Participant struct {
	Identity string        `json:"identity"`
	IsAgent  bool          `json:"is_agent"`
	Media    []MediaHandle `json:"media,omitempty"`
}

// Track returns the participant's media of kind k.
func (p Participant) Track(k Kind) (MediaHandle, bool) {
	for _, m := range p.Media {
		if m.Kind == k {
			return m, true
		}
	}
	return MediaHandle{}, false
}

// AgentState is the agent's self-reported conversational state.
type AgentState string

const (
	AgentConnecting   AgentState = "connecting"
	AgentInitializing AgentState = "initializing"
	AgentListening    AgentState = "listening"
	AgentThinking     AgentState = "thinking"
	AgentSpeaking     AgentState = "speaking"
)

// Engaged reports whether the agent has finished initializing.
func (s AgentState) Engaged() bool {
	return s == AgentListening || s == AgentThinking || s == AgentSpeaking
}

// EventType enumerates transport notifications.
type EventType int

const (
	EventDisconnected EventType = iota
	EventDeviceError
	EventMediaSubscribed
	EventChatReceived
	EventAgentStateChanged
)

func (t EventType) String() string {
	switch t {
	case EventDisconnected:
		return "disconnected"
	case EventDeviceError:
		return "device_error"
	case EventMediaSubscribed:
		return "media_subscribed"
	case EventChatReceived:
		return "chat_received"
	case EventAgentStateChanged:
		return "agent_state_changed"
	default:
		return "unknown"
	}
}

// ChatMessage is one streamed transcript or chat segment.
type ChatMessage struct {
	ID       string
	Identity string // participant that produced the text
	Text     string
	Revision int
	Final    bool
}

// Event is delivered to subscribers in emission order.
type Event struct {
	Type       EventType
	Media      MediaHandle
	Chat       ChatMessage
	AgentState AgentState
	Reason     string
	Err        error
}

// Transport is the real-time media room the orchestrator drives.
type Transport interface {
	Connect(ctx context.Context, url, token string) error
	EnableLocalAudio(ctx context.Context, enabled bool) error
	RemoteParticipants() []Participant
	LocalIdentity() string
	Subscribe(fn func(Event)) (unsubscribe func())
	SendChat(ctx context.Context, text string) error
	Disconnect(ctx context.Context) error
}
