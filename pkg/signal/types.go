package signal

// Message is the envelope every signaling frame carries
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// ParticipantKind distinguishes agents from people
const (
	KindAgent    = "agent"
	KindStandard = "standard"
)

// ParticipantInfo describes a room member and its published tracks
type ParticipantInfo struct {
	Identity string      `json:"identity"`
	Name     string      `json:"name,omitempty"`
	Kind     string      `json:"kind,omitempty"` // "agent" or "standard"
	Tracks   []TrackInfo `json:"tracks,omitempty"`
}

// TrackInfo describes a published track
type TrackInfo struct {
	SID   string `json:"sid"`
	Kind  string `json:"kind"` // "audio" or "video"
	Muted bool   `json:"muted,omitempty"`
}

// ICEServer is a STUN/TURN server offered by the media server
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// JoinedMessage is the first frame after a successful join
type JoinedMessage struct {
	Type         string            `json:"type"` // "joined"
	Room         string            `json:"room"`
	Identity     string            `json:"identity"`
	Participants []ParticipantInfo `json:"participants,omitempty"`
	ICEServers   []ICEServer       `json:"ice_servers,omitempty"`
}

// ParticipantsMessage carries the full remote participant list
type ParticipantsMessage struct {
	Type         string            `json:"type"` // "participants"
	Participants []ParticipantInfo `json:"participants"`
}

// SessionDescription is an SDP offer or answer
type SessionDescription struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate matches the browser RTCIceCandidateInit JSON shape
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CandidateMessage trickles one ICE candidate
type CandidateMessage struct {
	Type      string       `json:"type"` // "candidate"
	Candidate ICECandidate `json:"candidate"`
}

// Segment is one streamed transcription segment
type Segment struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Final    bool   `json:"final,omitempty"`
	Revision int    `json:"revision,omitempty"`
}

// TranscriptionMessage carries speech-to-text segments for one participant
type TranscriptionMessage struct {
	Type     string    `json:"type"` // "transcription"
	Identity string    `json:"participant"`
	Segments []Segment `json:"segments"`
}

// ChatMessage is a typed chat line
type ChatMessage struct {
	Type     string `json:"type"` // "chat"
	ID       string `json:"id"`
	Identity string `json:"participant,omitempty"`
	Text     string `json:"text"`
}

// AgentStateMessage reports the agent's conversational state
type AgentStateMessage struct {
	Type     string `json:"type"` // "agent_state"
	Identity string `json:"participant"`
	State    string `json:"state"`
}

// MuteMessage toggles a local track
type MuteMessage struct {
	Type  string `json:"type"` // "mute"
	Kind  string `json:"kind"`
	Muted bool   `json:"muted"`
}

// LeaveMessage ends the session, sent by either side
type LeaveMessage struct {
	Type   string `json:"type"` // "leave"
	Reason string `json:"reason,omitempty"`
}

// ErrorMessage contains error information from the server
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PingMessage is a keep-alive message
type PingMessage struct {
	Type string `json:"type"` // "ping"
}
