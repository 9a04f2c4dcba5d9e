package backend

// roomConfig is the token request body. The agent is dispatched into the
// room when the participant joins.
type roomConfig struct {
	RoomConfig struct {
		Agents []agentDispatch `json:"agents,omitempty"`
	} `json:"room_config"`
}

type agentDispatch struct {
	AgentName string `json:"agent_name"`
}

// connectionDetailsResponse is the token endpoint reply
type connectionDetailsResponse struct {
	ServerURL        string `json:"serverUrl"`
	RoomName         string `json:"roomName"`
	ParticipantName  string `json:"participantName"`
	ParticipantToken string `json:"participantToken"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is a signed-in user session
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// errorResponse covers the error shapes the auth and REST endpoints return
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e errorResponse) text() string {
	switch {
	case e.ErrorDescription != "":
		return e.ErrorDescription
	case e.Msg != "":
		return e.Msg
	case e.Message != "":
		return e.Message
	default:
		return e.Error
	}
}

// transcriptRow is the REST table row for a persisted transcript
type transcriptRow struct {
	ID        string      `json:"id"`
	RoomName  string      `json:"room_name,omitempty"`
	Message   interface{} `json:"message"`
	StartTime string      `json:"start_time"`
	EndTime   string      `json:"end_time"`
}
