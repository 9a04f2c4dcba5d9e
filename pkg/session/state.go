package session

import "fmt"

// State is the phase of the current call attempt.
type State int

const (
	Idle State = iota
	Connecting
	AwaitingAgentMedia
	Active
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case AwaitingAgentMedia:
		return "awaiting_agent_media"
	case Active:
		return "active"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// trigger is an input to the state machine
type trigger int

const (
	triggerStart      trigger = iota // caller asked for a call
	triggerConnected                 // transport connected and mic enabled
	triggerAgentReady                // probe resolved
	triggerEnd                       // leave, remote disconnect or liveness timeout
	triggerFail                      // unrecoverable error
	triggerTornDown                  // teardown finished
)

func (t trigger) String() string {
	switch t {
	case triggerStart:
		return "start"
	case triggerConnected:
		return "connected"
	case triggerAgentReady:
		return "agent_ready"
	case triggerEnd:
		return "end"
	case triggerFail:
		return "fail"
	case triggerTornDown:
		return "torn_down"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// transition is the only place a State changes.
func transition(from State, t trigger) (State, error) {
	switch from {
	case Idle:
		switch t {
		case triggerStart:
			return Connecting, nil
		}
	case Connecting:
		switch t {
		case triggerConnected:
			return AwaitingAgentMedia, nil
		case triggerEnd:
			return Disconnecting, nil
		case triggerFail:
			return Failed, nil
		}
	case AwaitingAgentMedia:
		switch t {
		case triggerAgentReady:
			return Active, nil
		case triggerEnd:
			return Disconnecting, nil
		case triggerFail:
			return Failed, nil
		}
	case Active:
		switch t {
		case triggerEnd:
			return Disconnecting, nil
		case triggerFail:
			return Failed, nil
		}
	case Disconnecting, Failed:
		switch t {
		case triggerTornDown:
			return Idle, nil
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, from)
}
