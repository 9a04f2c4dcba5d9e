package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/silviot/agentcall/pkg/connection"
	"github.com/silviot/agentcall/pkg/probe"
)

var (
	// ErrBusy is returned by Start while another attempt is in progress.
	ErrBusy = errors.New("a call is already in progress")
	// ErrIllegalTransition reports a state change the machine does not allow.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrLeft ends an attempt the caller left before it became active.
	ErrLeft = errors.New("call left")
	// ErrAgentUnavailable is returned by SendChat when the agent cannot
	// receive messages.
	ErrAgentUnavailable = errors.New("agent is not available")
)

// TransportConnectError is a failure to join the room.
type TransportConnectError struct {
	Err error
}

func (e *TransportConnectError) Error() string {
	return fmt.Sprintf("failed to connect transport: %v", e.Err)
}

func (e *TransportConnectError) Unwrap() error { return e.Err }

// DeviceError is a failure to acquire or keep the microphone.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error: %v", e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// PersistenceError is a failed transcript write. It never blocks teardown.
type PersistenceError struct {
	TranscriptID string
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to persist transcript %s: %v", e.TranscriptID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// User-facing messages
const (
	MsgDeviceError        = "Device access error"
	MsgAgentNeverJoined   = "Agent failed to join. Please try again."
	MsgAgentNotReady      = "Agent joined but did not finish initializing. Please try again."
	MsgConnectFailed      = "Failed to connect. Please try again."
	MsgTokenFailed        = "Failed to get connection token"
	MsgInactivityTimeout  = "Agent connection timed out due to inactivity."
	MsgTranscriptNotSaved = "Conversation could not be saved."
)

// noticeFor maps an attempt error to the message shown to the user. An
// empty result means the error needs no notice.
func noticeFor(err error) string {
	var (
		connErr    *connection.Error
		deviceErr  *DeviceError
		timeoutErr *probe.AgentTimeoutError
	)
	switch {
	case err == nil, errors.Is(err, ErrLeft), errors.Is(err, context.Canceled):
		return ""
	case errors.As(err, &connErr):
		return MsgTokenFailed
	case errors.As(err, &deviceErr):
		return MsgDeviceError
	case errors.As(err, &timeoutErr):
		if timeoutErr.AgentJoined {
			return MsgAgentNotReady
		}
		return MsgAgentNeverJoined
	default:
		return MsgConnectFailed
	}
}
