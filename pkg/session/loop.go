package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/silviot/agentcall/pkg/chat"
	"github.com/silviot/agentcall/pkg/transport"
)

// eventQueue is an unbounded FIFO between transport callbacks and the loop
type eventQueue struct {
	mu    sync.Mutex
	items []transport.Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev transport.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (transport.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return transport.Event{}, false
	}
	ev := q.items[0]
	q.items[0] = transport.Event{}
	q.items = q.items[1:]
	return ev, true
}

func (q *eventQueue) drain() []transport.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// timer is a stoppable one-shot whose channel is nil while unarmed
type timer struct {
	t *time.Timer
}

func (t *timer) arm(d time.Duration) {
	t.stop()
	t.t = time.NewTimer(d)
}

func (t *timer) stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}

func (t *timer) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

// loopState is owned by the attempt's event loop
type loopState struct {
	active        bool
	agentState    transport.AgentState
	agentIdentity string

	agentInit  timer
	inactivity timer
	micEnable  timer
}

func (ls *loopState) stopTimers() {
	ls.agentInit.stop()
	ls.inactivity.stop()
	ls.micEnable.stop()
}

// run processes transport events in emission order and owns the
// liveness timers of the attempt. It stops at the first event after the
// attempt's context is cancelled; teardown drains what is left.
func (o *Orchestrator) run(a *attempt) {
	defer close(a.loopDone)

	ls := &a.ls
	defer ls.stopTimers()

	activated := a.activated
	for {
		select {
		case <-a.ctx.Done():
			return

		case <-a.queue.ready:
			for a.ctx.Err() == nil {
				ev, ok := a.queue.pop()
				if !ok {
					break
				}
				o.handleEvent(a, ev)
			}

		case <-activated:
			activated = nil
			ls.active = true
			if !ls.agentState.Engaged() {
				ls.agentInit.arm(o.agentInitTimeout)
			}
			if ls.agentState == transport.AgentListening {
				ls.inactivity.arm(o.inactivityTimeout)
			}
			if o.micEnableDelay > 0 {
				ls.micEnable.arm(o.micEnableDelay)
			}

		case <-ls.agentInit.C():
			ls.agentInit.stop()
			reason, msg := "agent never joined", MsgAgentNeverJoined
			if o.agentPresent() {
				reason, msg = "agent did not finish initializing", MsgAgentNotReady
			}
			o.logger.Warn("agent did not engage in time", "attempt", a.id, "reason", reason, "timeout", o.agentInitTimeout)
			o.stop(a, triggerFail, reason, nil, msg)

		case <-ls.inactivity.C():
			ls.inactivity.stop()
			o.logger.Warn("agent inactive", "attempt", a.id, "timeout", o.inactivityTimeout)
			o.stop(a, triggerEnd, "inactivity timeout", nil, MsgInactivityTimeout)

		case <-ls.micEnable.C():
			ls.micEnable.stop()
			if err := o.transport.EnableLocalAudio(a.ctx, true); err != nil {
				o.stop(a, triggerFail, "device error", &DeviceError{Err: err}, MsgDeviceError)
			}
		}
	}
}

func (o *Orchestrator) handleEvent(a *attempt, ev transport.Event) {
	ls := &a.ls
	switch ev.Type {
	case transport.EventChatReceived:
		o.applyChat(a, ev.Chat)

	case transport.EventAgentStateChanged:
		ls.agentState = ev.AgentState
		if ev.Media.ParticipantID != "" {
			ls.agentIdentity = ev.Media.ParticipantID
		}
		o.mu.Lock()
		o.agentState = ev.AgentState
		o.mu.Unlock()
		o.logger.Debug("agent state changed", "attempt", a.id, "state", ev.AgentState)

		if ev.AgentState.Engaged() {
			ls.agentInit.stop()
		}
		if ls.active {
			if ev.AgentState == transport.AgentListening {
				ls.inactivity.arm(o.inactivityTimeout)
			} else {
				ls.inactivity.stop()
			}
		}

	case transport.EventMediaSubscribed:
		o.logger.Debug("remote media subscribed", "attempt", a.id, "participant", ev.Media.ParticipantID, "kind", ev.Media.Kind)

	case transport.EventDeviceError:
		o.logger.Error("device error", "attempt", a.id, "error", ev.Err)
		o.stop(a, triggerFail, "device error", &DeviceError{Err: ev.Err}, MsgDeviceError)

	case transport.EventDisconnected:
		o.logger.Warn("transport disconnected", "attempt", a.id, "reason", ev.Reason, "error", ev.Err)
		t := triggerEnd
		if ev.Err != nil {
			t = triggerFail
		}
		cause := &TransportConnectError{Err: fmt.Errorf("disconnected: %s", ev.Reason)}
		o.stop(a, t, ev.Reason, cause, "")
	}
}

// drainChat folds events still queued when the loop stopped into the
// conversation. Only teardown calls it, after the loop has finished or
// from the loop itself.
func (o *Orchestrator) drainChat(a *attempt) {
	for _, ev := range a.queue.drain() {
		switch ev.Type {
		case transport.EventChatReceived:
			o.applyChat(a, ev.Chat)
		case transport.EventAgentStateChanged:
			if ev.Media.ParticipantID != "" {
				a.ls.agentIdentity = ev.Media.ParticipantID
			}
		}
	}
}

// applyChat attributes a chat message and folds it into the conversation
func (o *Orchestrator) applyChat(a *attempt, msg transport.ChatMessage) {
	ev := chat.Event{
		ID:       msg.ID,
		Sender:   o.senderOf(&a.ls, msg.Identity),
		Text:     msg.Text,
		Revision: msg.Revision,
	}
	if a.agg.Apply(ev) {
		o.obs.conversation.publish(a.agg.Turns())
	}
}

// senderOf maps a participant identity to a side of the call. Unknown
// identities yield an empty sender.
func (o *Orchestrator) senderOf(ls *loopState, identity string) chat.Sender {
	if identity == "" {
		return ""
	}
	if identity == o.transport.LocalIdentity() {
		return chat.SenderUser
	}
	if identity == ls.agentIdentity {
		return chat.SenderAgent
	}
	for _, p := range o.transport.RemoteParticipants() {
		if p.Identity == identity && p.IsAgent {
			return chat.SenderAgent
		}
	}
	return ""
}

func (o *Orchestrator) agentPresent() bool {
	for _, p := range o.transport.RemoteParticipants() {
		if p.IsAgent {
			return true
		}
	}
	return false
}
