// Package session drives one call with the agent at a time: it connects
// the transport, waits for the agent's media, aggregates the conversation
// and tears everything down when the call ends.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/silviot/agentcall/pkg/chat"
	"github.com/silviot/agentcall/pkg/connection"
	"github.com/silviot/agentcall/pkg/probe"
	"github.com/silviot/agentcall/pkg/transport"
)

// Credentials supplies connection details for an attempt.
type Credentials interface {
	ExistingOrRefresh(ctx context.Context) (connection.Details, error)
	ForceRefresh(ctx context.Context) (connection.Details, error)
}

// Transcripts persists finished conversations.
type Transcripts interface {
	Insert(ctx context.Context, t chat.Transcript) error
}

// Gate decides whether a call may start.
type Gate interface {
	Require(ctx context.Context) error
}

// Config holds orchestrator configuration
type Config struct {
	Transport   transport.Transport
	Credentials Credentials
	Store       Transcripts // nil disables persistence
	Gate        Gate        // nil lets every Start through
	Probe       probe.Config

	AgentInitTimeout  time.Duration // default 20s
	InactivityTimeout time.Duration // default 60s
	MicEnableDelay    time.Duration // 0 disables the delayed re-enable
	TeardownTimeout   time.Duration // default 10s

	Logger *slog.Logger
	Now    func() time.Time
}

// Stats are cumulative counters since the orchestrator was created.
type Stats struct {
	Attempts          int64 `json:"attempts"`
	Activated         int64 `json:"activated"`
	Failed            int64 `json:"failed"`
	Persisted         int64 `json:"persisted"`
	PersistFailures   int64 `json:"persist_failures"`
	DroppedChatEvents int64 `json:"dropped_chat_events"`
}

// Orchestrator owns the transport and the state of the current attempt.
type Orchestrator struct {
	transport         transport.Transport
	creds             Credentials
	store             Transcripts
	gate              Gate
	probe             *probe.Probe
	agentInitTimeout  time.Duration
	inactivityTimeout time.Duration
	micEnableDelay    time.Duration
	teardownTimeout   time.Duration
	logger            *slog.Logger
	now               func() time.Time
	obs               observers

	mu         sync.Mutex
	state      State
	current    *attempt
	agentState transport.AgentState

	attempts, activated, failed atomic.Int64
	persisted, persistFailures  atomic.Int64
	droppedChatEvents           atomic.Int64
}

// attempt is the lifetime of one Start call and the session it opens
type attempt struct {
	id    string
	start time.Time

	// phase bounds connection establishment. The event loop aborts it
	// with the failure it observed.
	phase context.Context
	abort context.CancelCauseFunc

	// ctx lives until teardown
	ctx    context.Context
	cancel context.CancelFunc

	queue       *eventQueue
	unsubscribe func()
	activated   chan struct{}

	// owned by the event loop until loopDone is closed
	agg *chat.Aggregator
	ls  loopState

	// guarded by Orchestrator.mu
	roomName string
	ending   bool

	teardownOnce sync.Once
	tornDown     chan struct{}
	loopDone     chan struct{}
}

// NewOrchestrator creates an idle orchestrator
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AgentInitTimeout <= 0 {
		cfg.AgentInitTimeout = 20 * time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 60 * time.Second
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 10 * time.Second
	}
	if cfg.Probe.Logger == nil {
		cfg.Probe.Logger = cfg.Logger
	}

	return &Orchestrator{
		transport:         cfg.Transport,
		creds:             cfg.Credentials,
		store:             cfg.Store,
		gate:              cfg.Gate,
		probe:             probe.New(cfg.Probe),
		agentInitTimeout:  cfg.AgentInitTimeout,
		inactivityTimeout: cfg.InactivityTimeout,
		micEnableDelay:    cfg.MicEnableDelay,
		teardownTimeout:   cfg.TeardownTimeout,
		logger:            cfg.Logger,
		now:               cfg.Now,
		obs:               newObservers(cfg.Logger),
	}
}

// Start runs one call attempt and reports whether it became active. On
// failure the attempt is torn down, a notice is emitted and the returned
// error carries the cause; the orchestrator is Idle again when Start
// returns false.
func (o *Orchestrator) Start(ctx context.Context) (bool, error) {
	if o.gate != nil {
		if err := o.gate.Require(ctx); err != nil {
			return false, err
		}
	}

	a, err := o.begin(ctx)
	if err != nil {
		return false, err
	}
	defer a.abort(nil)

	err = o.establish(a)
	if err == nil {
		err = o.activate(a)
	}
	if err == nil {
		return true, nil
	}

	// A failure seen by the event loop outranks the error it caused here
	if a.phase.Err() != nil {
		err = context.Cause(a.phase)
	}

	t := triggerFail
	if errors.Is(err, ErrLeft) {
		t = triggerEnd
	} else {
		o.failed.Add(1)
	}
	o.end(a, t, err.Error(), err, noticeFor(err), false)
	<-a.tornDown
	<-a.loopDone

	o.logger.Info("call attempt failed", "attempt", a.id, "error", err)
	return false, err
}

func (o *Orchestrator) begin(ctx context.Context) (*attempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != Idle {
		return nil, ErrBusy
	}

	a := &attempt{
		id:        uuid.NewString(),
		start:     o.now(),
		queue:     newEventQueue(),
		activated: make(chan struct{}),
		agg:       chat.NewAggregator(o.logger),
		tornDown:  make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	a.phase, a.abort = context.WithCancelCause(ctx)
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := o.setStateLocked(triggerStart, "start"); err != nil {
		a.abort(nil)
		a.cancel()
		return nil, err
	}
	o.current = a
	o.agentState = ""
	o.attempts.Add(1)

	// Listen before connecting so no event is missed
	a.unsubscribe = o.transport.Subscribe(a.queue.push)
	go o.run(a)

	o.logger.Info("call attempt started", "attempt", a.id)
	return a, nil
}

// establish connects, enables the microphone and waits for the agent
func (o *Orchestrator) establish(a *attempt) error {
	details, err := o.creds.ExistingOrRefresh(a.phase)
	if err != nil {
		return err
	}
	o.mu.Lock()
	a.roomName = details.RoomName
	o.mu.Unlock()

	if err := o.transport.Connect(a.phase, details.ServerURL, details.ParticipantToken); err != nil {
		return &TransportConnectError{Err: err}
	}
	if err := o.transport.EnableLocalAudio(a.phase, true); err != nil {
		return &DeviceError{Err: err}
	}
	if err := o.step(a, triggerConnected, "transport connected"); err != nil {
		return err
	}

	if _, err := o.probe.Wait(a.phase, o.transport); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) activate(a *attempt) error {
	if err := o.step(a, triggerAgentReady, "agent media ready"); err != nil {
		return err
	}
	close(a.activated)
	o.activated.Add(1)
	return nil
}

// step applies t unless the phase was aborted
func (o *Orchestrator) step(a *attempt, t trigger, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if a.phase.Err() != nil {
		return context.Cause(a.phase)
	}
	return o.setStateLocked(t, reason)
}

func (o *Orchestrator) setStateLocked(t trigger, reason string) error {
	next, err := transition(o.state, t)
	if err != nil {
		o.logger.Error("rejected state change", "error", err)
		return err
	}
	change := StateChange{From: o.state, To: next, Reason: reason, At: o.now()}
	o.state = next
	o.logger.Info("session state changed", "from", change.From, "to", change.To, "reason", reason)
	o.obs.states.publish(change)
	return nil
}

// stop ends the attempt from the event loop. Until the call is active
// Start owns teardown, so the loop only aborts the phase.
func (o *Orchestrator) stop(a *attempt, t trigger, reason string, cause error, msg string) {
	o.mu.Lock()
	active := o.current == a && o.state == Active && !a.ending
	if !active {
		a.abort(cause)
	}
	o.mu.Unlock()

	if active {
		if t == triggerFail {
			o.failed.Add(1)
		}
		o.end(a, t, reason, cause, msg, true)
	}
}

// end moves the attempt to Disconnecting or Failed and tears it down.
// Only the first call for an attempt has any effect. inLoop is set when
// the caller is the attempt's event loop.
func (o *Orchestrator) end(a *attempt, t trigger, reason string, cause error, msg string, inLoop bool) {
	o.mu.Lock()
	if o.current != a || a.ending {
		o.mu.Unlock()
		return
	}
	a.ending = true
	// A token that never reached the transport may still be good
	refresh := o.state != Connecting
	err := o.setStateLocked(t, reason)
	o.mu.Unlock()

	if err != nil {
		return
	}
	if msg != "" {
		o.obs.notices.publish(Notice{Level: LevelError, Message: msg, Err: cause})
	}
	a.abort(cause)
	o.teardown(a, refresh, inLoop)
}

// teardown releases everything the attempt holds and returns to Idle. It
// runs once per attempt. The event loop has stopped before the
// conversation is flushed, so every event queued before the end is
// persisted and nothing is applied after the reset.
func (o *Orchestrator) teardown(a *attempt, refresh, inLoop bool) {
	a.teardownOnce.Do(func() {
		defer close(a.tornDown)

		a.unsubscribe()
		a.cancel()
		if !inLoop {
			<-a.loopDone
		}
		o.drainChat(a)

		ctx, cancel := context.WithTimeout(context.Background(), o.teardownTimeout)
		defer cancel()

		if err := o.transport.Disconnect(ctx); err != nil {
			o.logger.Warn("failed to disconnect transport", "attempt", a.id, "error", err)
		}

		o.persist(ctx, a)
		o.obs.conversation.publish([]chat.Turn{})

		o.mu.Lock()
		o.droppedChatEvents.Add(int64(a.agg.Dropped()))
		a.agg.Reset()
		o.setStateLocked(triggerTornDown, "teardown complete")
		o.current = nil
		o.agentState = ""
		o.mu.Unlock()

		if refresh {
			if _, err := o.creds.ForceRefresh(ctx); err != nil {
				o.logger.Warn("failed to refresh connection details", "error", err)
			}
		}
		o.logger.Info("call attempt torn down", "attempt", a.id, "refreshed", refresh)
	})
}

// persist writes a non-empty conversation. Failures are reported but never
// block teardown.
func (o *Orchestrator) persist(ctx context.Context, a *attempt) {
	if o.store == nil {
		return
	}
	record := a.agg.Snapshot()
	if record.Len() == 0 {
		return
	}

	o.mu.Lock()
	roomName := a.roomName
	o.mu.Unlock()

	t := chat.NewTranscript(roomName, record, a.start, o.now())
	if err := o.store.Insert(ctx, t); err != nil {
		perr := &PersistenceError{TranscriptID: t.ID, Err: err}
		o.persistFailures.Add(1)
		o.logger.Error("failed to persist transcript", "attempt", a.id, "error", perr)
		o.obs.notices.publish(Notice{Level: LevelError, Message: MsgTranscriptNotSaved, Err: perr})
		return
	}
	o.persisted.Add(1)
	o.logger.Info("transcript persisted", "attempt", a.id, "transcript", t.ID, "turns", record.Len())
}

// Leave ends the current attempt and waits for teardown. Leaving while
// idle is a no-op.
func (o *Orchestrator) Leave(ctx context.Context) error {
	o.mu.Lock()
	a := o.current
	if a == nil {
		o.mu.Unlock()
		return nil
	}
	active := o.state == Active && !a.ending
	if !active && !a.ending {
		a.abort(ErrLeft)
	}
	o.mu.Unlock()

	if active {
		o.end(a, triggerEnd, "left by user", ErrLeft, "", false)
	}

	for _, done := range []chan struct{}{a.tornDown, a.loopDone} {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Prefetch warms the connection details cache.
func (o *Orchestrator) Prefetch(ctx context.Context) error {
	if _, err := o.creds.ExistingOrRefresh(ctx); err != nil {
		o.logger.Warn("failed to prefetch connection details", "error", err)
		o.obs.notices.publish(Notice{Level: LevelError, Message: MsgTokenFailed, Err: err})
		return err
	}
	return nil
}

// SendChat sends a text message to the agent. The agent must have
// finished initializing.
func (o *Orchestrator) SendChat(ctx context.Context, text string) error {
	o.mu.Lock()
	available := o.state == Active && o.agentState.Engaged()
	o.mu.Unlock()

	if !available {
		return ErrAgentUnavailable
	}
	return o.transport.SendChat(ctx, text)
}

// State returns the current state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// AgentState returns the agent's last reported state in this attempt
func (o *Orchestrator) AgentState() transport.AgentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.agentState
}

// Turns returns the conversation of the current attempt
func (o *Orchestrator) Turns() []chat.Turn {
	o.mu.Lock()
	a := o.current
	o.mu.Unlock()
	if a == nil {
		return []chat.Turn{}
	}
	return a.agg.Turns()
}

// Stats returns a snapshot of the counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	dropped := o.droppedChatEvents.Load()
	if o.current != nil {
		dropped += int64(o.current.agg.Dropped())
	}
	o.mu.Unlock()

	return Stats{
		Attempts:          o.attempts.Load(),
		Activated:         o.activated.Load(),
		Failed:            o.failed.Load(),
		Persisted:         o.persisted.Load(),
		PersistFailures:   o.persistFailures.Load(),
		DroppedChatEvents: dropped,
	}
}

// SubscribeStates streams state changes. Call the returned func to stop.
func (o *Orchestrator) SubscribeStates() (<-chan StateChange, func()) {
	return o.obs.states.subscribe()
}

// SubscribeConversation streams the ordered conversation after each change
func (o *Orchestrator) SubscribeConversation() (<-chan []chat.Turn, func()) {
	return o.obs.conversation.subscribe()
}

// SubscribeNotices streams user-facing notices
func (o *Orchestrator) SubscribeNotices() (<-chan Notice, func()) {
	return o.obs.notices.subscribe()
}
