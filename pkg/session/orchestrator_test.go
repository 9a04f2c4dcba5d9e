package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/silviot/agentcall/pkg/chat"
	"github.com/silviot/agentcall/pkg/connection"
	"github.com/silviot/agentcall/pkg/probe"
	"github.com/silviot/agentcall/pkg/transport"
)

// fakeTransport is an in-memory room
type fakeTransport struct {
	bus *transport.Bus

	mu           sync.Mutex
	participants []transport.Participant
	identity     string
	connectErr   error
	audioErr     error
	connects     int
	disconnects  int
	audioCalls   []bool
	sent         []string
}

func newFakeTransport(participants ...transport.Participant) *fakeTransport {
	return &fakeTransport{bus: transport.NewBus(), participants: participants}
}

func (f *fakeTransport) Connect(ctx context.Context, url, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.identity = "user-1"
	return nil
}

func (f *fakeTransport) EnableLocalAudio(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioCalls = append(f.audioCalls, enabled)
	return f.audioErr
}

func (f *fakeTransport) RemoteParticipants() []transport.Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Participant(nil), f.participants...)
}

func (f *fakeTransport) LocalIdentity() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.identity
}

func (f *fakeTransport) Subscribe(fn func(transport.Event)) func() {
	return f.bus.Subscribe(fn)
}

func (f *fakeTransport) SendChat(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTransport) emit(ev transport.Event) {
	f.bus.Publish(ev)
}

func (f *fakeTransport) counts() (connects, disconnects, audio int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, len(f.audioCalls)
}

type fakeCreds struct {
	mu        sync.Mutex
	err       error
	fetches   int
	refreshes int
}

func (c *fakeCreds) ExistingOrRefresh(ctx context.Context) (connection.Details, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches++
	if c.err != nil {
		return connection.Details{}, &connection.Error{Err: c.err}
	}
	return connection.Details{
		ServerURL:        "wss://media.example.com",
		ParticipantToken: "tok",
		RoomName:         "room-1",
		ExpiresAt:        time.Now().Add(time.Hour),
	}, nil
}

func (c *fakeCreds) ForceRefresh(ctx context.Context) (connection.Details, error) {
	c.mu.Lock()
	c.refreshes++
	c.mu.Unlock()
	return connection.Details{}, nil
}

func (c *fakeCreds) refreshCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

type fakeStore struct {
	mu      sync.Mutex
	err     error
	inserts []chat.Transcript
}

func (s *fakeStore) Insert(ctx context.Context, t chat.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts = append(s.inserts, t)
	return s.err
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

type denyGate struct{}

func (denyGate) Require(context.Context) error { return errors.New("not signed in") }

func readyAgent() transport.Participant {
	return transport.Participant{
		Identity: "agent-1",
		IsAgent:  true,
		Media: []transport.MediaHandle{{
			ParticipantID: "agent-1",
			Owner:         transport.OwnerAgent,
			Kind:          transport.KindVideo,
			Subscribed:    true,
		}},
	}
}

type harness struct {
	o     *Orchestrator
	tr    *fakeTransport
	creds *fakeCreds
	store *fakeStore
}

func newHarness(t *testing.T, tr *fakeTransport, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{tr: tr, creds: &fakeCreds{}, store: &fakeStore{}}
	cfg := Config{
		Transport:         tr,
		Credentials:       h.creds,
		Store:             h.store,
		Probe:             probe.Config{Attempts: 2, AttemptTimeout: 20 * time.Millisecond},
		AgentInitTimeout:  time.Minute,
		InactivityTimeout: time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.o = NewOrchestrator(cfg)
	t.Cleanup(func() { h.o.Leave(context.Background()) })
	return h
}

func drainStates(ch <-chan StateChange) []State {
	var out []State
	for {
		select {
		case c := <-ch:
			out = append(out, c.To)
		default:
			return out
		}
	}
}

func drainNotices(ch <-chan Notice) []string {
	var out []string
	for {
		select {
		case n := <-ch:
			out = append(out, n.Message)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		trigger trigger
		want    State
		wantErr bool
	}{
		{Idle, triggerStart, Connecting, false},
		{Connecting, triggerConnected, AwaitingAgentMedia, false},
		{Connecting, triggerFail, Failed, false},
		{Connecting, triggerEnd, Disconnecting, false},
		{AwaitingAgentMedia, triggerAgentReady, Active, false},
		{AwaitingAgentMedia, triggerFail, Failed, false},
		{Active, triggerEnd, Disconnecting, false},
		{Active, triggerFail, Failed, false},
		{Disconnecting, triggerTornDown, Idle, false},
		{Failed, triggerTornDown, Idle, false},
		{Idle, triggerAgentReady, Idle, true},
		{Active, triggerStart, Active, true},
		{Connecting, triggerAgentReady, Connecting, true},
		{Disconnecting, triggerFail, Disconnecting, true},
		{Idle, triggerTornDown, Idle, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.trigger.String(), func(t *testing.T) {
			got, err := transition(tt.from, tt.trigger)
			if (err != nil) != tt.wantErr {
				t.Fatalf("transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("error %v is not ErrIllegalTransition", err)
			}
			if got != tt.want {
				t.Errorf("transition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStart_AgentAlreadyPresent(t *testing.T) {
	h := newHarness(t, newFakeTransport(readyAgent()), nil)
	states, stop := h.o.SubscribeStates()
	defer stop()

	ok, err := h.o.Start(context.Background())
	if err != nil || !ok {
		t.Fatalf("Start() = %v, %v", ok, err)
	}

	want := []State{Connecting, AwaitingAgentMedia, Active}
	if got := drainStates(states); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if h.o.State() != Active {
		t.Errorf("State() = %v", h.o.State())
	}
}

func TestStart_AgentNeverJoins(t *testing.T) {
	h := newHarness(t, newFakeTransport(), nil)
	states, stopStates := h.o.SubscribeStates()
	defer stopStates()
	notices, stopNotices := h.o.SubscribeNotices()
	defer stopNotices()

	ok, err := h.o.Start(context.Background())
	if ok {
		t.Fatal("Start() = true, want false")
	}
	var timeoutErr *probe.AgentTimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.AgentJoined {
		t.Fatalf("err = %v, want AgentTimeoutError without agent", err)
	}

	want := []State{Connecting, AwaitingAgentMedia, Failed, Idle}
	if got := drainStates(states); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if got := drainNotices(notices); len(got) != 1 || got[0] != MsgAgentNeverJoined {
		t.Errorf("notices = %v", got)
	}
	if h.store.count() != 0 {
		t.Error("empty conversation was persisted")
	}
	if _, disconnects, _ := h.tr.counts(); disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
	if h.creds.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1", h.creds.refreshCount())
	}
}

func TestStart_AgentJoinedNotReady(t *testing.T) {
	agent := readyAgent()
	agent.Media[0].Subscribed = false
	h := newHarness(t, newFakeTransport(agent), nil)
	notices, stop := h.o.SubscribeNotices()
	defer stop()

	if ok, _ := h.o.Start(context.Background()); ok {
		t.Fatal("Start() = true, want false")
	}
	if got := drainNotices(notices); len(got) != 1 || got[0] != MsgAgentNotReady {
		t.Errorf("notices = %v", got)
	}
}

func TestStart_ConnectingFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*harness)
		wantNotice string
		check      func(t *testing.T, err error)
	}{
		{
			name:       "connection details",
			setup:      func(h *harness) { h.creds.err = errors.New("backend down") },
			wantNotice: MsgTokenFailed,
			check: func(t *testing.T, err error) {
				var connErr *connection.Error
				if !errors.As(err, &connErr) {
					t.Errorf("err = %v, want connection.Error", err)
				}
			},
		},
		{
			name:       "transport connect",
			setup:      func(h *harness) { h.tr.connectErr = errors.New("401") },
			wantNotice: MsgConnectFailed,
			check: func(t *testing.T, err error) {
				var connErr *TransportConnectError
				if !errors.As(err, &connErr) {
					t.Errorf("err = %v, want TransportConnectError", err)
				}
			},
		},
		{
			name:       "microphone",
			setup:      func(h *harness) { h.tr.audioErr = errors.New("no device") },
			wantNotice: MsgDeviceError,
			check: func(t *testing.T, err error) {
				var devErr *DeviceError
				if !errors.As(err, &devErr) {
					t.Errorf("err = %v, want DeviceError", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, newFakeTransport(readyAgent()), nil)
			tt.setup(h)
			states, stopStates := h.o.SubscribeStates()
			defer stopStates()
			notices, stopNotices := h.o.SubscribeNotices()
			defer stopNotices()

			ok, err := h.o.Start(context.Background())
			if ok {
				t.Fatal("Start() = true, want false")
			}
			tt.check(t, err)

			want := []State{Connecting, Failed, Idle}
			if got := drainStates(states); !equalStates(got, want) {
				t.Errorf("states = %v, want %v", got, want)
			}
			if got := drainNotices(notices); len(got) != 1 || got[0] != tt.wantNotice {
				t.Errorf("notices = %v, want [%s]", got, tt.wantNotice)
			}
			if h.creds.refreshCount() != 0 {
				t.Error("connecting failure must not refresh connection details")
			}
			if h.o.Stats().Failed != 1 {
				t.Errorf("failed = %d, want 1", h.o.Stats().Failed)
			}
		})
	}
}

func TestStart_Busy(t *testing.T) {
	h := newHarness(t, newFakeTransport(readyAgent()), nil)

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	if _, err := h.o.Start(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start() = %v, want ErrBusy", err)
	}
	if connects, _, _ := h.tr.counts(); connects != 1 {
		t.Errorf("connects = %d, want 1", connects)
	}
}

func TestStart_GateDenied(t *testing.T) {
	h := newHarness(t, newFakeTransport(readyAgent()), func(c *Config) { c.Gate = denyGate{} })

	if ok, err := h.o.Start(context.Background()); ok || err == nil {
		t.Fatalf("Start() = %v, %v, want gate error", ok, err)
	}
	if h.o.State() != Idle || h.o.Stats().Attempts != 0 {
		t.Error("denied start must not begin an attempt")
	}
}

func TestStart_DisconnectWhileAwaitingAgent(t *testing.T) {
	tr := newFakeTransport()
	h := newHarness(t, tr, func(c *Config) {
		c.Probe = probe.Config{Attempts: 4, AttemptTimeout: time.Second}
	})

	go func() {
		for h.o.State() != AwaitingAgentMedia {
			time.Sleep(5 * time.Millisecond)
		}
		tr.emit(transport.Event{Type: transport.EventDisconnected, Reason: "server shutdown"})
	}()

	start := time.Now()
	ok, err := h.o.Start(context.Background())
	if ok {
		t.Fatal("Start() = true, want false")
	}
	var connErr *TransportConnectError
	if !errors.As(err, &connErr) {
		t.Errorf("err = %v, want TransportConnectError", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("disconnect did not cut the probe short")
	}
	if h.creds.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1", h.creds.refreshCount())
	}
}

func TestLeave_PersistsConversation(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, nil)
	conversation, stop := h.o.SubscribeConversation()
	defer stop()

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}

	tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: "a", Identity: "agent-1", Text: "Hello"}})
	tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: "u", Identity: "user-1", Text: "Hi"}})
	tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: "a", Identity: "agent-1", Text: "Hello there", Revision: 1}})
	tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: "x", Identity: "stranger", Text: "?"}})
	waitFor(t, func() bool {
		turns := h.o.Turns()
		return len(turns) == 2 && turns[0].Text == "Hello there"
	})

	turns := h.o.Turns()
	if turns[0].Key != "agent_0" || turns[1].Key != "user_1" {
		t.Errorf("turns = %+v", turns)
	}
	if h.o.Stats().DroppedChatEvents != 1 {
		t.Errorf("dropped = %d, want 1", h.o.Stats().DroppedChatEvents)
	}
	if len(drainConversation(conversation)) == 0 {
		t.Error("no conversation updates published")
	}

	if err := h.o.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() failed: %v", err)
	}

	if h.o.State() != Idle {
		t.Errorf("State() = %v, want idle", h.o.State())
	}
	if h.store.count() != 1 {
		t.Fatalf("inserts = %d, want 1", h.store.count())
	}
	tx := h.store.inserts[0]
	if tx.RoomName != "room-1" || tx.ID == "" || tx.Message.Len() != 2 {
		t.Errorf("transcript = %+v", tx)
	}
	if text, _ := tx.Message.Get("agent_0"); text != "Hello there" {
		t.Errorf("agent_0 = %q", text)
	}
	if len(h.o.Turns()) != 0 {
		t.Error("conversation not cleared after teardown")
	}
	if h.creds.refreshCount() != 1 {
		t.Errorf("refreshes = %d, want 1", h.creds.refreshCount())
	}
}

func drainConversation(ch <-chan []chat.Turn) [][]chat.Turn {
	var out [][]chat.Turn
	for {
		select {
		case v := <-ch:
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestTeardown_Idempotent(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, nil)

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: "a", Identity: "agent-1", Text: "Hello"}})
	waitFor(t, func() bool { return len(h.o.Turns()) == 1 })

	h.o.mu.Lock()
	a := h.o.current
	h.o.mu.Unlock()

	// Overlapping remote disconnect and explicit leave
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.emit(transport.Event{Type: transport.EventDisconnected, Reason: "remote hangup"})
	}()
	go func() {
		defer wg.Done()
		h.o.Leave(context.Background())
	}()
	wg.Wait()
	<-a.tornDown

	h.o.end(a, triggerEnd, "again", nil, "", false)
	h.o.teardown(a, true, false)

	if h.store.count() != 1 {
		t.Errorf("inserts = %d, want 1", h.store.count())
	}
	if h.o.State() != Idle {
		t.Errorf("State() = %v, want idle", h.o.State())
	}
	if _, disconnects, _ := tr.counts(); disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
}

func TestPersistenceFailureDoesNotBlockTeardown(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, nil)
	h.store.err = errors.New("disk full")
	notices, stop := h.o.SubscribeNotices()
	defer stop()

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: "a", Identity: "agent-1", Text: "Hello"}})
	waitFor(t, func() bool { return len(h.o.Turns()) == 1 })

	if err := h.o.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() failed: %v", err)
	}
	if h.o.State() != Idle {
		t.Errorf("State() = %v", h.o.State())
	}
	if got := drainNotices(notices); len(got) != 1 || got[0] != MsgTranscriptNotSaved {
		t.Errorf("notices = %v", got)
	}
	if h.o.Stats().PersistFailures != 1 {
		t.Errorf("persist failures = %d", h.o.Stats().PersistFailures)
	}
}

func TestLeave_WhileAwaitingAgent(t *testing.T) {
	h := newHarness(t, newFakeTransport(), func(c *Config) {
		c.Probe = probe.Config{Attempts: 4, AttemptTimeout: time.Second}
	})

	result := make(chan error, 1)
	go func() {
		_, err := h.o.Start(context.Background())
		result <- err
	}()

	waitFor(t, func() bool { return h.o.State() == AwaitingAgentMedia })
	if err := h.o.Leave(context.Background()); err != nil {
		t.Fatalf("Leave() failed: %v", err)
	}

	if err := <-result; !errors.Is(err, ErrLeft) {
		t.Errorf("Start() error = %v, want ErrLeft", err)
	}
	if h.o.State() != Idle {
		t.Errorf("State() = %v", h.o.State())
	}
	if h.o.Stats().Failed != 0 {
		t.Error("leaving is not a failure")
	}
}

func TestLeave_Idle(t *testing.T) {
	h := newHarness(t, newFakeTransport(), nil)
	if err := h.o.Leave(context.Background()); err != nil {
		t.Errorf("Leave() = %v", err)
	}
}

func TestInactivityTimeout(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, func(c *Config) { c.InactivityTimeout = 30 * time.Millisecond })
	notices, stop := h.o.SubscribeNotices()
	defer stop()

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	tr.emit(transport.Event{Type: transport.EventAgentStateChanged, AgentState: transport.AgentListening})

	waitFor(t, func() bool { return h.o.State() == Idle })
	if got := drainNotices(notices); len(got) != 1 || got[0] != MsgInactivityTimeout {
		t.Errorf("notices = %v", got)
	}
}

func TestInactivityResetByAgentActivity(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, func(c *Config) { c.InactivityTimeout = 80 * time.Millisecond })

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	tr.emit(transport.Event{Type: transport.EventAgentStateChanged, AgentState: transport.AgentListening})
	time.Sleep(40 * time.Millisecond)
	tr.emit(transport.Event{Type: transport.EventAgentStateChanged, AgentState: transport.AgentSpeaking})
	time.Sleep(120 * time.Millisecond)

	if h.o.State() != Active {
		t.Errorf("State() = %v, want active while agent speaks", h.o.State())
	}
}

func TestAgentInitTimeout(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, func(c *Config) { c.AgentInitTimeout = 30 * time.Millisecond })
	notices, stop := h.o.SubscribeNotices()
	defer stop()
	states, stopStates := h.o.SubscribeStates()
	defer stopStates()

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	tr.emit(transport.Event{Type: transport.EventAgentStateChanged, AgentState: transport.AgentInitializing})

	waitFor(t, func() bool { return h.o.State() == Idle })
	if got := drainNotices(notices); len(got) != 1 || got[0] != MsgAgentNotReady {
		t.Errorf("notices = %v", got)
	}
	if got := drainStates(states); len(got) < 2 || got[len(got)-2] != Failed {
		t.Errorf("states = %v, want the call to end through failed", got)
	}
	if h.o.Stats().Failed != 1 {
		t.Errorf("failed = %d, want 1", h.o.Stats().Failed)
	}
}

func TestAgentInitTimeoutCancelledByEngagement(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, func(c *Config) { c.AgentInitTimeout = 50 * time.Millisecond })

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	tr.emit(transport.Event{Type: transport.EventAgentStateChanged, AgentState: transport.AgentThinking})
	time.Sleep(100 * time.Millisecond)

	if h.o.State() != Active {
		t.Errorf("State() = %v, want active", h.o.State())
	}
}

func TestDeviceErrorWhileActive(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, nil)
	states, stop := h.o.SubscribeStates()
	defer stop()

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	tr.emit(transport.Event{Type: transport.EventDeviceError, Err: errors.New("unplugged")})

	waitFor(t, func() bool { return h.o.State() == Idle })
	want := []State{Connecting, AwaitingAgentMedia, Active, Failed, Idle}
	if got := drainStates(states); !equalStates(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestMicEnableDelay(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, func(c *Config) { c.MicEnableDelay = 10 * time.Millisecond })

	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, func() bool {
		_, _, audio := tr.counts()
		return audio == 2
	})
}

func TestSendChat(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, nil)

	if err := h.o.SendChat(context.Background(), "hi"); !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("SendChat while idle = %v", err)
	}
	if ok, err := h.o.Start(context.Background()); !ok {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := h.o.SendChat(context.Background(), "hi"); !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("SendChat before agent engaged = %v", err)
	}

	tr.emit(transport.Event{Type: transport.EventAgentStateChanged, AgentState: transport.AgentListening})
	waitFor(t, func() bool { return h.o.AgentState() == transport.AgentListening })

	if err := h.o.SendChat(context.Background(), "hi"); err != nil {
		t.Fatalf("SendChat() = %v", err)
	}
	if len(tr.sent) != 1 || tr.sent[0] != "hi" {
		t.Errorf("sent = %v", tr.sent)
	}
}

func TestNoticeFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrLeft, ""},
		{context.Canceled, ""},
		{&connection.Error{Err: errors.New("x")}, MsgTokenFailed},
		{&DeviceError{Err: errors.New("x")}, MsgDeviceError},
		{&probe.AgentTimeoutError{Attempts: 4}, MsgAgentNeverJoined},
		{&probe.AgentTimeoutError{Attempts: 4, AgentJoined: true}, MsgAgentNotReady},
		{&TransportConnectError{Err: errors.New("x")}, MsgConnectFailed},
	}
	for _, tt := range tests {
		if got := noticeFor(tt.err); got != tt.want {
			t.Errorf("noticeFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestLeave_FlushesQueuedChat(t *testing.T) {
	const n = 2000
	for run := 0; run < 10; run++ {
		tr := newFakeTransport(readyAgent())
		h := newHarness(t, tr, nil)

		if ok, err := h.o.Start(context.Background()); !ok {
			t.Fatalf("Start() failed: %v", err)
		}
		for i := 0; i < n; i++ {
			tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{
				ID: fmt.Sprintf("seg-%d", i), Identity: "agent-1", Text: "word",
			}})
		}
		if err := h.o.Leave(context.Background()); err != nil {
			t.Fatalf("Leave() failed: %v", err)
		}

		if h.store.count() != 1 {
			t.Fatalf("run %d: inserts = %d, want 1", run, h.store.count())
		}
		if got := h.store.inserts[0].Message.Len(); got != n {
			t.Errorf("run %d: persisted %d turns, want %d", run, got, n)
		}
		if turns := h.o.Turns(); len(turns) != 0 {
			t.Errorf("run %d: %d turns left after teardown", run, len(turns))
		}

		// Nothing from the finished call is published after Leave returns
		conversation, stop := h.o.SubscribeConversation()
		time.Sleep(10 * time.Millisecond)
		if updates := drainConversation(conversation); len(updates) != 0 {
			t.Errorf("run %d: %d conversation updates after teardown", run, len(updates))
		}
		stop()
	}
}

func TestStart_FreshConversationPerCall(t *testing.T) {
	tr := newFakeTransport(readyAgent())
	h := newHarness(t, tr, nil)

	call := func(ids ...string) {
		t.Helper()
		if ok, err := h.o.Start(context.Background()); !ok {
			t.Fatalf("Start() failed: %v", err)
		}
		for _, id := range ids {
			tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: id, Identity: "agent-1", Text: id}})
		}
		tr.emit(transport.Event{Type: transport.EventChatReceived, Chat: transport.ChatMessage{ID: "x", Identity: "stranger", Text: "?"}})
		if err := h.o.Leave(context.Background()); err != nil {
			t.Fatalf("Leave() failed: %v", err)
		}
	}

	call("first-a", "first-b")
	call("second-a")

	if h.store.count() != 2 {
		t.Fatalf("inserts = %d, want 2", h.store.count())
	}
	second := h.store.inserts[1].Message
	if keys := second.Keys(); len(keys) != 1 || keys[0] != "agent_0" {
		t.Errorf("second call keys = %v, want [agent_0]", keys)
	}
	second.Each(func(key, text string) {
		if strings.HasPrefix(text, "first-") {
			t.Errorf("second call carries %s=%q from the first call", key, text)
		}
	})
	if got := h.o.Stats().DroppedChatEvents; got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}
