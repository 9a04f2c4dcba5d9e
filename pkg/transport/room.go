package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/silviot/agentcall/pkg/audio"
	"github.com/silviot/agentcall/pkg/signal"
	"github.com/silviot/agentcall/pkg/webrtc"
)

// RoomConfig holds room configuration
type RoomConfig struct {
	Source      audio.Source // microphone, SilenceSource when nil
	Capture     audio.CaptureConfig
	Sink        audio.Sink // decoded remote audio, may be nil
	STUNServers []string   // added to the servers the room offers
	Logger      *slog.Logger
}

// Room is a Transport over websocket signaling and one peer connection.
// A Room can be connected again after Disconnect.
type Room struct {
	cfg    RoomConfig
	logger *slog.Logger
	bus    *Bus

	// held across the generation check and delivery so Disconnect
	// cannot complete while a stale event is being delivered
	pubMu sync.Mutex

	mu           sync.Mutex
	gen          int // bumped on every connect and disconnect
	client       *signal.Client
	peer         *webrtc.Peer
	identity     string
	participants []Participant
	lost         bool
	mic          *micCapture
	sessCtx      context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

type micCapture struct {
	stream audio.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRoom creates a disconnected room
func NewRoom(cfg RoomConfig) *Room {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Source == nil {
		cfg.Source = audio.SilenceSource{}
	}
	if cfg.Capture.SampleRate <= 0 {
		cfg.Capture.SampleRate = audio.OpusRate
	}
	return &Room{
		cfg:    cfg,
		logger: cfg.Logger,
		bus:    NewBus(),
	}
}

// Connect joins the room at url and starts media negotiation. It returns
// once the join is acknowledged; remote media arrives later as events.
func (r *Room) Connect(ctx context.Context, url, token string) error {
	r.mu.Lock()
	if r.client != nil {
		r.mu.Unlock()
		return errors.New("room already connected")
	}
	r.mu.Unlock()

	client := signal.NewClient(signal.Config{
		ServerURL: url,
		Token:     token,
		Logger:    r.logger,
	})
	joined, err := client.Connect(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to join room: %w", err)
	}

	iceServers := joined.ICEServers
	if len(r.cfg.STUNServers) > 0 {
		iceServers = append(iceServers, signal.ICEServer{URLs: r.cfg.STUNServers})
	}
	peer, err := webrtc.NewPeer(webrtc.Config{
		ICEServers: iceServers,
		Sink:       r.cfg.Sink,
		Logger:     r.logger,
	})
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create peer: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.client = client
	r.peer = peer
	r.identity = joined.Identity
	r.participants = nil
	r.lost = false
	r.sessCtx = sessCtx
	r.cancel = cancel
	r.setParticipantsLocked(joined.Participants)
	r.mu.Unlock()

	peer.OnRemoteTrack(func(rt webrtc.RemoteTrack) {
		r.onRemoteTrack(gen, rt.Participant, Kind(rt.Kind))
	})
	peer.OnICECandidate(func(c signal.ICECandidate) {
		if err := client.Send(signal.CandidateMessage{Type: "candidate", Candidate: c}); err != nil {
			r.logger.Debug("failed to send candidate", "error", err)
		}
	})
	peer.OnFailed(func(reason string) {
		r.markLost(gen, reason, nil)
	})

	offer, err := peer.CreateOffer()
	if err == nil {
		err = client.Send(signal.SessionDescription{Type: "offer", SDP: offer})
	}
	if err != nil {
		r.Disconnect(context.Background())
		return fmt.Errorf("failed to negotiate media: %w", err)
	}

	r.wg.Add(1)
	go r.messageLoop(sessCtx, gen, client, peer)

	r.logger.Info("room connected", "room", joined.Room, "identity", joined.Identity, "participants", len(joined.Participants))
	return nil
}

// messageLoop turns signaling frames into events in arrival order
func (r *Room) messageLoop(ctx context.Context, gen int, client *signal.Client, peer *webrtc.Peer) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.MessageChan():
			if !ok {
				var err error
				select {
				case err = <-client.ErrorChan():
				default:
				}
				r.markLost(gen, "signaling connection lost", err)
				return
			}
			if !r.handleMessage(gen, client, peer, msg) {
				return
			}
		}
	}
}

// handleMessage reports false when the session is over
func (r *Room) handleMessage(gen int, client *signal.Client, peer *webrtc.Peer, msg interface{}) bool {
	switch m := msg.(type) {
	case *signal.ParticipantsMessage:
		r.mu.Lock()
		if r.gen == gen {
			r.setParticipantsLocked(m.Participants)
		}
		r.mu.Unlock()

	case *signal.SessionDescription:
		switch m.Type {
		case "answer":
			if err := peer.SetAnswer(m.SDP); err != nil {
				r.logger.Error("failed to apply answer", "error", err)
			}
		case "offer":
			answer, err := peer.HandleOffer(m.SDP)
			if err != nil {
				r.logger.Error("failed to handle offer", "error", err)
				break
			}
			if err := client.Send(signal.SessionDescription{Type: "answer", SDP: answer}); err != nil {
				r.logger.Error("failed to send answer", "error", err)
			}
		}

	case *signal.CandidateMessage:
		if err := peer.AddICECandidate(m.Candidate); err != nil {
			r.logger.Debug("failed to add candidate", "error", err)
		}

	case *signal.TranscriptionMessage:
		for _, seg := range m.Segments {
			r.publish(gen, Event{Type: EventChatReceived, Chat: ChatMessage{
				ID:       seg.ID,
				Identity: m.Identity,
				Text:     seg.Text,
				Revision: seg.Revision,
				Final:    seg.Final,
			}})
		}

	case *signal.ChatMessage:
		r.publish(gen, Event{Type: EventChatReceived, Chat: ChatMessage{
			ID:       m.ID,
			Identity: m.Identity,
			Text:     m.Text,
			Final:    true,
		}})

	case *signal.AgentStateMessage:
		r.publish(gen, Event{
			Type:       EventAgentStateChanged,
			AgentState: AgentState(m.State),
			Media:      MediaHandle{ParticipantID: m.Identity, Owner: OwnerAgent},
		})

	case *signal.LeaveMessage:
		reason := m.Reason
		if reason == "" {
			reason = "server ended the session"
		}
		r.markLost(gen, reason, nil)
		return false

	case *signal.ErrorMessage:
		r.logger.Warn("signaling error", "code", m.Code, "message", m.Message)
	}
	return true
}

// setParticipantsLocked replaces the participant list, keeping the
// subscription state of tracks that are still published.
func (r *Room) setParticipantsLocked(infos []signal.ParticipantInfo) {
	subscribed := make(map[string]bool)
	for _, p := range r.participants {
		for _, m := range p.Media {
			if m.Subscribed {
				subscribed[p.Identity+"/"+string(m.Kind)] = true
			}
		}
	}

	participants := make([]Participant, 0, len(infos))
	for _, info := range infos {
		if info.Identity == r.identity {
			continue
		}
		p := Participant{Identity: info.Identity, IsAgent: info.Kind == signal.KindAgent}
		owner := OwnerRemote
		if p.IsAgent {
			owner = OwnerAgent
		}
		for _, t := range info.Tracks {
			k := Kind(t.Kind)
			if _, dup := p.Track(k); dup {
				continue
			}
			p.Media = append(p.Media, MediaHandle{
				ParticipantID: info.Identity,
				Owner:         owner,
				Kind:          k,
				Subscribed:    subscribed[info.Identity+"/"+t.Kind],
			})
		}
		participants = append(participants, p)
	}
	r.participants = participants
}

// onRemoteTrack marks a remote track subscribed and announces it
func (r *Room) onRemoteTrack(gen int, identity string, kind Kind) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}

	idx := -1
	for i := range r.participants {
		if r.participants[i].Identity == identity {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.participants = append(r.participants, Participant{Identity: identity})
		idx = len(r.participants) - 1
	}
	p := &r.participants[idx]
	owner := OwnerRemote
	if p.IsAgent {
		owner = OwnerAgent
	}

	handle := MediaHandle{ParticipantID: identity, Owner: owner, Kind: kind, Subscribed: true}
	found := false
	for i := range p.Media {
		if p.Media[i].Kind == kind {
			p.Media[i] = handle
			found = true
		}
	}
	if !found {
		p.Media = append(p.Media, handle)
	}
	r.mu.Unlock()

	r.publish(gen, Event{Type: EventMediaSubscribed, Media: handle})
}

// markLost announces the end of session gen once
func (r *Room) markLost(gen int, reason string, err error) {
	r.mu.Lock()
	if r.gen != gen || r.lost {
		r.mu.Unlock()
		return
	}
	r.lost = true
	r.mu.Unlock()

	r.logger.Warn("room disconnected", "reason", reason, "error", err)
	r.publish(gen, Event{Type: EventDisconnected, Reason: reason, Err: err})
}

func (r *Room) publish(gen int, ev Event) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	current := r.gen == gen
	r.mu.Unlock()
	if current {
		r.bus.Publish(ev)
	}
}

// EnableLocalAudio starts or stops publishing the microphone
func (r *Room) EnableLocalAudio(ctx context.Context, enabled bool) error {
	r.mu.Lock()
	if r.peer == nil {
		r.mu.Unlock()
		return ErrNotConnected
	}

	if !enabled {
		r.peer.SetMuted(true)
		mic := r.mic
		r.mic = nil
		r.mu.Unlock()
		mic.stop(r.logger)
		return nil
	}
	defer r.mu.Unlock()

	if r.mic == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		mic, err := r.startMicLocked()
		if err != nil {
			return err
		}
		r.mic = mic
	}
	r.peer.SetMuted(false)
	return nil
}

// startMicLocked runs capture for the lifetime of the session, not of
// the caller's context.
func (r *Room) startMicLocked() (*micCapture, error) {
	pipeline, err := audio.NewPipeline(r.cfg.Capture.SampleRate, r.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio pipeline: %w", err)
	}

	ctx, cancel := context.WithCancel(r.sessCtx)
	stream, err := r.cfg.Source.Start(ctx, r.cfg.Capture)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start microphone: %w", err)
	}

	mic := &micCapture{stream: stream, cancel: cancel, done: make(chan struct{})}
	gen := r.gen
	peer := r.peer

	go func() {
		defer close(mic.done)
		err := pipeline.Run(ctx, stream, func(frame []float32) {
			if err := peer.WriteFrame(frame); err != nil {
				r.logger.Debug("failed to write frame", "error", err)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("microphone stream ended")
		}
		r.logger.Error("microphone capture failed", "error", err, "frames", pipeline.Frames())
		r.publish(gen, Event{Type: EventDeviceError, Err: err})
	}()

	return mic, nil
}

// stop ends capture and waits for the pipeline. It must be called
// without the room lock held.
func (m *micCapture) stop(logger *slog.Logger) {
	if m == nil {
		return
	}
	m.cancel()
	if err := m.stream.Stop(); err != nil {
		logger.Debug("microphone stop", "error", err)
	}
	<-m.done
}

// RemoteParticipants returns a copy of the remote participants
func (r *Room) RemoteParticipants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Participant, len(r.participants))
	for i, p := range r.participants {
		p.Media = append([]MediaHandle(nil), p.Media...)
		out[i] = p
	}
	return out
}

// LocalIdentity returns the identity the server assigned on join
func (r *Room) LocalIdentity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Subscribe registers fn for room events
func (r *Room) Subscribe(fn func(Event)) func() {
	return r.bus.Subscribe(fn)
}

// SendChat sends a chat line to the room. The line is also delivered to
// local subscribers as a ChatReceived event from the local identity.
func (r *Room) SendChat(ctx context.Context, text string) error {
	r.mu.Lock()
	client := r.client
	identity := r.identity
	gen := r.gen
	r.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := signal.ChatMessage{Type: "chat", ID: uuid.NewString(), Identity: identity, Text: text}
	if err := client.Send(msg); err != nil {
		return fmt.Errorf("failed to send chat: %w", err)
	}
	r.publish(gen, Event{Type: EventChatReceived, Chat: ChatMessage{
		ID:       msg.ID,
		Identity: identity,
		Text:     text,
		Final:    true,
	}})
	return nil
}

// Disconnect leaves the room and releases media. It is a no-op when not
// connected.
func (r *Room) Disconnect(ctx context.Context) error {
	// Lock order is pubMu then mu. Once both are released no event of the
	// old session reaches subscribers.
	r.pubMu.Lock()
	r.mu.Lock()
	if r.client == nil {
		r.mu.Unlock()
		r.pubMu.Unlock()
		return nil
	}
	r.gen++
	client, peer, cancel, mic := r.client, r.peer, r.cancel, r.mic
	r.client, r.peer, r.cancel, r.mic = nil, nil, nil, nil
	r.participants = nil
	r.mu.Unlock()
	r.pubMu.Unlock()

	cancel()
	mic.stop(r.logger)
	client.Close()
	if err := peer.Close(); err != nil {
		r.logger.Debug("peer close", "error", err)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("room disconnected", "reason", "client leave")
	return nil
}
