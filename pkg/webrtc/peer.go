package webrtc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/silviot/agentcall/pkg/audio"
	"github.com/silviot/agentcall/pkg/signal"
)

// RemoteTrack identifies a subscribed remote track. The stream ID of every
// track the server forwards is the publishing participant's identity.
type RemoteTrack struct {
	Participant string
	Kind        string // "audio" or "video"
	TrackID     string
}

// Config holds peer configuration
type Config struct {
	ICEServers []signal.ICEServer
	Sink       audio.Sink // receives decoded remote audio, may be nil
	Logger     *slog.Logger
}

// Peer is the single peer connection of a call. It publishes the local
// microphone and receives the remote tracks.
type Peer struct {
	pc      *webrtc.PeerConnection
	logger  *slog.Logger
	sink    audio.Sink
	mic     *webrtc.TrackLocalStaticSample
	encoder *opus.Encoder
	encBuf  []byte
	encMu   sync.Mutex
	muted   atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	onTrack     func(RemoteTrack)
	onCandidate func(signal.ICECandidate)
	onFailed    func(reason string)
}

// NewPeer creates a peer connection with a send-only microphone track
// and receive slots for remote audio and video.
func NewPeer(cfg Config) (*Peer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rtcConfig := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		rtcConfig.ICEServers = append(rtcConfig.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	// Larger receive MTU avoids "short buffer" errors on big RTP packets
	se := webrtc.SettingEngine{}
	se.SetReceiveMTU(16384)
	se.SetSRTPReplayProtectionWindow(1024)

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(registry), webrtc.WithSettingEngine(se))
	pc, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	encoder, err := opus.NewEncoder(audio.OpusRate, 1, opus.AppVoIP)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}

	mic, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.OpusRate, Channels: 2},
		"microphone", "local")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create microphone track: %w", err)
	}

	p := &Peer{
		pc:      pc,
		logger:  cfg.Logger,
		sink:    cfg.Sink,
		mic:     mic,
		encoder: encoder,
		encBuf:  make([]byte, 1500),
	}
	p.muted.Store(true)

	sender, err := pc.AddTrack(mic)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add microphone track: %w", err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to add video transceiver: %w", err)
	}

	// RTCP must be read for interceptors to run
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnTrack(p.handleTrack)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		p.mu.Lock()
		cb := p.onCandidate
		p.mu.Unlock()
		if cb != nil {
			cb(signal.ICECandidate{Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state changed", "state", state.String())
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateDisconnected {
			return
		}
		if p.closed.Load() {
			return
		}
		p.mu.Lock()
		cb := p.onFailed
		p.mu.Unlock()
		if cb != nil {
			cb("peer connection " + state.String())
		}
	})

	return p, nil
}

// OnRemoteTrack sets the callback for newly subscribed remote tracks
func (p *Peer) OnRemoteTrack(fn func(RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

// OnICECandidate sets the callback for local candidates to trickle
func (p *Peer) OnICECandidate(fn func(signal.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

// OnFailed sets the callback for an unrecoverable connection loss
func (p *Peer) OnFailed(fn func(reason string)) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	codec := track.Codec()
	rt := RemoteTrack{
		Participant: track.StreamID(),
		Kind:        track.Kind().String(),
		TrackID:     track.ID(),
	}
	p.logger.Info("track received",
		"participant", rt.Participant,
		"kind", rt.Kind,
		"codec", codec.MimeType,
		"clockRate", codec.ClockRate,
		"channels", codec.Channels)

	p.wg.Add(1)
	if track.Kind() == webrtc.RTPCodecTypeAudio && codec.MimeType == webrtc.MimeTypeOpus {
		go p.readAndDecodeAudio(track, rt.Participant, int(codec.Channels))
	} else {
		go p.drain(track)
	}

	p.mu.Lock()
	cb := p.onTrack
	p.mu.Unlock()
	if cb != nil {
		cb(rt)
	}
}

// readAndDecodeAudio decodes remote opus into the sink
func (p *Peer) readAndDecodeAudio(track *webrtc.TrackRemote, participant string, channels int) {
	defer p.wg.Done()

	// SDP declares opus/48000/2
	if channels < 1 {
		channels = 2
	}
	decoder, err := opus.NewDecoder(audio.OpusRate, channels)
	if err != nil {
		p.logger.Error("failed to create opus decoder", "participant", participant, "error", err)
		p.drainUntilClosed(track)
		return
	}

	// 120ms at 48kHz is the largest opus frame
	pcm := make([]float32, 5760*channels)
	frames := 0

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !p.closed.Load() {
				p.logger.Debug("remote audio ended", "participant", participant, "error", err, "frames", frames)
			}
			return
		}
		if len(pkt.Payload) == 0 || p.sink == nil {
			continue
		}

		n, err := decoder.DecodeFloat32(pkt.Payload, pcm)
		if err != nil {
			p.logger.Debug("opus decode error", "participant", participant, "error", err, "payloadLen", len(pkt.Payload))
			continue
		}
		if n == 0 {
			continue
		}

		frames++
		p.sink.Write(participant, audio.Downmix(pcm[:n*channels], channels))
	}
}

func (p *Peer) drain(track *webrtc.TrackRemote) {
	defer p.wg.Done()
	p.drainUntilClosed(track)
}

// drainUntilClosed keeps receive buffers moving for tracks nobody decodes
func (p *Peer) drainUntilClosed(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// SetMuted gates microphone frames. The peer starts muted.
func (p *Peer) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// Muted reports whether microphone frames are dropped
func (p *Peer) Muted() bool {
	return p.muted.Load()
}

// WriteFrame encodes one 20 ms 48 kHz mono frame onto the microphone track.
func (p *Peer) WriteFrame(pcm []float32) error {
	if p.muted.Load() || p.closed.Load() {
		return nil
	}

	p.encMu.Lock()
	n, err := p.encoder.EncodeFloat32(pcm, p.encBuf)
	if err != nil {
		p.encMu.Unlock()
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	data := make([]byte, n)
	copy(data, p.encBuf[:n])
	p.encMu.Unlock()

	return p.mic.WriteSample(media.Sample{Data: data, Duration: audio.FrameMs * time.Millisecond})
}

// CreateOffer creates and applies a local offer
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// SetAnswer applies the server's answer to our offer
func (p *Peer) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

// HandleOffer answers a server-initiated renegotiation
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// AddICECandidate adds a remote candidate
func (p *Peer) AddICECandidate(c signal.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Close closes the peer connection and waits for track readers
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.pc.Close()
	p.wg.Wait()
	return err
}
