// Package probe waits for the agent's media to become available in a room.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/silviot/agentcall/pkg/retry"
	"github.com/silviot/agentcall/pkg/transport"
)

// Room is the part of a transport the probe observes.
type Room interface {
	RemoteParticipants() []transport.Participant
	Subscribe(fn func(transport.Event)) (unsubscribe func())
}

// AgentTimeoutError is returned when the agent's media never became ready.
type AgentTimeoutError struct {
	Attempts    int
	AgentJoined bool // an agent participant was seen at least once
}

func (e *AgentTimeoutError) Error() string {
	if e.AgentJoined {
		return fmt.Sprintf("agent joined but its media was not ready after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("agent never joined after %d attempts", e.Attempts)
}

// Config holds probe configuration
type Config struct {
	Attempts       int           // default 4
	AttemptTimeout time.Duration // default 10s
	AcceptAudio    bool          // agent audio counts as ready when video is absent
	Logger         *slog.Logger
}

// Probe is a bounded-retry watcher for agent media.
type Probe struct {
	attempts       int
	attemptTimeout time.Duration
	acceptAudio    bool
	logger         *slog.Logger
}

// New creates a probe
func New(cfg Config) *Probe {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 4
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	return &Probe{
		attempts:       cfg.Attempts,
		attemptTimeout: cfg.AttemptTimeout,
		acceptAudio:    cfg.AcceptAudio,
		logger:         cfg.Logger,
	}
}

// Wait returns the agent's ready media handle. When the media is already
// subscribed it returns without registering a listener. Otherwise each
// attempt listens for subscribed media until its timeout, and after the
// last attempt Wait returns *AgentTimeoutError. Cancelling ctx returns
// ctx.Err().
func (p *Probe) Wait(ctx context.Context, room Room) (transport.MediaHandle, error) {
	var seen atomic.Bool

	if h, ok := p.ready(room, &seen); ok {
		p.logger.Debug("agent media already available", "participant", h.ParticipantID, "kind", h.Kind)
		return h, nil
	}

	policy := retry.Policy{
		Attempts:       p.attempts,
		AttemptTimeout: p.attemptTimeout,
		OnRetry: func(attempt int, err error) {
			p.logger.Info("agent media not ready, retrying",
				"attempt", attempt,
				"attempts", p.attempts,
				"agentJoined", seen.Load(),
				"error", err)
		},
	}

	h, err := retry.Value(ctx, policy, func(ctx context.Context) (transport.MediaHandle, error) {
		return p.attempt(ctx, room, &seen)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return transport.MediaHandle{}, &AgentTimeoutError{Attempts: exhausted.Attempts, AgentJoined: seen.Load()}
		}
		return transport.MediaHandle{}, err
	}

	p.logger.Info("agent media ready", "participant", h.ParticipantID, "kind", h.Kind)
	return h, nil
}

// attempt listens for subscribed media until ready or ctx ends
func (p *Probe) attempt(ctx context.Context, room Room, seen *atomic.Bool) (transport.MediaHandle, error) {
	wake := make(chan struct{}, 1)
	unsubscribe := room.Subscribe(func(ev transport.Event) {
		if ev.Type != transport.EventMediaSubscribed {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		// Re-check after subscribing so media that arrived in between is seen
		if h, ok := p.ready(room, seen); ok {
			return h, nil
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return transport.MediaHandle{}, retry.AttemptErr(ctx)
		}
	}
}

// ready looks for the agent's subscribed media
func (p *Probe) ready(room Room, seen *atomic.Bool) (transport.MediaHandle, bool) {
	for _, participant := range room.RemoteParticipants() {
		if !participant.IsAgent {
			continue
		}
		seen.Store(true)

		if h, ok := participant.Track(transport.KindVideo); ok && h.Subscribed {
			return h, true
		}
		if !p.acceptAudio {
			continue
		}
		if h, ok := participant.Track(transport.KindAudio); ok && h.Subscribed {
			return h, true
		}
	}
	return transport.MediaHandle{}, false
}
