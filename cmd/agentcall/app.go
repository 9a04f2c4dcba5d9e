package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/silviot/agentcall/pkg/audio"
	"github.com/silviot/agentcall/pkg/auth"
	"github.com/silviot/agentcall/pkg/backend"
	"github.com/silviot/agentcall/pkg/config"
	"github.com/silviot/agentcall/pkg/connection"
	"github.com/silviot/agentcall/pkg/probe"
	"github.com/silviot/agentcall/pkg/session"
	"github.com/silviot/agentcall/pkg/store"
	"github.com/silviot/agentcall/pkg/transport"
)

// app holds the components built from the configuration
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	backend *backend.Client
	store   *store.Store // nil when no database path is configured
	gate    *auth.Gate
	meter   *audio.LevelMeter
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := backend.NewClient(backend.Config{
		BaseURL:         cfg.Backend.URL,
		APIKey:          cfg.Backend.APIKey,
		AgentName:       cfg.Backend.AgentName,
		TokenPath:       cfg.Backend.TokenPath,
		SignInPath:      cfg.Backend.SignInPath,
		TranscriptsPath: cfg.Backend.TranscriptsPath,
		Timeout:         cfg.Backend.Timeout.Std(),
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create backend client: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, backend: client, meter: audio.NewLevelMeter(logger)}

	if cfg.Persistence.Path != "" {
		a.store, err = store.Open(cfg.Persistence.Path, logger)
		if err != nil {
			return nil, err
		}
	}

	var kv auth.KV = auth.NewMemoryStore()
	if a.store != nil {
		kv = a.store
	}
	a.gate = auth.NewGate(auth.Config{
		Authenticator: client,
		Store:         kv,
		TTL:           cfg.Auth.SessionTTL.Std(),
		Logger:        logger,
	})
	return a, nil
}

func (a *app) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// transcripts returns the configured persistence driver
func (a *app) transcripts() (session.Transcripts, error) {
	switch a.cfg.Persistence.Driver {
	case "rest":
		return a.backend, nil
	case "sqlite":
		if a.store == nil {
			return nil, errors.New("sqlite persistence needs persistence.path")
		}
		return a.store, nil
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", a.cfg.Persistence.Driver)
	}
}

func (a *app) room() *transport.Room {
	var src audio.Source = audio.SilenceSource{}
	if a.cfg.Media.Input != "" {
		src = audio.NewFFmpegSource(a.cfg.Media.FFmpegBinary)
	}
	return transport.NewRoom(transport.RoomConfig{
		Source: src,
		Capture: audio.CaptureConfig{
			InputFormat: a.cfg.Media.InputFormat,
			InputDevice: a.cfg.Media.Input,
		},
		Sink:        a.meter,
		STUNServers: a.cfg.Media.STUNServers,
		Logger:      a.logger,
	})
}

// orchestrator wires one orchestrator over a fresh room
func (a *app) orchestrator() (*session.Orchestrator, error) {
	transcripts, err := a.transcripts()
	if err != nil {
		return nil, err
	}

	cfg := session.Config{
		Transport: a.room(),
		Credentials: connection.NewCache(connection.Config{
			Provider: a.backend,
			Logger:   a.logger,
		}),
		Store: transcripts,
		Probe: probe.Config{
			Attempts:       a.cfg.Probe.Attempts,
			AttemptTimeout: a.cfg.Probe.AttemptTimeout.Std(),
			AcceptAudio:    !a.cfg.Probe.RequireVideo,
			Logger:         a.logger,
		},
		AgentInitTimeout:  a.cfg.Session.AgentInitTimeout.Std(),
		InactivityTimeout: a.cfg.Session.InactivityTimeout.Std(),
		MicEnableDelay:    a.cfg.Session.MicEnableDelay.Std(),
		Logger:            a.logger,
	}
	if !a.cfg.Auth.Disabled {
		cfg.Gate = a.gate
	}
	return session.NewOrchestrator(cfg), nil
}
