package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "10s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full agentcall configuration.
type Config struct {
	Backend     Backend     `yaml:"backend"`
	Session     Session     `yaml:"session"`
	Probe       Probe       `yaml:"probe"`
	Media       Media       `yaml:"media"`
	Persistence Persistence `yaml:"persistence"`
	Auth        Auth        `yaml:"auth"`
	Server      Server      `yaml:"server"`
	LogLevel    string      `yaml:"log_level"`
}

// Backend is the application backend serving tokens, sign-in and REST.
type Backend struct {
	URL             string   `yaml:"url"`
	APIKey          string   `yaml:"api_key"`
	AgentName       string   `yaml:"agent_name"`
	TokenPath       string   `yaml:"token_path"`
	SignInPath      string   `yaml:"sign_in_path"`
	TranscriptsPath string   `yaml:"transcripts_path"`
	Timeout         Duration `yaml:"timeout"`
}

// Session holds orchestrator liveness settings.
type Session struct {
	AgentInitTimeout  Duration `yaml:"agent_init_timeout"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	MicEnableDelay    Duration `yaml:"mic_enable_delay"`
}

// Probe holds agent readiness settings.
type Probe struct {
	Attempts       int      `yaml:"attempts"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	RequireVideo   bool     `yaml:"require_video"`
}

// Media holds transport settings.
type Media struct {
	STUNServers  []string `yaml:"stun_servers"`
	Input        string   `yaml:"input"`         // ffmpeg input device, empty for silence
	InputFormat  string   `yaml:"input_format"`  // ffmpeg -f value, e.g. pulse, avfoundation
	FFmpegBinary string   `yaml:"ffmpeg_binary"` // default ffmpeg
}

// Persistence selects where transcripts go.
type Persistence struct {
	Driver string `yaml:"driver"` // sqlite | rest
	Path   string `yaml:"path"`   // sqlite database path
}

// Auth holds login gate settings.
type Auth struct {
	Email      string   `yaml:"email"`
	SessionTTL Duration `yaml:"session_ttl"`
	Disabled   bool     `yaml:"disabled"`
}

// Server holds the control API settings.
type Server struct {
	Port string `yaml:"port"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Backend: Backend{
			TokenPath:       "/api/connection-details",
			SignInPath:      "/auth/v1/token?grant_type=password",
			TranscriptsPath: "/rest/v1/transcripts",
			Timeout:         Duration(30 * time.Second),
		},
		Session: Session{
			AgentInitTimeout:  Duration(20 * time.Second),
			InactivityTimeout: Duration(60 * time.Second),
			MicEnableDelay:    Duration(5 * time.Second),
		},
		Probe: Probe{
			Attempts:       4,
			AttemptTimeout: Duration(10 * time.Second),
			RequireVideo:   true,
		},
		Media: Media{
			STUNServers:  []string{"stun:stun.l.google.com:19302"},
			FFmpegBinary: "ffmpeg",
		},
		Persistence: Persistence{
			Driver: "sqlite",
			Path:   "agentcall.db",
		},
		Auth: Auth{
			SessionTTL: Duration(10 * time.Minute),
		},
		Server:   Server{Port: "8080"},
		LogLevel: "info",
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides settings from AGENTCALL_* variables
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = Duration(d)
		}
		return nil
	}

	str("AGENTCALL_BACKEND_URL", &c.Backend.URL)
	str("AGENTCALL_API_KEY", &c.Backend.APIKey)
	str("AGENTCALL_AGENT_NAME", &c.Backend.AgentName)
	str("AGENTCALL_EMAIL", &c.Auth.Email)
	str("AGENTCALL_PERSISTENCE", &c.Persistence.Driver)
	str("AGENTCALL_DB", &c.Persistence.Path)
	str("AGENTCALL_INPUT", &c.Media.Input)
	str("AGENTCALL_INPUT_FORMAT", &c.Media.InputFormat)
	str("LOG_LEVEL", &c.LogLevel)

	if p := getenv("AGENTCALL_PORT"); p != "" {
		c.Server.Port = p
	} else if p := getenv("PORT"); p != "" {
		c.Server.Port = p
	}

	if v := getenv("AGENTCALL_STUN_SERVERS"); v != "" {
		c.Media.STUNServers = strings.Split(v, ",")
	}
	if v := getenv("AGENTCALL_PROBE_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid AGENTCALL_PROBE_ATTEMPTS: %w", err)
		}
		c.Probe.Attempts = n
	}

	for key, dst := range map[string]*Duration{
		"AGENTCALL_AGENT_INIT_TIMEOUT": &c.Session.AgentInitTimeout,
		"AGENTCALL_INACTIVITY_TIMEOUT": &c.Session.InactivityTimeout,
		"AGENTCALL_MIC_ENABLE_DELAY":   &c.Session.MicEnableDelay,
		"AGENTCALL_PROBE_TIMEOUT":      &c.Probe.AttemptTimeout,
		"AGENTCALL_LOGIN_TTL":          &c.Auth.SessionTTL,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate reports missing or inconsistent settings.
func (c Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url (AGENTCALL_BACKEND_URL) is required"))
	}
	if c.Probe.Attempts < 1 {
		errs = append(errs, errors.New("probe.attempts must be at least 1"))
	}
	if c.Probe.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("probe.attempt_timeout must be positive"))
	}
	if c.Session.AgentInitTimeout < 0 || c.Session.InactivityTimeout < 0 || c.Session.MicEnableDelay < 0 {
		errs = append(errs, errors.New("session timeouts must not be negative"))
	}
	switch c.Persistence.Driver {
	case "sqlite":
		if c.Persistence.Path == "" {
			errs = append(errs, errors.New("persistence.path is required for the sqlite driver"))
		}
	case "rest":
	default:
		errs = append(errs, fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver))
	}
	return errors.Join(errs...)
}
