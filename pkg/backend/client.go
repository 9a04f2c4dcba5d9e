package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/silviot/agentcall/pkg/chat"
	"github.com/silviot/agentcall/pkg/connection"
)

// DefaultTokenTTL is assumed when a participant token carries no exp claim.
const DefaultTokenTTL = 15 * time.Minute

// Client talks to the application backend: connection details, password
// sign-in and the transcripts REST table.
type Client struct {
	baseURL         string
	apiKey          string
	agentName       string
	tokenPath       string
	signInPath      string
	transcriptsPath string
	httpClient      *http.Client
	logger          *slog.Logger
	now             func() time.Time

	mu          sync.RWMutex
	accessToken string
}

// Config holds backend client configuration
type Config struct {
	BaseURL         string // e.g. https://app.example.com
	APIKey          string // Sent as the apikey header on auth and REST calls
	AgentName       string // Agent dispatched into the room, empty for the default
	TokenPath       string // default /api/connection-details
	SignInPath      string // default /auth/v1/token?grant_type=password
	TranscriptsPath string // default /rest/v1/transcripts
	Timeout         time.Duration
	Logger          *slog.Logger
}

// NewClient creates a new backend client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL: missing scheme or host")
	}

	if cfg.TokenPath == "" {
		cfg.TokenPath = "/api/connection-details"
	}
	if cfg.SignInPath == "" {
		cfg.SignInPath = "/auth/v1/token?grant_type=password"
	}
	if cfg.TranscriptsPath == "" {
		cfg.TranscriptsPath = "/rest/v1/transcripts"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// Cookie jar keeps any session cookies the backend sets on sign-in
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		agentName:       cfg.AgentName,
		tokenPath:       cfg.TokenPath,
		signInPath:      cfg.SignInPath,
		transcriptsPath: cfg.TranscriptsPath,
		httpClient: &http.Client{
			Jar:     jar,
			Timeout: cfg.Timeout,
		},
		logger: cfg.Logger,
		now:    time.Now,
	}, nil
}

// Fetch requests fresh connection details for a new room.
func (c *Client) Fetch(ctx context.Context) (connection.Details, error) {
	var body roomConfig
	if c.agentName != "" {
		body.RoomConfig.Agents = []agentDispatch{{AgentName: c.agentName}}
	}

	var resp connectionDetailsResponse
	if err := c.post(ctx, c.tokenPath, body, &resp); err != nil {
		return connection.Details{}, fmt.Errorf("failed to fetch connection details: %w", err)
	}

	details := connection.Details{
		ServerURL:        resp.ServerURL,
		ParticipantToken: resp.ParticipantToken,
		ParticipantName:  resp.ParticipantName,
		RoomName:         resp.RoomName,
		ExpiresAt:        c.tokenExpiry(resp.ParticipantToken),
	}

	c.logger.Debug("fetched connection details", "room", details.RoomName, "participant", details.ParticipantName)
	return details, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// token is verified by the media server, the client only needs its lifetime.
func (c *Client) tokenExpiry(token string) time.Time {
	fallback := c.now().Add(DefaultTokenTTL)
	if token == "" {
		return fallback
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		c.logger.Debug("participant token is not a parseable JWT, using default TTL", "error", err)
		return fallback
	}
	if claims.ExpiresAt == nil {
		return fallback
	}
	return claims.ExpiresAt.Time
}

// SignIn exchanges email and password for a user session.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	var session Session
	if err := c.post(ctx, c.signInPath, signInRequest{Email: email, Password: password}, &session); err != nil {
		return fmt.Errorf("failed to sign in: %w", err)
	}
	if session.AccessToken == "" {
		return fmt.Errorf("failed to sign in: no access token in response")
	}

	c.mu.Lock()
	c.accessToken = session.AccessToken
	c.mu.Unlock()

	c.logger.Info("signed in", "email", email, "expiresIn", session.ExpiresIn)
	return nil
}

// Insert writes a transcript row to the REST table.
func (c *Client) Insert(ctx context.Context, t chat.Transcript) error {
	row := transcriptRow{
		ID:        t.ID,
		RoomName:  t.RoomName,
		Message:   t.Message,
		StartTime: t.StartTime.UTC().Format(time.RFC3339Nano),
		EndTime:   t.EndTime.UTC().Format(time.RFC3339Nano),
	}
	if err := c.post(ctx, c.transcriptsPath, row, nil); err != nil {
		return fmt.Errorf("failed to insert transcript: %w", err)
	}
	c.logger.Info("transcript inserted", "id", t.ID, "turns", t.Message.Len())
	return nil
}

// post sends a JSON request and decodes a JSON reply into out when non-nil
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	c.mu.RLock()
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	c.mu.RUnlock()
	if out == nil {
		req.Header.Set("Prefer", "return=minimal")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e errorResponse
		if json.Unmarshal(respBody, &e) == nil && e.text() != "" {
			return fmt.Errorf("%s (status: %d)", e.text(), resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d (body: %s)", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w (body: %s)", err, string(respBody))
	}
	return nil
}
