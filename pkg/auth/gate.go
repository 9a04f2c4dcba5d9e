package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SessionKey is the key/value entry holding the login session.
const SessionKey = "loginSession"

// DefaultSessionTTL is how long a sign-in keeps the call gate open.
const DefaultSessionTTL = 10 * time.Minute

// ErrNotSignedIn is returned when no unexpired login session exists.
var ErrNotSignedIn = errors.New("not signed in")

// Authenticator performs the password sign-in.
type Authenticator interface {
	SignIn(ctx context.Context, email, password string) error
}

// KV is the persistent key/value store backing the login session.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Clear(ctx context.Context, key string) error
}

type loginSession struct {
	ExpiresAt int64 `json:"expiresAt"` // unix milliseconds
}

// Config holds gate configuration
type Config struct {
	Authenticator Authenticator
	Store         KV
	TTL           time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Gate decides whether the user may start a call.
type Gate struct {
	auth   Authenticator
	store  KV
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a login gate
func NewGate(cfg Config) *Gate {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gate{
		auth:   cfg.Authenticator,
		store:  cfg.Store,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

// SignIn authenticates and records a login session that expires after the TTL.
func (g *Gate) SignIn(ctx context.Context, email, password string) error {
	if g.auth == nil {
		return fmt.Errorf("failed to sign in: no authenticator configured")
	}
	if err := g.auth.SignIn(ctx, email, password); err != nil {
		return err
	}

	expiresAt := g.now().Add(g.ttl)
	data, err := json.Marshal(loginSession{ExpiresAt: expiresAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("failed to encode login session: %w", err)
	}
	if err := g.store.Set(ctx, SessionKey, string(data)); err != nil {
		return fmt.Errorf("failed to save login session: %w", err)
	}

	g.logger.Info("login session stored", "expiresAt", expiresAt)
	return nil
}

// LoggedIn reports whether an unexpired login session exists. Expired or
// unreadable sessions are cleared.
func (g *Gate) LoggedIn(ctx context.Context) (bool, error) {
	raw, ok, err := g.store.Get(ctx, SessionKey)
	if err != nil {
		return false, fmt.Errorf("failed to read login session: %w", err)
	}
	if !ok {
		return false, nil
	}

	var session loginSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.ExpiresAt == 0 {
		g.logger.Warn("clearing unreadable login session", "error", err)
		return false, g.clear(ctx)
	}

	if g.now().UnixMilli() >= session.ExpiresAt {
		g.logger.Info("login session expired")
		return false, g.clear(ctx)
	}
	return true, nil
}

// Require returns ErrNotSignedIn unless LoggedIn is true.
func (g *Gate) Require(ctx context.Context) error {
	ok, err := g.LoggedIn(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotSignedIn
	}
	return nil
}

// SignOut drops the login session.
func (g *Gate) SignOut(ctx context.Context) error {
	return g.clear(ctx)
}

func (g *Gate) clear(ctx context.Context) error {
	if err := g.store.Clear(ctx, SessionKey); err != nil {
		return fmt.Errorf("failed to clear login session: %w", err)
	}
	return nil
}

// MemoryStore is an in-process KV.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
