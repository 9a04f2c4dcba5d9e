package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Details holds the transport URL and access token for one call attempt.
type Details struct {
	ServerURL        string    `json:"serverUrl"`
	ParticipantToken string    `json:"participantToken"`
	ParticipantName  string    `json:"participantName,omitempty"`
	RoomName         string    `json:"roomName,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Usable reports whether the details can still be used at now.
func (d Details) Usable(now time.Time) bool {
	return d.ServerURL != "" && d.ParticipantToken != "" && now.Before(d.ExpiresAt)
}

// Provider fetches fresh connection details.
type Provider interface {
	Fetch(ctx context.Context) (Details, error)
}

// ErrMissingDetails is returned when a fetch yields no URL or token.
var ErrMissingDetails = errors.New("connection details missing")

// Error is a failure to obtain connection details. It is retryable.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to get connection details: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config holds cache configuration
type Config struct {
	Provider     Provider
	FetchTimeout time.Duration // Bound on a single shared fetch (default 15s)
	Logger       *slog.Logger
	Now          func() time.Time
}

// Cache keeps the last fetched Details. Concurrent callers share one
// in-flight fetch.
type Cache struct {
	provider     Provider
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	current *Details
	group   singleflight.Group
}

const fetchKey = "fetch"

// NewCache creates a new connection details cache
func NewCache(cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	return &Cache{
		provider:     cfg.Provider,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
}

// ExistingOrRefresh returns the cached details while they are usable and
// fetches new ones otherwise.
func (c *Cache) ExistingOrRefresh(ctx context.Context) (Details, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()

	if current != nil && current.Usable(c.now()) {
		return *current, nil
	}
	return c.refresh(ctx)
}

// ForceRefresh fetches and replaces the cached details. A fetch that is
// already in flight is shared rather than duplicated.
func (c *Cache) ForceRefresh(ctx context.Context) (Details, error) {
	return c.refresh(ctx)
}

// Reset drops the cached value.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Current returns the cached details without fetching.
func (c *Cache) Current() (Details, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return Details{}, false
	}
	return *c.current, true
}

func (c *Cache) refresh(ctx context.Context) (Details, error) {
	ch := c.group.DoChan(fetchKey, func() (interface{}, error) {
		// The shared fetch must not die with whichever caller started it.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return Details{}, &Error{Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Details{}, res.Err
		}
		return res.Val.(Details), nil
	}
}

func (c *Cache) fetch(ctx context.Context) (Details, error) {
	if c.provider == nil {
		return Details{}, &Error{Err: errors.New("no connection details provider configured")}
	}

	start := c.now()
	details, err := c.provider.Fetch(ctx)
	if err != nil {
		c.logger.Error("connection details fetch failed", "error", err)
		return Details{}, &Error{Err: err}
	}
	if details.ServerURL == "" || details.ParticipantToken == "" {
		c.logger.Error("connection details fetch returned incomplete details", "serverUrl", details.ServerURL)
		return Details{}, &Error{Err: ErrMissingDetails}
	}

	c.mu.Lock()
	c.current = &details
	c.mu.Unlock()

	c.logger.Info("connection details refreshed",
		"serverUrl", details.ServerURL,
		"room", details.RoomName,
		"expiresIn", details.ExpiresAt.Sub(start).Round(time.Second))

	return details, nil
}
