package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("signaling connection closed")

// Client is a websocket signaling session with the media server
type Client struct {
	serverURL    string
	token        string
	pingInterval time.Duration
	conn         *websocket.Conn
	mu           sync.Mutex // guards conn writes
	logger       *slog.Logger
	msgChan      chan interface{}
	errChan      chan error
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// Config holds signaling client configuration
type Config struct {
	ServerURL    string        // ws(s):// or http(s):// media server URL
	Token        string        // Participant access token
	PingInterval time.Duration // default 25s
	Logger       *slog.Logger
}

// NewClient creates a new signaling client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		serverURL:    cfg.ServerURL,
		token:        cfg.Token,
		pingInterval: cfg.PingInterval,
		logger:       cfg.Logger,
		msgChan:      make(chan interface{}, 100),
		errChan:      make(chan error, 10),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// JoinURL builds the websocket URL carrying the access token.
func JoinURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server URL: missing host")
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/rtc"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the server and waits for the joined frame.
func (c *Client) Connect(ctx context.Context) (*JoinedMessage, error) {
	joinURL, err := JoinURL(c.serverURL, c.token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, joinURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to signaling server (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	joined, err := c.awaitJoined(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("joined room", "room", joined.Room, "identity", joined.Identity, "participants", len(joined.Participants))

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return joined, nil
}

// awaitJoined reads frames until joined or error
func (c *Client) awaitJoined(ctx context.Context, conn *websocket.Conn) (*JoinedMessage, error) {
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	// Closing the conn unblocks the read when ctx ends first
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed waiting for join: %w", err)
		}

		var base Message
		if err := json.Unmarshal(data, &base); err != nil {
			return nil, fmt.Errorf("failed to parse signaling frame: %w", err)
		}

		switch base.Type {
		case "joined":
			var msg JoinedMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, fmt.Errorf("failed to parse joined frame: %w", err)
			}
			return &msg, nil
		case "error":
			var msg ErrorMessage
			json.Unmarshal(data, &msg)
			return nil, fmt.Errorf("join rejected: %s (code: %d)", msg.Message, msg.Code)
		default:
			c.logger.Debug("ignoring frame before join", "type", base.Type)
		}
	}
}

// readLoop handles incoming frames. The message channel is closed when
// the connection ends.
func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.msgChan)

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + 5*time.Second))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("signaling read error", "error", err)
				select {
				case c.errChan <- err:
				default:
				}
			}
			return
		}

		msg, err := decode(data)
		if err != nil {
			c.logger.Error("failed to handle signaling frame", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		select {
		case c.msgChan <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// writeLoop sends keep-alive pings
func (c *Client) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(PingMessage{Type: "ping"}); err != nil {
				c.logger.Error("failed to send ping", "error", err)
			}
		}
	}
}

// decode routes a frame to its typed struct. Pongs decode to nil.
func decode(data []byte) (interface{}, error) {
	var base Message
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	var msg interface{}
	switch base.Type {
	case "participants":
		msg = &ParticipantsMessage{}
	case "offer", "answer":
		msg = &SessionDescription{}
	case "candidate":
		msg = &CandidateMessage{}
	case "transcription":
		msg = &TranscriptionMessage{}
	case "chat":
		msg = &ChatMessage{}
	case "agent_state":
		msg = &AgentStateMessage{}
	case "leave":
		msg = &LeaveMessage{}
	case "error":
		msg = &ErrorMessage{}
	case "pong":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown signaling frame type %q", base.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to parse %s frame: %w", base.Type, err)
	}
	return msg, nil
}

// Send writes one frame as JSON
func (c *Client) Send(msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// MessageChan returns the channel for receiving typed frames
func (c *Client) MessageChan() <-chan interface{} {
	return c.msgChan
}

// ErrorChan returns the channel for receiving errors
func (c *Client) ErrorChan() <-chan error {
	return c.errChan
}

// Close sends leave when connected and closes the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.Send(LeaveMessage{Type: "leave", Reason: "client_leave"}); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Debug("failed to send leave", "error", err)
		}

		c.cancel()

		c.mu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	})
	return nil
}
