// Package gemini connects sessions to the Gemini Live BidiGenerateContent
// endpoint over a WebSocket.
//
// The client only frames and transports messages. It reports the setup
// acknowledgement as an open event and hands every later server message to
// the session undecoded, so protocol errors are classified in one place.
package gemini

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

	"github.com/coder/websocket"

	"voice-bridge/internal/application"
	"voice-bridge/internal/domain"
)

var _ application.Dialer = (*Client)(nil)

const (
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	endpoint = "google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultKeepalive = 20 * time.Second
	keepaliveTimeout = 5 * time.Second

	// Audio turns arrive as single frames well past the library's 32 KiB default.
	maxMessageSize = 16 << 20
)

var ErrEmptyMessage = errors.New("client message has no content")

type Option func(*Client)

// WithBaseURL overrides the WebSocket base URL, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithKeepalive sets the ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(c *Client) { c.keepalive = d }
}

type Client struct {
	apiKey    string
	baseURL   string
	keepalive time.Duration
	logger    *slog.Logger
}

func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:    apiKey,
		baseURL:   DefaultBaseURL,
		keepalive: defaultKeepalive,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial opens the socket and sends the setup message. The returned Conn
// emits EventOpen once the server acknowledges setup.
func (c *Client) Dial(ctx context.Context, setup domain.Setup) (application.Conn, error) {
	wsURL := fmt.Sprintf("%s/%s?key=%s", c.baseURL, endpoint, url.QueryEscape(c.apiKey))

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing live endpoint: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	connCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		ws:     ws,
		events: make(chan domain.TransportEvent, 64),
		ctx:    connCtx,
		cancel: cancel,
		logger: c.logger,
	}

	if err := conn.writeJSON(ctx, newSetupMessage(setup)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("sending setup: %w", err)
	}

	c.logger.Debug("live socket opened", "model", setup.Model)

	go conn.readLoop()
	if c.keepalive > 0 {
		go conn.keepaliveLoop(c.keepalive)
	}
	return conn, nil
}

// Conn is one live socket.
type Conn struct {
	ws     *websocket.Conn
	events chan domain.TransportEvent
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

func (c *Conn) Events() <-chan domain.TransportEvent {
	return c.events
}

func (c *Conn) Send(ctx context.Context, msg domain.ClientMessage) error {
	switch {
	case msg.RealtimeInput != nil && msg.RealtimeInput.Media != nil:
		return c.writeJSON(ctx, realtimeInputMessage{
			RealtimeInput: realtimeInput{MediaChunks: []domain.Blob{*msg.RealtimeInput.Media}},
		})
	case msg.ToolResponse != nil:
		return c.writeJSON(ctx, toolResponseMessage{ToolResponse: msg.ToolResponse})
	default:
		return ErrEmptyMessage
	}
}

// Close is idempotent. No close event is emitted for a locally closed socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	})
	return err
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// readLoop owns the events channel and closes it on exit.
func (c *Conn) readLoop() {
	defer close(c.events)

	opened := false
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.emit(closeEvent(err))
			return
		}

		if !opened && isSetupComplete(data) {
			opened = true
			c.emit(domain.TransportEvent{Kind: domain.EventOpen})
			continue
		}

		c.emit(domain.TransportEvent{Kind: domain.EventMessage, Data: data})
	}
}

func (c *Conn) emit(ev domain.TransportEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Conn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				c.logger.Debug("keepalive ping failed", "error", err)
			}
			cancel()
		}
	}
}

// closeEvent turns a read failure into a close event when the peer sent a
// close frame, and an error event otherwise.
func closeEvent(err error) domain.TransportEvent {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return domain.TransportEvent{
			Kind:   domain.EventClose,
			Code:   int(ce.Code),
			Reason: ce.Reason,
		}
	}
	return domain.TransportEvent{Kind: domain.EventError, Err: err}
}

func isSetupComplete(data []byte) bool {
	var probe struct {
		SetupComplete json.RawMessage `json:"setupComplete"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.SetupComplete != nil
}
