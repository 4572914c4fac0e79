// Package relayclient maintains the party's websocket connection to the
// relay: bounded-backoff reconnection, re-authentication on every connect,
// and dispatch of inbound envelopes to handlers that are armed exactly once.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dearly-app/dearly/internal/core"
)

var (
	ErrNotConnected = errors.New("relay not connected")
	ErrBackpressure = errors.New("backpressure")
)

type Config struct {
	URL string
	// Identity is sent as an authenticate message on every (re)connect.
	Identity core.AuthenticatePayload
	// ReconnectAttempts bounds the retry budget. Zero means 5.
	ReconnectAttempts int
	// ReconnectDelay is the backoff base, doubled per attempt. Zero means 1s.
	ReconnectDelay time.Duration
}

type Client struct {
	cfg Config
	log zerolog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	send     chan core.Frame
	self     core.ClientID
	handlers map[string][]func(json.RawMessage)
	onDown   func(error)
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	c := &Client{
		cfg:      cfg,
		log:      logger.With().Str("module", "relayclient").Logger(),
		handlers: make(map[string][]func(json.RawMessage)),
	}
	c.Handle(core.TypeMe, c.handleMe)
	return c
}

// Handle registers a handler for a message type. Registration survives
// reconnects; callers register once at construction time.
func (c *Client) Handle(msgType string, fn func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = append(c.handlers[msgType], fn)
	c.mu.Unlock()
}

// OnDown registers the callback fired when the retry budget is exhausted.
func (c *Client) OnDown(fn func(error)) {
	c.mu.Lock()
	c.onDown = fn
	c.mu.Unlock()
}

// Self returns the relay handle assigned on the current connection.
func (c *Client) Self() core.ClientID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// Emit sends a typed message to the relay. Never blocks; drops on
// backpressure like the relay itself does.
func (c *Client) Emit(msgType string, payload any) error {
	frame, err := core.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.RLock()
	send := c.send
	c.mu.RUnlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Run connects and keeps the connection alive until ctx is cancelled or the
// reconnect budget is exhausted. Each successful connect resets the budget
// and re-authenticates; handles are not preserved across reconnects, so the
// consuming layer treats every connect as a fresh presence announcement.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if attempt > c.cfg.ReconnectAttempts {
			c.log.Error().Err(err).Int("attempts", attempt-1).Msg("reconnect budget exhausted")
			c.mu.RLock()
			down := c.onDown
			c.mu.RUnlock()
			if down != nil {
				down(err)
			}
			return err
		}
		delay := c.cfg.ReconnectDelay << (attempt - 1)
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("relay connection lost, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs one connect/read cycle. Returns nil only on clean
// shutdown via ctx.
func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	send := make(chan core.Frame, 32)
	c.mu.Lock()
	c.conn = conn
	c.send = send
	c.self = ""
	c.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.mu.Lock()
		c.conn = nil
		c.send = nil
		c.self = ""
		c.mu.Unlock()
		_ = conn.Close()
	}()

	go c.writePump(connCtx, conn, send)

	// Unblock the read loop when shutting down.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	// Identity is announced immediately; the relay answers with our fresh
	// handle ("me") and a userOnline broadcast to everyone else.
	if err := c.Emit(core.TypeAuthenticate, c.cfg.Identity); err != nil {
		return err
	}
	c.log.Info().Str("url", c.cfg.URL).Msg("relay connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send chan core.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Error().Err(err).Msg("bad envelope from relay")
		return
	}
	c.mu.RLock()
	fns := c.handlers[env.Type]
	c.mu.RUnlock()
	if len(fns) == 0 {
		c.log.Debug().Str("type", env.Type).Msg("unhandled relay message")
		return
	}
	for _, fn := range fns {
		fn(env.Payload)
	}
}

func (c *Client) handleMe(raw json.RawMessage) {
	var p core.MePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.mu.Lock()
	c.self = p.ClientID
	c.mu.Unlock()
	c.log.Info().Str("cid", string(p.ClientID)).Msg("relay handle assigned")
}
