// Package transport connects the conversation cache to its event source: a
// websocket session that delivers chat events at-least-once, plus the
// dispatcher that turns validated envelopes into store mutations.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"loom/cmd/internal/identity/ids"
	v1 "loom/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	subprotocolV1 = "loom.chat.v1"

	maxFrameBytes = 256 << 10 // 256 KiB

	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultReadIdleTimeout   = 2 * time.Minute
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second
	maxPingFailures          = 3

	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second

	defaultRateEvents = 600
	defaultRateWindow = 10 * time.Second
)

// Config holds the connection settings for one event-source session.
type Config struct {
	URL    string
	UserID string
	// Proof is the argon2id-derived credential proof sent in hello.
	Proof string

	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	ReadIdleTimeout   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = defaultReadIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = defaultReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = defaultReconnectMax
	}
	if c.RateEvents <= 0 {
		c.RateEvents = defaultRateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = defaultRateWindow
	}
}

// Client maintains one websocket session against the chat event source and
// feeds every validated envelope through the dispatcher. It reconnects with
// capped exponential backoff until its context is cancelled.
type Client struct {
	log *slog.Logger
	cfg Config
	d   *Dispatcher
}

// NewClient constructs a transport client.
func NewClient(log *slog.Logger, cfg Config, d *Dispatcher) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("transport: missing url")
	}
	if d == nil {
		return nil, errors.New("transport: nil dispatcher")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()
	return &Client{log: log, cfg: cfg, d: d}, nil
}

// Run blocks until ctx is cancelled, holding a session open and
// re-establishing it after failures.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Info("ws.session.end", "err", err, "retry_in", backoff.String())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		reconnects.Inc()
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

// session runs one connect-handshake-read cycle.
func (c *Client) session(ctx context.Context) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{subprotocolV1},
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != subprotocolV1 {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return fmt.Errorf("subprotocol: got=%q want=%q", sp, subprotocolV1)
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := c.handshake(ctx, conn)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	c.log.Info("ws.session.start", "session_id", sessionID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeat(sessCtx, conn, cancel)
	}()

	err = c.readLoop(sessCtx, conn)
	cancel()
	<-heartbeatDone
	return err
}

// handshake sends hello and waits for hello_ack.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	now := time.Now().UTC()
	payload, _ := json.Marshal(v1.HelloPayload{UserID: c.cfg.UserID, Proof: c.cfg.Proof})
	if err := c.writeEnvelope(ctx, conn, newEnvelope(v1.TypeHello, payload, now)); err != nil {
		return "", err
	}

	readCtx, cancel := context.WithTimeout(ctx, c.cfg.ReadIdleTimeout)
	env, err := readEnvelope(readCtx, conn)
	cancel()
	if err != nil {
		return "", err
	}
	if err := env.Validate(); err != nil {
		return "", err
	}

	switch env.Type {
	case v1.TypeHelloAck:
		var ack v1.HelloAckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return "", fmt.Errorf("invalid hello_ack: %w", err)
		}
		return ack.SessionID, nil
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return "", fmt.Errorf("server rejected hello: %s: %s", p.Code, p.Message)
	default:
		return "", fmt.Errorf("unexpected handshake reply: %s", env.Type)
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
			err := conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				c.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					cancel()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	rl := NewRateLimiter(c.cfg.RateEvents, c.cfg.RateWindow)

	for {
		readCtx, readCancel := context.WithTimeout(ctx, c.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				return fmt.Errorf("peer closed: %w", err)
			case readErrCtxDone:
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read idle: %w", err)
			case readErrConnClosed:
				return fmt.Errorf("conn closed: %w", err)
			case readErrBadJSON:
				c.log.Info("ws.event.reject", "reason", "bad_json", "err", err)
				eventsRejected.Inc()
				continue
			default:
				return fmt.Errorf("read: %w", err)
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			return errors.New("inbound rate limit exceeded")
		}

		if err := env.Validate(); err != nil {
			c.log.Info("ws.event.reject", "reason", "bad_envelope", "err", err)
			eventsRejected.Inc()
			continue
		}

		switch env.Type {
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.log.Info("ws.server.error", "code", p.Code, "message", p.Message)
		case v1.TypeHello, v1.TypeHelloAck:
			c.log.Info("ws.event.reject", "reason", "unexpected_session_envelope", "type", env.Type)
			eventsRejected.Inc()
		default:
			if err := c.d.Apply(env, now); err != nil {
				// Malformed or unknown events are dropped, never fatal:
				// the stores stay consistent and the stream continues.
				c.log.Info("ws.event.reject", "type", env.Type, "err", err)
			}
		}
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := ids.NewULID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, errBadJSON{err}
	}
	return env, nil
}

func (c *Client) writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope) error {
	ctx, cancel := context.WithTimeout(parent, c.cfg.WriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
