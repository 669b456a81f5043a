// Package transport maintains the duplex WebSocket channel to the governance
// backend. It owns dialing, keepalive, exponential-backoff reconnection, and
// frame decode, and surfaces everything above it as two callbacks: decoded
// events and connection status transitions.
//
// The channel absorbs transport faults itself. Consumers only ever see the
// status snapshot change; they never handle dial errors directly.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360studio/fidelitymon/wire"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Config configures a Channel.
type Config struct {
	// Endpoint is the backend WebSocket URL (ws:// or wss://).
	Endpoint string

	// Backoff governs the automatic reconnection schedule. Zero value means
	// DefaultBackoffConfig.
	Backoff BackoffConfig

	// PingInterval spaces keepalive pings. The read deadline is twice the
	// interval, so a peer that stops answering pongs surfaces as a read
	// error and follows the normal reconnect path. 0 disables keepalive.
	PingInterval time.Duration

	// HandshakeTimeout bounds the WebSocket dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds each outbound frame write. Defaults to 10s.
	WriteTimeout time.Duration

	// OnEvent receives every decoded inbound event in arrival order, always
	// from a single goroutine at a time.
	OnEvent func(wire.Event)

	// OnStateChange receives a status snapshot on every connection state
	// transition, serialized with OnEvent.
	OnStateChange func(Status)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Channel is a resilient duplex connection to the governance backend.
//
// Connect is non-blocking; the channel dials in the background and keeps
// itself alive through the backoff schedule until the reconnect ceiling is
// reached. Send silently drops commands while the channel is down. Close is
// final: no event or state callback fires after it returns.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	attempts    int
	exhausted   bool
	lastErr     error
	closed      bool
	gen         int
	reconnect   *time.Timer
	cancelDial  context.CancelFunc
	connectedAt time.Time

	// cbMu serializes callback delivery and doubles as the Close barrier:
	// Close acquires it after marking the channel closed, so any in-flight
	// callback finishes before Close returns and none can start afterwards.
	cbMu sync.Mutex

	// writeMu upholds the websocket one-concurrent-writer rule.
	writeMu sync.Mutex

	dropped atomic.Uint64
}

// New creates a Channel. The channel starts disconnected; call Connect to
// begin dialing.
func New(cfg Config) (*Channel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("transport: endpoint scheme must be ws or wss, got %q", u.Scheme)
	}

	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:  StateDisconnected,
	}, nil
}

// Connect begins a fresh connection cycle: the attempt counter and the
// exhausted flag reset, any pending reconnect is cancelled, and a dial starts
// in the background. Calling Connect while connected or connecting is a
// no-op. Connect after Close is an error.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("transport: channel is closed")
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}

	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.gen++
	gen := c.gen
	c.attempts = 0
	c.exhausted = false
	c.lastErr = nil
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.mu.Unlock()

	c.emitState(gen)
	go c.dial(ctx, gen)
	return nil
}

// Send writes a command to the backend. While the channel is not connected
// the command is silently dropped; callers must not depend on delivery.
func (c *Channel) Send(cmd wire.Command) {
	c.mu.Lock()
	conn := c.conn
	connected := !c.closed && c.state == StateConnected && conn != nil
	c.mu.Unlock()

	if !connected {
		c.dropped.Add(1)
		c.logger.Debug("dropping command while disconnected", "command", cmd.Type)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(cmd); err != nil {
		// The read loop will observe the broken connection and reconnect.
		c.logger.Warn("command write failed", "command", cmd.Type, "error", err)
	}
}

// Close tears the channel down for good: the connection closes, any pending
// reconnect or in-flight dial is cancelled, and no callback fires after Close
// returns. Close is idempotent. It must not be called from inside an OnEvent
// or OnStateChange callback.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.connectedAt = time.Time{}
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}

	// Callback barrier: closed is already set, so once we hold cbMu every
	// in-flight callback has finished and no new one can start.
	c.cbMu.Lock()
	c.logger.Info("transport channel closed")
	c.cbMu.Unlock()
}

// Status returns a snapshot of the channel's connection health.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Channel) statusLocked() Status {
	st := Status{
		State:           c.state,
		Attempts:        c.attempts,
		MaxAttempts:     c.cfg.Backoff.MaxAttempts,
		Exhausted:       c.exhausted,
		ConnectedAt:     c.connectedAt,
		DroppedCommands: c.dropped.Load(),
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// dial performs one connection attempt for the given generation.
func (c *Channel) dial(ctx context.Context, gen int) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		c.dialFailed(gen, err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.exhausted = false
	c.lastErr = nil
	c.connectedAt = time.Now()
	c.cancelDial = nil
	if c.cfg.PingInterval > 0 {
		interval := c.cfg.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * interval))
		})
	}
	c.mu.Unlock()

	c.logger.Info("connected to governance backend", "endpoint", c.cfg.Endpoint)
	c.emitState(gen)
	go c.readLoop(conn, gen)
	if c.cfg.PingInterval > 0 {
		go c.pingLoop(conn, gen)
	}
}

// dialFailed records a failed attempt and schedules the next one, unless the
// reconnect ceiling has been reached.
func (c *Channel) dialFailed(gen int, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.cancelDial = nil
	c.scheduleReconnectLocked(gen, err)
}

// teardown handles the death of a live connection reported by its read loop.
func (c *Channel) teardown(conn *websocket.Conn, gen int, err error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || gen != c.gen || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connectedAt = time.Time{}
	c.scheduleReconnectLocked(gen, err)
}

// scheduleReconnectLocked applies the backoff schedule after a failure. The
// caller must hold mu; it is released before callbacks fire.
func (c *Channel) scheduleReconnectLocked(gen int, err error) {
	c.lastErr = err
	c.state = StateError

	if c.attempts >= c.cfg.Backoff.MaxAttempts {
		c.exhausted = true
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Warn("reconnect attempts exhausted, waiting for explicit connect",
			"attempts", attempts,
			"error", err)
		c.emitState(gen)
		return
	}

	delay := c.cfg.Backoff.Delay(c.attempts + 1)
	c.attempts++
	attempt := c.attempts
	c.reconnect = time.AfterFunc(delay, func() { c.redial(gen) })
	c.mu.Unlock()

	c.logger.Debug("connection lost, reconnect scheduled",
		"attempt", attempt,
		"max_attempts", c.cfg.Backoff.MaxAttempts,
		"delay", delay,
		"error", err)
	c.emitState(gen)
}

// redial runs when a scheduled reconnect fires.
func (c *Channel) redial(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.mu.Unlock()

	c.emitState(gen)
	c.dial(ctx, gen)
}

// readLoop pumps inbound frames for one connection until it dies.
func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection closed abnormally", "error", err)
			}
			c.teardown(conn, gen, err)
			return
		}

		ev, derr := wire.Decode(data)
		if derr != nil {
			// Protocol fault: drop the frame, keep the connection.
			c.logger.Warn("dropping undecodable frame", "error", derr)
			continue
		}
		c.emitEvent(ev, gen)
	}
}

// pingLoop keeps the connection's read deadline fed. Pong handling lives on
// the connection itself; a peer that stops answering trips the deadline and
// the read loop reconnects.
func (c *Channel) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.closed || gen != c.gen || c.conn != conn
		c.mu.Unlock()
		if stale {
			return
		}
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			return
		}
	}
}

// emitEvent delivers one decoded event unless the generation is stale or the
// channel closed.
func (c *Channel) emitEvent(ev wire.Event, gen int) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	stale := c.closed || gen != c.gen
	c.mu.Unlock()
	if stale || c.cfg.OnEvent == nil {
		return
	}
	c.cfg.OnEvent(ev)
}

// emitState delivers a status snapshot unless the generation is stale or the
// channel closed.
func (c *Channel) emitState(gen int) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	st := c.statusLocked()
	c.mu.Unlock()
	if c.cfg.OnStateChange == nil {
		return
	}
	c.cfg.OnStateChange(st)
}
