// Package transport owns the physical WebSocket connection to the agent.
//
// The transport performs the INIT handshake on open, decodes inbound frames
// into messages for the dispatcher, echoes heartbeats, and recovers from
// abnormal closes with exponential backoff up to a fixed attempt budget.
package transport

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/app-builder/realtime/internal/buffer"
	"github.com/app-builder/realtime/internal/bus"
	"github.com/app-builder/realtime/internal/message"
	"github.com/app-builder/realtime/internal/model"
	"github.com/app-builder/realtime/internal/transcript"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Interval for polling connection readiness during Connect.
	readyPollInterval = 20 * time.Millisecond

	// Maximum message size allowed from the peer.
	maxMessageSize = 1 << 20

	// Number of recent raw frames kept for error diagnostics.
	frameRingSize = 32
)

// Config holds transport configuration.
type Config struct {
	// Endpoint is the base WebSocket URL, e.g. "ws://localhost:8000/ws".
	Endpoint string

	// Token is the bearer credential, carried as the auth_token query
	// parameter because this leg cannot set custom headers.
	Token string

	// SessionID correlates the connection with a logical session. It is
	// sent both as a query parameter and in the INIT handshake payload.
	SessionID string

	// DialTimeout bounds how long Connect waits for the socket to open.
	DialTimeout time.Duration

	// ReconnectBase is the backoff unit; attempt n waits base * 2^(n-1).
	ReconnectBase time.Duration

	// MaxReconnectAttempts is the retry budget for abnormal closes.
	MaxReconnectAttempts int

	// Transcript, when set, records every frame in both directions.
	Transcript *transcript.Recorder
}

// DefaultConfig returns sane defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:          10 * time.Second,
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Transport manages exactly one physical WebSocket connection at a time.
type Transport struct {
	cfg Config
	bus *bus.Dispatcher

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	ready    bool
	closing  bool
	attempts int
	retry    *time.Timer

	frames *buffer.FrameRing

	// onTerminal is invoked when the retry budget is exhausted or the
	// connection closed without a pending reconnect.
	onTerminal func(err error)
}

// New creates a transport publishing decoded messages to the dispatcher.
func New(cfg Config, d *bus.Dispatcher) *Transport {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return &Transport{
		cfg:    cfg,
		bus:    d,
		frames: buffer.NewFrameRing(frameRingSize),
	}
}

// SetOnTerminal sets the callback for terminal disconnects. Transient closes
// recovered by the backoff path do not fire it.
func (t *Transport) SetOnTerminal(fn func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTerminal = fn
}

// Ready reports whether the socket is open and sends are permitted.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// RecentFrames returns the most recent raw inbound frames, oldest first.
func (t *Transport) RecentFrames() [][]byte {
	return t.frames.Snapshot()
}

// buildURL assembles the endpoint URI with the credential embedded as a
// query parameter. The remote leg does not support custom headers, so the
// token never travels in one here; the relay upgrades it to an
// Authorization header upstream.
func (t *Transport) buildURL() (string, error) {
	if t.cfg.Endpoint == "" {
		return "", model.ErrEndpointRequired
	}
	u, err := url.Parse(t.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}

	q := u.Query()
	if t.cfg.Token != "" {
		q.Set("auth_token", t.cfg.Token)
	}
	if t.cfg.SessionID != "" {
		q.Set("session_id", t.cfg.SessionID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens the socket and blocks until it is ready, a dial error
// occurs, or the dial timeout elapses. Readiness is observed by polling the
// ready flag so callers get a single awaitable completion.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.ready {
		t.mu.Unlock()
		return nil
	}
	t.closing = false
	t.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- t.open()
	}()

	deadline := time.NewTimer(t.cfg.DialTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
			// Dial returned cleanly; readiness follows immediately.
		case <-ticker.C:
			if t.Ready() {
				return nil
			}
		case <-deadline.C:
			t.abandonDial()
			return model.ErrConnectTimeout
		case <-ctx.Done():
			t.abandonDial()
			return ctx.Err()
		}
		if t.Ready() {
			return nil
		}
	}
}

// abandonDial marks the transport closing so a dial still in flight closes
// its socket instead of going live after the caller already saw failure.
func (t *Transport) abandonDial() {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
}

// open dials the endpoint, performs the INIT handshake and starts the read
// pump. It is used for both the initial connect and backoff reconnects.
func (t *Transport) open() error {
	endpoint, err := t.buildURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	conn, _, err := dialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.cfg.Endpoint, err)
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)

	// Handshake: INIT goes on the wire before the ready flag flips, so no
	// caller write can precede it. The agent answers INIT with INIT carrying
	// bootstrap data.
	init := message.New(message.TypeInit, map[string]any{})
	init.SessionID = t.cfg.SessionID
	if err := t.writeFrame(conn, init); err != nil {
		log.Printf("transport: failed to send handshake: %v", err)
	}

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.ready = true
	t.attempts = 0
	t.mu.Unlock()

	t.bus.SetConnected(true)
	go t.readPump(conn)
	return nil
}

// Send writes a message to the socket. It fails with ErrNotConnected while
// the socket is not open; there is no implicit send queue.
func (t *Transport) Send(m *message.Message) error {
	t.mu.Lock()
	conn := t.conn
	ready := t.ready
	t.mu.Unlock()

	if !ready || conn == nil {
		return model.ErrNotConnected
	}
	return t.writeFrame(conn, m)
}

// writeFrame marshals and writes one frame, recording it on the transcript.
func (t *Transport) writeFrame(conn *websocket.Conn, m *message.Message) error {
	data, err := m.MarshalWire()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if t.cfg.Transcript != nil {
		if err := t.cfg.Transcript.Record(transcript.DirectionOut, data); err != nil {
			log.Printf("transport: transcript write failed: %v", err)
		}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readPump reads frames until the connection drops, forwarding decoded
// messages to the dispatcher.
func (t *Transport) readPump(conn *websocket.Conn) {
	var closeErr error
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		t.handleFrame(raw)
	}
	t.handleClose(conn, closeErr)
}

// handleFrame decodes one inbound frame and publishes the result.
func (t *Transport) handleFrame(raw []byte) {
	t.frames.Push(raw)
	if t.cfg.Transcript != nil {
		if err := t.cfg.Transcript.Record(transcript.DirectionIn, raw); err != nil {
			log.Printf("transport: transcript write failed: %v", err)
		}
	}

	m, err := message.Decode(raw)
	if err != nil {
		switch err {
		case message.ErrMalformed:
			// A bad frame must not terminate the session; surface it as an
			// observable error entry instead.
			t.bus.Publish(message.New(message.TypeError, map[string]any{
				"error": fmt.Sprintf("malformed frame: %v", err),
				"raw":   string(raw),
			}))
		default:
			// Empty objects and unknown types are protocol noise.
			log.Printf("transport: dropping frame: %v", err)
		}
		return
	}

	// Liveness: echo the heartbeat before forwarding it, so subscriber
	// logic cannot intercept and suppress the reply.
	if m.Type == message.TypePing {
		pong := message.New(message.TypePing, map[string]any{})
		pong.SessionID = t.cfg.SessionID
		if err := t.Send(pong); err != nil {
			log.Printf("transport: failed to echo ping: %v", err)
		}
	}

	t.bus.Publish(m)
}

// handleClose marks the transport not-ready and decides whether the close is
// transient (schedule a backoff reconnect) or terminal.
func (t *Transport) handleClose(conn *websocket.Conn, err error) {
	conn.Close()

	t.mu.Lock()
	if t.conn != conn {
		// A newer connection already replaced this one.
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.ready = false
	closing := t.closing
	t.mu.Unlock()

	t.bus.SetConnected(false)

	if closing || isNormalClose(err) {
		return
	}

	log.Printf("transport: connection lost: %v", err)
	// Transient failures stay off the conversation log, but subscribers on
	// the error channel still get to observe them.
	t.bus.PublishError(fmt.Sprintf("connection lost: %v", err))
	t.scheduleReconnect()
}

// isNormalClose reports whether err represents a clean 1000 close.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// backoffDelay returns the wait before reconnect attempt n, doubling from
// the base with each consecutive failure.
func (t *Transport) backoffDelay(attempt int) time.Duration {
	return t.cfg.ReconnectBase * (1 << (attempt - 1))
}

// scheduleReconnect arms the backoff timer for the next attempt, or surfaces
// a terminal disconnect once the budget is exhausted.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return
	}
	t.attempts++
	attempt := t.attempts
	if attempt > t.cfg.MaxReconnectAttempts {
		terminal := t.onTerminal
		t.mu.Unlock()
		log.Printf("transport: giving up after %d reconnect attempts", t.cfg.MaxReconnectAttempts)
		if terminal != nil {
			terminal(model.ErrRetryBudgetExhausted)
		}
		return
	}

	delay := t.backoffDelay(attempt)
	log.Printf("transport: reconnect attempt %d/%d in %v", attempt, t.cfg.MaxReconnectAttempts, delay)
	t.retry = time.AfterFunc(delay, func() {
		t.mu.Lock()
		closing := t.closing
		t.mu.Unlock()
		if closing {
			return
		}
		if err := t.open(); err != nil {
			log.Printf("transport: reconnect failed: %v", err)
			t.scheduleReconnect()
		}
	})
	t.mu.Unlock()
}

// Disconnect closes the socket with the normal close code, suppressing
// auto-reconnect, and cancels any pending retry. Safe to call in any state.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.conn = nil
	t.ready = false
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
		conn.Close()
	}

	t.bus.SetConnected(false)
}
