// Package session provides the consumer-facing facade over the transport.
package session

import (
	"context"
	"log"
	"sync"

	"github.com/app-builder/realtime/internal/bus"
	"github.com/app-builder/realtime/internal/message"
	"github.com/app-builder/realtime/internal/model"
	"github.com/app-builder/realtime/internal/transport"
)

// State is the connection state of the controller.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Controller orchestrates the connect/disconnect lifecycle for one logical
// session and exposes a typed send API that stamps outgoing messages with
// the session identity. At most one physical transport is live at a time.
type Controller struct {
	mu    sync.Mutex
	cfg   transport.Config
	bus   *bus.Dispatcher
	tr    *transport.Transport
	state State

	// lastErr holds the reason for the most recent disconnect.
	lastErr error

	onStateChange func(State, error)
}

// NewController creates a controller with its own dispatcher.
func NewController(cfg transport.Config) *Controller {
	c := &Controller{
		cfg: cfg,
		bus: bus.NewDispatcher(),
	}
	c.bus.OnConnect(func() {
		c.setState(StateConnected, nil)
	})
	c.bus.OnDisconnect(func() {
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		// Keep Connecting visible while a dial is still in flight.
		if state == StateConnected {
			c.setState(StateDisconnected, nil)
		}
	})
	return c
}

// Bus returns the dispatcher for subscribing message handlers.
func (c *Controller) Bus() *bus.Dispatcher {
	return c.bus
}

// State returns the current connection state and the last disconnect reason.
func (c *Controller) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.lastErr
}

// SessionID returns the configured session identity.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.SessionID
}

// SetOnStateChange sets the callback fired on every state transition.
func (c *Controller) SetOnStateChange(fn func(State, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

func (c *Controller) setState(state State, err error) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	if err != nil || state == StateConnected {
		c.lastErr = err
	}
	callback := c.onStateChange
	c.mu.Unlock()

	if callback != nil {
		callback(state, err)
	}
}

// Connect establishes the session. It is an idempotent no-op while a connect
// is outstanding or a connection is live: the guard is checked synchronously
// under the lock before any asynchronous work starts, so two overlapping
// calls cannot open two sockets.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.lastErr = nil

	// Tear down any stale transport before dialing a new one.
	stale := c.tr
	tr := transport.New(c.cfg, c.bus)
	tr.SetOnTerminal(func(err error) {
		c.setState(StateDisconnected, err)
	})
	c.tr = tr
	callback := c.onStateChange
	c.mu.Unlock()

	if callback != nil {
		callback(StateConnecting, nil)
	}
	if stale != nil {
		stale.Disconnect()
	}

	if err := tr.Connect(ctx); err != nil {
		c.setState(StateDisconnected, err)
		return err
	}
	c.setState(StateConnected, nil)
	return nil
}

// Disconnect tears down the transport if present and resets the guard.
// Safe to call in any state, including mid-connect; pending reconnect timers
// are cancelled.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr != nil {
		tr.Disconnect()
	}
	c.setState(StateIdle, nil)
}

// Send builds a message of the given type and sends it, stamping the session
// identity onto it. While disconnected the rejection is reported through the
// dispatcher error channel as well as the returned error, so UI-driven
// callers observe it without exception plumbing.
func (c *Controller) Send(t message.Type, data map[string]any) error {
	c.mu.Lock()
	tr := c.tr
	sessionID := c.cfg.SessionID
	c.mu.Unlock()

	if tr == nil || !tr.Ready() {
		c.bus.PublishError("cannot send " + string(t) + ": not connected")
		return model.ErrNotConnected
	}

	m := message.New(t, data)
	m.SessionID = sessionID
	return tr.Send(m)
}

// UpdateConfig swaps the endpoint and credential. If a session is live the
// controller proactively reconnects, so credential rotation does not require
// an explicit disconnect from the caller.
func (c *Controller) UpdateConfig(endpoint, token string) {
	c.mu.Lock()
	changed := c.cfg.Endpoint != endpoint || c.cfg.Token != token
	c.cfg.Endpoint = endpoint
	c.cfg.Token = token
	state := c.state
	c.mu.Unlock()

	if !changed {
		return
	}
	if state == StateConnected || state == StateConnecting {
		log.Printf("session: connection parameters changed, reconnecting")
		c.Disconnect()
		if err := c.Connect(context.Background()); err != nil {
			log.Printf("session: reconnect after config change failed: %v", err)
		}
	}
}
