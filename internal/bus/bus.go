// Package bus provides in-process routing of agent messages to handlers.
package bus

import (
	"fmt"
	"sync"

	"github.com/app-builder/realtime/internal/message"
)

// Handler consumes a message delivered by the dispatcher.
type Handler func(*message.Message)

type subscription struct {
	id int
	fn Handler
}

// Dispatcher routes messages by type to zero or more handlers and tracks the
// connection flag for the session. A single catch-all observer, when
// registered, sees every message before the per-type handlers run.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[message.Type][]subscription

	observer Handler
	onError  Handler

	connected    bool
	onConnect    []func()
	onDisconnect []func()
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[message.Type][]subscription),
	}
}

// Subscribe registers a handler for the given message type and returns a
// function that removes it. Handlers for the same type run in subscription
// order.
func (d *Dispatcher) Subscribe(t message.Type, fn Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[t] = append(d.handlers[t], subscription{id: id, fn: fn})

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.handlers[t]
		for i, sub := range subs {
			if sub.id == id {
				d.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SetObserver sets the catch-all observer invoked for every published message.
func (d *Dispatcher) SetObserver(fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = fn
}

// SetOnError sets the channel that receives synthesized error observations,
// such as handler panics converted to error messages.
func (d *Dispatcher) SetOnError(fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onError = fn
}

// OnConnect registers a callback fired when the connection flag rises.
// Callbacks run in registration order.
func (d *Dispatcher) OnConnect(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnect = append(d.onConnect, fn)
}

// OnDisconnect registers a callback fired when the connection flag falls.
// Callbacks run in registration order.
func (d *Dispatcher) OnDisconnect(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDisconnect = append(d.onDisconnect, fn)
}

// Publish delivers the message to the catch-all observer, then to every
// handler subscribed to its type. A panicking handler never prevents the
// remaining handlers from running; the panic is converted to an error
// observation on the error channel.
func (d *Dispatcher) Publish(m *message.Message) {
	if m == nil {
		return
	}

	d.mu.RLock()
	observer := d.observer
	subs := make([]subscription, len(d.handlers[m.Type]))
	copy(subs, d.handlers[m.Type])
	d.mu.RUnlock()

	if observer != nil {
		d.invoke(observer, m)
	}
	for _, sub := range subs {
		d.invoke(sub.fn, m)
	}
}

func (d *Dispatcher) invoke(fn Handler, m *message.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.reportError(fmt.Sprintf("handler panic on %s: %v", m.Type, r))
		}
	}()
	fn(m)
}

func (d *Dispatcher) reportError(text string) {
	d.mu.RLock()
	onError := d.onError
	d.mu.RUnlock()

	if onError != nil {
		onError(message.New(message.TypeError, map[string]any{"error": text}))
	}
}

// PublishError synthesizes an error observation on the error channel without
// touching the per-type handlers.
func (d *Dispatcher) PublishError(text string) {
	d.reportError(text)
}

// SetConnected updates the connection flag. Lifecycle callbacks fire exactly
// once per transition; setting the same value twice is a no-op.
func (d *Dispatcher) SetConnected(connected bool) {
	d.mu.Lock()
	if d.connected == connected {
		d.mu.Unlock()
		return
	}
	d.connected = connected
	callbacks := d.onConnect
	if !connected {
		callbacks = d.onDisconnect
	}
	callbacks = append([]func(){}, callbacks...)
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Connected reports the current connection flag.
func (d *Dispatcher) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}
