// Package conversation folds incoming agent messages into an ordered log.
//
// The log is the user-visible conversation: streamed replies coalesce into a
// single entry per logical id, duplicate INIT deliveries are suppressed per
// physical connection, and per-file working entries of an update cycle are
// pruned once the cycle completes.
package conversation

import (
	"log"
	"sync"

	"github.com/app-builder/realtime/internal/bus"
	"github.com/app-builder/realtime/internal/message"
)

// Sink receives entries worth persisting (user prompts, final agent replies).
type Sink func(m *message.Message, role string)

// Conversation holds the ordered conversation state for one session.
type Conversation struct {
	mu      sync.Mutex
	entries []*message.Message
	// byID maps logical ids of merge-type entries to their log position.
	byID map[string]int
	// processed is the connection-scoped dedup set for idempotent types.
	processed map[string]bool

	streaming bool
	updating  bool

	previewURL    string
	sessionExists bool

	sink Sink

	// onBootstrap fires on the first INIT of a connection: the preview
	// target plus whether the session already has prior state (in which
	// case any queued initial prompt must not be replayed).
	onBootstrap func(previewURL string, exists bool)

	// onPreviewReload fires exactly once per completed update cycle.
	onPreviewReload func(previewURL string)
}

// New creates an empty conversation.
func New() *Conversation {
	return &Conversation{
		byID:      make(map[string]int),
		processed: make(map[string]bool),
	}
}

// SetSink sets the persistence sink for user and final agent entries.
func (c *Conversation) SetSink(sink Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// SetOnBootstrap sets the callback for the per-connection INIT bootstrap.
func (c *Conversation) SetOnBootstrap(fn func(previewURL string, exists bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBootstrap = fn
}

// SetOnPreviewReload sets the callback fired when an update cycle completes.
func (c *Conversation) SetOnPreviewReload(fn func(previewURL string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPreviewReload = fn
}

// Attach subscribes the conversation's handlers on the dispatcher and wires
// the connection lifecycle: the dedup set is cleared exactly on transition
// to disconnected, because a reconnect starts a fresh handshake that
// legitimately reuses logical ids.
func (c *Conversation) Attach(d *bus.Dispatcher) {
	d.Subscribe(message.TypeInit, c.handleInit)
	d.Subscribe(message.TypeUser, c.handleAppend)
	d.Subscribe(message.TypeLoadCode, c.handleAppend)
	d.Subscribe(message.TypeAgentPartial, c.handleAgentPartial)
	d.Subscribe(message.TypeAgentFinal, c.handleAgentFinal)
	d.Subscribe(message.TypeUpdateInProgress, c.handleUpdateInProgress)
	d.Subscribe(message.TypeUpdateFile, c.handleUpdateFile)
	d.Subscribe(message.TypeUpdateCompleted, c.handleUpdateCompleted)
	d.Subscribe(message.TypeError, c.handleError)
	d.OnDisconnect(c.ResetConnection)
}

// ResetConnection clears the connection-scoped dedup set. The log itself
// survives reconnects.
func (c *Conversation) ResetConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed = make(map[string]bool)
}

// Entries returns a snapshot of the conversation log in display order.
func (c *Conversation) Entries() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*message.Message, len(c.entries))
	copy(out, c.entries)
	return out
}

// Streaming reports whether an agent reply is still streaming.
func (c *Conversation) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Updating reports whether an edit cycle is in progress.
func (c *Conversation) Updating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updating
}

// PreviewURL returns the preview target from the handshake bootstrap.
func (c *Conversation) PreviewURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previewURL
}

// SessionExists reports whether the agent said the session has prior state.
func (c *Conversation) SessionExists() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionExists
}

// insertLocked appends the message at its timestamp-ordered position.
// Equal timestamps keep arrival order. Callers hold c.mu.
func (c *Conversation) insertLocked(m *message.Message) int {
	pos := len(c.entries)
	for pos > 0 && c.entries[pos-1].Timestamp > m.Timestamp && m.Timestamp != 0 {
		pos--
	}
	if pos == len(c.entries) {
		c.entries = append(c.entries, m)
	} else {
		c.entries = append(c.entries, nil)
		copy(c.entries[pos+1:], c.entries[pos:])
		c.entries[pos] = m
		c.reindexLocked()
		return pos
	}
	return pos
}

// reindexLocked rebuilds the id->position map. Callers hold c.mu.
func (c *Conversation) reindexLocked() {
	for id := range c.byID {
		delete(c.byID, id)
	}
	for i, e := range c.entries {
		if e.ID != "" && e.Type != message.TypeError {
			c.byID[e.ID] = i
		}
	}
}

// mergeLocked replaces the mutable fields of an existing entry with the same
// logical id, preserving its position, or inserts a new entry on first
// occurrence. Returns the entry position. Callers hold c.mu.
func (c *Conversation) mergeLocked(m *message.Message) int {
	if pos, ok := c.byID[m.ID]; ok {
		prior := c.entries[pos]
		merged := &message.Message{
			Type: m.Type,
			ID:   m.ID,
			// Keep the original timestamp so the entry holds its position.
			Timestamp: prior.Timestamp,
			Data:      m.Data,
			SessionID: m.SessionID,
		}
		c.entries[pos] = merged
		return pos
	}
	pos := c.insertLocked(m)
	c.byID[m.ID] = pos
	return pos
}

// handleInit processes the handshake response. A repeated id within one
// physical connection is an idempotent re-delivery and is ignored after the
// first occurrence.
func (c *Conversation) handleInit(m *message.Message) {
	c.mu.Lock()
	if m.ID != "" && c.processed[m.ID] {
		c.mu.Unlock()
		return
	}
	if m.ID != "" {
		c.processed[m.ID] = true
	}

	if url, ok := m.Data["url"].(string); ok && url != "" {
		c.previewURL = url
	}
	if exists, ok := m.Data["exists"].(bool); ok {
		c.sessionExists = exists
	}
	exists := c.sessionExists
	previewURL := c.previewURL
	bootstrap := c.onBootstrap
	c.insertLocked(m)
	c.mu.Unlock()

	if bootstrap != nil {
		bootstrap(previewURL, exists)
	}
}

// handleAppend appends a message as an independent entry.
func (c *Conversation) handleAppend(m *message.Message) {
	c.mu.Lock()
	c.insertLocked(m)
	sink := c.sink
	c.mu.Unlock()

	if sink != nil && m.Type == message.TypeUser {
		sink(m, "user")
	}
}

// handleAgentPartial folds a streaming partial into its logical entry.
// Partials without an id are positional edits with nowhere to land; they are
// discarded with a diagnostic, never appended as fresh entries.
func (c *Conversation) handleAgentPartial(m *message.Message) {
	if m.ID == "" {
		log.Printf("conversation: dropping agent_partial without id")
		return
	}
	c.mu.Lock()
	c.mergeLocked(m)
	c.streaming = true
	c.mu.Unlock()
}

// handleAgentFinal supersedes the partial with the same id and clears the
// streaming flag.
func (c *Conversation) handleAgentFinal(m *message.Message) {
	if m.ID == "" {
		log.Printf("conversation: dropping agent_final without id")
		return
	}
	c.mu.Lock()
	c.mergeLocked(m)
	c.streaming = false
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink(m, "assistant")
	}
}

// handleUpdateInProgress opens an edit cycle.
func (c *Conversation) handleUpdateInProgress(m *message.Message) {
	c.mu.Lock()
	c.updating = true
	c.insertLocked(m)
	c.mu.Unlock()
}

// handleUpdateFile records per-file working state, merged by id.
func (c *Conversation) handleUpdateFile(m *message.Message) {
	if m.ID == "" {
		log.Printf("conversation: dropping update_file without id")
		return
	}
	c.mu.Lock()
	c.mergeLocked(m)
	c.mu.Unlock()
}

// handleUpdateCompleted closes the edit cycle: the accumulated update_file
// and update_in_progress entries are working-state noise, not conversation
// history, so they are pruned and replaced by the single completion entry.
// The preview surface reloads only at this transition, never mid-cycle.
func (c *Conversation) handleUpdateCompleted(m *message.Message) {
	c.mu.Lock()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.Type == message.TypeUpdateFile || e.Type == message.TypeUpdateInProgress {
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	c.insertLocked(m)
	c.reindexLocked()
	c.updating = false
	previewURL := c.previewURL
	reload := c.onPreviewReload
	c.mu.Unlock()

	if reload != nil {
		reload(previewURL)
	}
}

// handleError always appends: errors are not idempotent-safe to collapse,
// so they are never merged or deduped by id.
func (c *Conversation) handleError(m *message.Message) {
	c.mu.Lock()
	c.insertLocked(m)
	c.mu.Unlock()
}
