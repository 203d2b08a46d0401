// Package relay implements the auth-injecting WebSocket intermediary.
//
// The client-accessible leg cannot set custom headers, so the client carries
// its credential as the auth_token query parameter. The relay upgrades that
// to an Authorization bearer header on the upstream leg and otherwise copies
// frames byte-for-byte in both directions. It has no retry of its own:
// reconnecting is entirely the client transport's responsibility.
package relay

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Relay proxies WebSocket sessions to the upstream agent.
type Relay struct {
	// UpstreamBase is the agent WebSocket base URL, e.g. "ws://agent:8000/ws".
	upstreamBase string

	// token is a fallback credential used when the client supplies none.
	token string

	mu     sync.RWMutex
	active map[string]int
}

// New creates a relay targeting the given upstream base URL.
func New(upstreamBase, token string) *Relay {
	return &Relay{
		upstreamBase: upstreamBase,
		token:        token,
		active:       make(map[string]int),
	}
}

// ActiveConnections returns the number of live relayed connections for a session.
func (r *Relay) ActiveConnections(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[sessionID]
}

func (r *Relay) track(sessionID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[sessionID] += delta
	if r.active[sessionID] <= 0 {
		delete(r.active, sessionID)
	}
}

// upstreamURL builds the upstream endpoint for a session, dropping the
// auth_token parameter that the header replaces.
func (r *Relay) upstreamURL(sessionID string, query url.Values) (string, error) {
	u, err := url.Parse(r.upstreamBase)
	if err != nil {
		return "", fmt.Errorf("invalid upstream URL: %w", err)
	}
	u = u.JoinPath(sessionID)

	q := u.Query()
	for key, values := range query {
		if key == "auth_token" {
			continue
		}
		for _, v := range values {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HandleConnection relays one client connection for a session: upgrade the
// downstream side, dial upstream with the bearer header injected, then copy
// frames both ways until either side closes.
func (r *Relay) HandleConnection(w http.ResponseWriter, req *http.Request, sessionID string) error {
	token := req.URL.Query().Get("auth_token")
	if token == "" {
		token = r.token
	}

	target, err := r.upstreamURL(sessionID, req.URL.Query())
	if err != nil {
		http.Error(w, "Bad upstream configuration", http.StatusInternalServerError)
		return err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	upstream, _, err := dialer.Dial(target, header)
	if err != nil {
		http.Error(w, "Upstream unavailable", http.StatusBadGateway)
		return fmt.Errorf("failed to dial upstream: %w", err)
	}

	downstream, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		upstream.Close()
		return err
	}

	r.track(sessionID, 1)
	log.Printf("relay: session %s connected", sessionID)

	done := make(chan struct{}, 2)
	go r.pump(downstream, upstream, done) // client -> agent
	go r.pump(upstream, downstream, done) // agent -> client

	go func() {
		<-done
		// Either side closed or errored; tear down both with no retry.
		upstream.Close()
		downstream.Close()
		<-done
		r.track(sessionID, -1)
		log.Printf("relay: session %s disconnected", sessionID)
	}()

	return nil
}

// pump copies frames from src to dst until src closes, propagating the close
// code and reason so the far side observes the same termination.
func (r *Relay) pump(src, dst *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			dst.SetWriteDeadline(time.Now().Add(writeWait))
			if closeErr, ok := err.(*websocket.CloseError); ok {
				dst.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeErr.Code, closeErr.Text))
			} else {
				dst.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseAbnormalClosure, ""))
			}
			return
		}

		dst.SetWriteDeadline(time.Now().Add(writeWait))
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

// SetCheckOrigin sets a custom origin checker for the WebSocket upgrader.
func SetCheckOrigin(fn func(r *http.Request) bool) {
	upgrader.CheckOrigin = fn
}
