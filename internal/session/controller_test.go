package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/app-builder/realtime/internal/message"
	"github.com/app-builder/realtime/internal/model"
	"github.com/app-builder/realtime/internal/transport"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newAgentServer(t *testing.T, upgrades *atomic.Int32, inbound chan *message.Message) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if upgrades != nil {
			upgrades.Add(1)
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if inbound == nil {
				continue
			}
			if m, err := message.Decode(raw); err == nil {
				select {
				case inbound <- m:
				default:
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testControllerConfig(srv *httptest.Server) transport.Config {
	cfg := transport.DefaultConfig()
	cfg.Endpoint = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Token = "secret"
	cfg.SessionID = "sess-ctrl"
	cfg.DialTimeout = 2 * time.Second
	cfg.MaxReconnectAttempts = 1
	cfg.ReconnectBase = 5 * time.Millisecond
	return cfg
}

func TestConnectIsIdempotent(t *testing.T) {
	var upgrades atomic.Int32
	srv := newAgentServer(t, &upgrades, nil)

	ctrl := NewController(testControllerConfig(srv))
	defer ctrl.Disconnect()

	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("repeated connect must be a no-op, got %v", err)
	}

	state, _ := ctrl.State()
	if state != StateConnected {
		t.Errorf("expected connected state, got %s", state)
	}
	if n := upgrades.Load(); n != 1 {
		t.Errorf("expected a single socket, got %d", n)
	}
}

func TestOverlappingConnectsOpenOneSocket(t *testing.T) {
	var upgrades atomic.Int32
	srv := newAgentServer(t, &upgrades, nil)

	ctrl := NewController(testControllerConfig(srv))
	defer ctrl.Disconnect()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctrl.Connect(context.Background())
		}()
	}
	wg.Wait()

	// Let any stray dial land before counting.
	time.Sleep(100 * time.Millisecond)
	if n := upgrades.Load(); n != 1 {
		t.Errorf("overlapping connects must open exactly one socket, got %d", n)
	}
}

func TestSendStampsSessionID(t *testing.T) {
	inbound := make(chan *message.Message, 8)
	srv := newAgentServer(t, nil, inbound)

	ctrl := NewController(testControllerConfig(srv))
	defer ctrl.Disconnect()
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := ctrl.Send(message.TypeUser, map[string]any{"text": "make it blue"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-inbound:
			if m.Type != message.TypeUser {
				continue // skip the handshake init
			}
			if m.SessionID != "sess-ctrl" {
				t.Errorf("expected session id stamped, got %q", m.SessionID)
			}
			if m.Text() != "make it blue" {
				t.Errorf("payload mismatch: %q", m.Text())
			}
			return
		case <-deadline:
			t.Fatal("server never received the user message")
		}
	}
}

func TestSendWhileDisconnectedIsObservable(t *testing.T) {
	cfg := transport.DefaultConfig()
	cfg.Endpoint = "ws://localhost:1/ws"
	ctrl := NewController(cfg)

	errs := make(chan *message.Message, 1)
	ctrl.Bus().SetOnError(func(m *message.Message) {
		errs <- m
	})

	err := ctrl.Send(message.TypeUser, map[string]any{"text": "hi"})
	if !errors.Is(err, model.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	select {
	case m := <-errs:
		if m.ErrorText() == "" {
			t.Error("expected a reason on the error observation")
		}
	case <-time.After(time.Second):
		t.Fatal("usage error never reached the error channel")
	}
}

func TestDisconnectResetsState(t *testing.T) {
	srv := newAgentServer(t, nil, nil)

	ctrl := NewController(testControllerConfig(srv))
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctrl.Disconnect()

	state, _ := ctrl.State()
	if state != StateIdle {
		t.Errorf("expected idle after disconnect, got %s", state)
	}
	if ctrl.Bus().Connected() {
		t.Error("expected dispatcher connected flag cleared")
	}

	// Disconnect must be safe to repeat in any state.
	ctrl.Disconnect()
}

func TestUpdateConfigReconnects(t *testing.T) {
	var upgradesA, upgradesB atomic.Int32
	srvA := newAgentServer(t, &upgradesA, nil)
	srvB := newAgentServer(t, &upgradesB, nil)

	ctrl := NewController(testControllerConfig(srvA))
	defer ctrl.Disconnect()
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctrl.UpdateConfig("ws"+strings.TrimPrefix(srvB.URL, "http"), "rotated")

	deadline := time.Now().Add(2 * time.Second)
	for upgradesB.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("controller never reconnected to the new endpoint")
		}
		time.Sleep(10 * time.Millisecond)
	}

	state, _ := ctrl.State()
	if state != StateConnected {
		t.Errorf("expected connected to the rotated endpoint, got %s", state)
	}
}

func TestUpdateConfigNoopWhenUnchanged(t *testing.T) {
	var upgrades atomic.Int32
	srv := newAgentServer(t, &upgrades, nil)

	cfg := testControllerConfig(srv)
	ctrl := NewController(cfg)
	defer ctrl.Disconnect()
	if err := ctrl.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ctrl.UpdateConfig(cfg.Endpoint, cfg.Token)

	time.Sleep(50 * time.Millisecond)
	if n := upgrades.Load(); n != 1 {
		t.Errorf("unchanged parameters must not reconnect, got %d sockets", n)
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateIdle:         "idle",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateDisconnected: "disconnected",
		State(42):         "unknown",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}
