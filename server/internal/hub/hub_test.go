package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/agentsession"
	"github.com/netwatch-io/netwatch/shared/types"
)

// testAgent drives the agent side of a real WebSocket connection: it echoes
// a successful rpc.response for every rpc.request it receives, after an
// optional artificial delay, so Hub.Call/inflight/cancel tests exercise a
// real socket instead of a mocked transport.
type testAgent struct {
	conn      *websocket.Conn
	replyWith func(req json.RawMessage) (any, bool) // bool: emit a response at all
	delay     time.Duration
	seen      atomic.Int32
}

func runTestAgent(t *testing.T, conn *websocket.Conn, delay time.Duration) *testAgent {
	a := &testAgent{conn: conn, delay: delay}
	go a.loop()
	return a
}

func (a *testAgent) loop() {
	for {
		var env types.Envelope
		if err := a.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case types.MsgPing:
			pong, _ := types.NewEnvelope(types.MsgPong, "agent-"+env.ID, env.ID, nil)
			_ = a.conn.WriteJSON(pong)
		case types.MsgRPCRequest:
			a.seen.Add(1)
			if a.delay > 0 {
				time.Sleep(a.delay)
			}
			resp, _ := types.NewEnvelope(types.MsgRPCResponse, "agent-resp-"+env.ID, env.ID, map[string]string{"ok": "true"})
			_ = a.conn.WriteJSON(resp)
		case types.MsgRPCCancel:
			// no-op: the server already resolved the waiter locally.
		}
	}
}

// newSessionPair opens a real WebSocket connection over an httptest server
// and wraps the server side in an agentsession.Session registered with hub.
// The returned agent drives the client side.
func newSessionPair(t *testing.T, h *Hub, agentID string, approved bool) (*agentsession.Session, *testAgent) {
	t.Helper()

	sessionCh := make(chan *agentsession.Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := agentsession.New(agentID, conn, h, time.Hour, zap.NewNop())
		sessionCh <- s
		s.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	session := <-sessionCh
	h.Register(session, approved)

	agent := runTestAgent(t, clientConn, 0)
	return session, agent
}

func TestHubCallRoundTrip(t *testing.T) {
	h := New(DefaultMaxInflight, nil, zap.NewNop())
	_, _ = newSessionPair(t, h, "agent-1", true)

	raw, err := h.Call(context.Background(), "agent-1", types.MethodAgentTest, types.TestRequest{DeviceAddress: "10.0.0.1"}, time.Second, nil, nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var resp map[string]string
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["ok"] != "true" {
		t.Fatalf("unexpected response payload: %v", resp)
	}
}

func TestHubCallToOfflineAgentFails(t *testing.T) {
	h := New(DefaultMaxInflight, nil, zap.NewNop())
	_, err := h.Call(context.Background(), "agent-ghost", types.MethodAgentTest, nil, time.Second, nil, nil)
	if err != ErrAgentOffline {
		t.Fatalf("expected ErrAgentOffline, got %v", err)
	}
}

func TestHubCallToPendingAgentFailsNotApproved(t *testing.T) {
	h := New(DefaultMaxInflight, nil, zap.NewNop())
	_, _ = newSessionPair(t, h, "agent-pending", false)

	_, err := h.Call(context.Background(), "agent-pending", types.MethodAgentTest, nil, time.Second, nil, nil)
	if err != ErrAgentNotApproved {
		t.Fatalf("expected ErrAgentNotApproved, got %v", err)
	}
}

func TestHubCallTimesOutAndResolves(t *testing.T) {
	h := New(DefaultMaxInflight, nil, zap.NewNop())
	sessionCh := make(chan *agentsession.Session, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := agentsession.New("agent-slow", conn, h, time.Hour, zap.NewNop())
		sessionCh <- s
		s.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	session := <-sessionCh
	h.Register(session, true)
	// Agent that never replies to rpc.request at all — the server must
	// time out rather than hang.
	go func() {
		for {
			var env types.Envelope
			if err := clientConn.ReadJSON(&env); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	_, err = h.Call(context.Background(), "agent-slow", types.MethodAgentTest, nil, 50*time.Millisecond, nil, nil)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("call took too long to time out: %v", elapsed)
	}
}

func TestRegisterReplacesOlderSession(t *testing.T) {
	h := New(DefaultMaxInflight, nil, zap.NewNop())
	s1, _ := newSessionPair(t, h, "agent-dup", true)
	s2, _ := newSessionPair(t, h, "agent-dup", true)

	if s1 == s2 {
		t.Fatalf("expected two distinct sessions")
	}

	deadline := time.Now().Add(time.Second)
	for s1.State() != agentsession.StateClosed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s1.State() != agentsession.StateClosed {
		t.Fatalf("expected the older session to be closed after replacement")
	}
	if !h.IsOnline("agent-dup") {
		t.Fatalf("expected the newer session to remain registered online")
	}
}

func TestUnregisterOnlyRemovesMatchingSession(t *testing.T) {
	h := New(DefaultMaxInflight, nil, zap.NewNop())
	s1, _ := newSessionPair(t, h, "agent-race", true)
	s2, _ := newSessionPair(t, h, "agent-race", true)
	_ = s2

	// s1 was replaced by s2 already; unregistering s1 (a stale identity)
	// must not remove s2's registration.
	h.Unregister(s1)
	if !h.IsOnline("agent-race") {
		t.Fatalf("expected agent-race to remain online after the stale session unregistered")
	}
}

func TestPerAgentInflightCapBounds(t *testing.T) {
	h := New(2, nil, zap.NewNop())
	sessionCh := make(chan *agentsession.Session, 1)
	var inFlight atomic.Int32
	var maxSeen atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := agentsession.New("agent-capped", conn, h, time.Hour, zap.NewNop())
		sessionCh <- s
		s.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	session := <-sessionCh
	h.Register(session, true)

	go func() {
		for {
			var env types.Envelope
			if err := clientConn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type != types.MsgRPCRequest {
				continue
			}
			cur := inFlight.Add(1)
			for {
				old := maxSeen.Load()
				if cur <= old || maxSeen.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(40 * time.Millisecond)
			inFlight.Add(-1)
			resp, _ := types.NewEnvelope(types.MsgRPCResponse, "r-"+env.ID, env.ID, map[string]string{"ok": "true"})
			_ = clientConn.WriteJSON(resp)
		}
	}()

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := h.Call(context.Background(), "agent-capped", types.MethodAgentTest, nil, 2*time.Second, nil, nil)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if maxSeen.Load() > 2 {
		t.Fatalf("expected at most 2 in-flight RPCs, observed %d", maxSeen.Load())
	}
}
