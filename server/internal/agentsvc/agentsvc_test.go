package agentsvc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/agentsession"
	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/dbtest"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/repository"
)

// connectAgent opens a real WebSocket connection over an httptest server and
// registers the server side with h under agentID, mirroring how the hub
// package's own tests drive Register without a real agent binary.
func connectAgent(t *testing.T, h *hub.Hub, agentID string, approved bool) *websocket.Conn {
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
	return clientConn
}

func TestEnrollOrLookupCreatesPendingAgentOnFirstHello(t *testing.T) {
	gdb := dbtest.New(t)
	agents := repository.NewAgentRepository(gdb)
	h := hub.New(hub.DefaultMaxInflight, nil, zap.NewNop())
	svc := New(agents, h, zap.NewNop())

	id := uuid.Must(uuid.NewV7())
	agent, err := svc.EnrollOrLookup(context.Background(), id.String(), "docker", []string{"scan", "backup"}, "claimed-token")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if agent.ID != id {
		t.Fatalf("expected agent to keep the self-asserted id %s, got %s", id, agent.ID)
	}
	if agent.Status != "pending" {
		t.Fatalf("expected pending status, got %s", agent.Status)
	}
	if string(agent.Token) != "claimed-token" {
		t.Fatalf("expected claimed token to be stored verbatim, got %q", agent.Token)
	}
}

func TestEnrollOrLookupReturnsExistingAgentOnReconnect(t *testing.T) {
	gdb := dbtest.New(t)
	agents := repository.NewAgentRepository(gdb)
	h := hub.New(hub.DefaultMaxInflight, nil, zap.NewNop())
	svc := New(agents, h, zap.NewNop())

	id := uuid.Must(uuid.NewV7())
	first, err := svc.EnrollOrLookup(context.Background(), id.String(), "docker", nil, "tok-1")
	if err != nil {
		t.Fatalf("first enroll: %v", err)
	}

	second, err := svc.EnrollOrLookup(context.Background(), id.String(), "docker", nil, "tok-2")
	if err != nil {
		t.Fatalf("second enroll: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the same agent row on reconnect, got %s vs %s", second.ID, first.ID)
	}
	if string(second.Token) != "tok-1" {
		t.Fatalf("a reconnect must not overwrite the token on file, got %q", second.Token)
	}
}

func TestVerifyChallengeAcceptsCorrectHMACAndRejectsWrongOne(t *testing.T) {
	agent := &db.Agent{Token: db.EncryptedString("super-secret-token")}
	const nonce = "abc123"

	mac := computeTestHMAC(t, "super-secret-token", nonce)
	if !VerifyChallenge(agent, nonce, mac) {
		t.Fatalf("expected a correctly computed HMAC to verify")
	}
	if VerifyChallenge(agent, nonce, "not-the-right-hmac") {
		t.Fatalf("expected a bogus HMAC to fail verification")
	}
	if VerifyChallenge(agent, "different-nonce", mac) {
		t.Fatalf("expected the same HMAC to fail against a different nonce")
	}
}

func TestApproveRotatesTokenAndBindsCustomer(t *testing.T) {
	gdb := dbtest.New(t)
	agents := repository.NewAgentRepository(gdb)
	h := hub.New(hub.DefaultMaxInflight, nil, zap.NewNop())
	svc := New(agents, h, zap.NewNop())

	pending, err := svc.EnrollOrLookup(context.Background(), uuid.Must(uuid.NewV7()).String(), "docker", nil, "initial-token")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	customerID := uuid.Must(uuid.NewV7())
	approved, err := svc.Approve(context.Background(), pending.ID, customerID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != "approved" {
		t.Fatalf("expected approved status, got %s", approved.Status)
	}
	if approved.CustomerID == nil || *approved.CustomerID != customerID {
		t.Fatalf("expected customer id to be bound, got %v", approved.CustomerID)
	}
	if string(approved.Token) == "initial-token" {
		t.Fatalf("expected approval to rotate the token, got the original one unchanged")
	}

	// Approving an already-approved agent must fail.
	if _, err := svc.Approve(context.Background(), pending.ID, customerID); err != ErrNotPending {
		t.Fatalf("expected ErrNotPending on a second approval, got %v", err)
	}
}

func TestRejectDeletesAgent(t *testing.T) {
	gdb := dbtest.New(t)
	agents := repository.NewAgentRepository(gdb)
	h := hub.New(hub.DefaultMaxInflight, nil, zap.NewNop())
	svc := New(agents, h, zap.NewNop())

	pending, err := svc.EnrollOrLookup(context.Background(), uuid.Must(uuid.NewV7()).String(), "docker", nil, "tok")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	if err := svc.Reject(context.Background(), pending.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := agents.GetByID(context.Background(), pending.ID); err != repository.ErrNotFound {
		t.Fatalf("expected the agent row to be gone after reject, got %v", err)
	}
}

func TestHasReconnectedSinceApproval(t *testing.T) {
	cases := []struct {
		name                 string
		genAtApproval        uint64
		hadSessionAtApproval bool
		curGen               uint64
		curOK                bool
		want                 bool
	}{
		{"no session at all now", 3, true, 0, false, false},
		{"no session at approval, one now", 0, false, 0, true, true},
		{"same session still up, generation unchanged", 2, true, 2, true, false},
		{"session re-registered, generation advanced", 2, true, 3, true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := hasReconnectedSinceApproval(c.genAtApproval, c.hadSessionAtApproval, c.curGen, c.curOK)
			if got != c.want {
				t.Fatalf("hasReconnectedSinceApproval(%d, %v, %d, %v) = %v, want %v",
					c.genAtApproval, c.hadSessionAtApproval, c.curGen, c.curOK, got, c.want)
			}
		})
	}
}

// TestApproveForcesAgentOfflineIfNotReconnectedWithinRotationGrace exercises
// the real timer end to end: approve with no live session at all, shrink the
// grace window so the test doesn't wait out the real 60s, and confirm the
// agent is forced offline once it elapses without a reconnect.
func TestApproveForcesAgentOfflineIfNotReconnectedWithinRotationGrace(t *testing.T) {
	gdb := dbtest.New(t)
	agents := repository.NewAgentRepository(gdb)
	h := hub.New(hub.DefaultMaxInflight, nil, zap.NewNop())
	svc := New(agents, h, zap.NewNop())
	svc.rotationGrace = 30 * time.Millisecond

	pending, err := svc.EnrollOrLookup(context.Background(), uuid.Must(uuid.NewV7()).String(), "docker", nil, "initial-token")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	if _, err := svc.Approve(context.Background(), pending.ID, uuid.Must(uuid.NewV7())); err != nil {
		t.Fatalf("approve: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, err := agents.GetByID(context.Background(), pending.ID)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if agent.Status == "offline" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected agent to be forced offline after rotation grace elapsed, status is %q", agent.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestApproveDoesNotForceOfflineIfAgentReconnectsWithinRotationGrace proves
// the other side of the same logic: a session that re-registers before the
// grace window elapses must not be closed or marked offline.
func TestApproveDoesNotForceOfflineIfAgentReconnectsWithinRotationGrace(t *testing.T) {
	gdb := dbtest.New(t)
	agents := repository.NewAgentRepository(gdb)
	h := hub.New(hub.DefaultMaxInflight, nil, zap.NewNop())
	svc := New(agents, h, zap.NewNop())
	svc.rotationGrace = 200 * time.Millisecond

	agentID := uuid.Must(uuid.NewV7())
	pending, err := svc.EnrollOrLookup(context.Background(), agentID.String(), "docker", nil, "initial-token")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}

	if _, err := svc.Approve(context.Background(), pending.ID, uuid.Must(uuid.NewV7())); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// Simulate the agent reconnecting with its rotated token before the grace
	// window expires: a fresh Register bumps the hub's generation counter.
	conn := connectAgent(t, h, agentID.String(), true)
	defer conn.Close()

	time.Sleep(400 * time.Millisecond)

	agent, err := agents.GetByID(context.Background(), pending.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != "approved" {
		t.Fatalf("expected agent to remain approved after reconnecting within grace, got %q", agent.Status)
	}
	if !h.IsOnline(agentID.String()) {
		t.Fatalf("expected the reconnected session to still be registered")
	}
}

func computeTestHMAC(t *testing.T, token, nonce string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}
