package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/agentsession"
	"github.com/netwatch-io/netwatch/server/internal/agentsvc"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

const helloTimeout = 10 * time.Second

var agentUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AgentWSHandler upgrades GET /api/v1/agents/ws/{agent_id} and drives the
// hello/auth handshake (C2) before handing the session to the Hub.
type AgentWSHandler struct {
	agents            repository.AgentRepository
	svc               *agentsvc.Service
	hub               *hub.Hub
	heartbeatInterval time.Duration
	logger            *zap.Logger
}

// NewAgentWSHandler creates an AgentWSHandler.
func NewAgentWSHandler(agents repository.AgentRepository, svc *agentsvc.Service, h *hub.Hub, heartbeatInterval time.Duration, logger *zap.Logger) *AgentWSHandler {
	return &AgentWSHandler{
		agents:            agents,
		svc:               svc,
		hub:               h,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.Named("agent_ws"),
	}
}

// ServeWS handles the upgrade and handshake, then blocks for the life of the
// session.
func (h *AgentWSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	claimedID := chi.URLParam(r, "agent_id")

	conn, err := agentUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent ws upgrade failed", zap.Error(err))
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		conn.Close()
		return
	}

	var helloEnv types.Envelope
	if err := conn.ReadJSON(&helloEnv); err != nil || helloEnv.Type != types.MsgHello {
		h.closeWith(conn, agentsession.CloseHandshakeTimeout, "hello not received")
		return
	}

	var hello types.HelloPayload
	if err := helloEnv.Decode(&hello); err != nil || hello.AgentID == "" {
		h.closeWith(conn, agentsession.CloseHandshakeTimeout, "malformed hello")
		return
	}
	if hello.AgentID != claimedID {
		h.closeWith(conn, agentsession.CloseAuthFailed, "agent_id mismatch")
		return
	}

	ctx := r.Context()
	agentUUID, err := uuid.Parse(claimedID)
	if err != nil {
		h.closeWith(conn, agentsession.CloseAuthFailed, "malformed agent_id")
		return
	}
	agent, err := h.agents.GetByID(ctx, agentUUID)
	unrecognized := err != nil

	nonce, err := randomNonce()
	if err != nil {
		h.closeWith(conn, agentsession.CloseAuthFailed, "internal error")
		return
	}
	challenge, _ := types.NewEnvelope(types.MsgAuth, "srv-auth", helloEnv.ID, types.AuthChallengePayload{Nonce: nonce})
	if err := conn.WriteJSON(challenge); err != nil {
		conn.Close()
		return
	}

	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		conn.Close()
		return
	}
	var authEnv types.Envelope
	if err := conn.ReadJSON(&authEnv); err != nil || authEnv.Type != types.MsgAuth {
		h.closeWith(conn, agentsession.CloseAuthFailed, "auth frame not received")
		return
	}
	var authResp types.AuthResponsePayload
	_ = authEnv.Decode(&authResp)

	if unrecognized {
		if authResp.Token == "" {
			h.rejectAuth(conn, authEnv.ID)
			h.closeWith(conn, agentsession.CloseAuthFailed, "unknown agent requires bootstrap token")
			return
		}
		agent, err = h.svc.EnrollOrLookup(ctx, claimedID, hello.Kind, hello.Capabilities, authResp.Token)
		if err != nil {
			h.closeWith(conn, agentsession.CloseAuthFailed, "enrollment failed")
			return
		}
	} else if !agentsvc.VerifyChallenge(agent, nonce, authResp.HMAC) {
		h.rejectAuth(conn, authEnv.ID)
		h.closeWith(conn, agentsession.CloseAuthFailed, "invalid token")
		return
	}

	okEnv, _ := types.NewEnvelope(types.MsgAuthOK, "srv-auth-ok", authEnv.ID, nil)
	if err := conn.WriteJSON(okEnv); err != nil {
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	session := agentsession.New(agent.ID.String(), conn, h.hub, h.heartbeatInterval, h.logger)
	h.hub.Register(session, agent.Status == "approved" || agent.Status == "online")

	now := time.Now().UTC()
	_ = h.agents.UpdateStatus(ctx, agent.ID, onlineStatus(agent.Status), now)

	session.Run(context.Background())
}

func onlineStatus(current string) string {
	if current == "pending" {
		return "pending"
	}
	return "online"
}

func (h *AgentWSHandler) rejectAuth(conn *websocket.Conn, correlationID string) {
	errEnv, _ := types.NewEnvelope(types.MsgAuthErr, "srv-auth-err", correlationID, types.AuthErrPayload{Reason: "invalid token"})
	_ = conn.WriteJSON(errEnv)
}

func (h *AgentWSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	conn.Close()
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
