// Package agentsvc implements agent registry and lifecycle (C4): enrollment
// on first hello, operator approval with token rotation, and the nonce/HMAC
// challenge-response used to authenticate each new session.
package agentsvc

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/cryptoutil"
	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// TokenSize is the length in bytes of a raw enrollment token before hex
// encoding.
const TokenSize = 32

// RotationGrace is how long an agent has to reconnect with its freshly
// rotated token before it is forced offline.
const RotationGrace = 60 * time.Second

var (
	ErrNotPending  = errors.New("agentsvc: agent is not pending")
	ErrAuthFailed  = errors.New("agentsvc: auth failed")
	ErrNotApproved = errors.New("agentsvc: agent not approved")
)

// Service implements agent enrollment, approval, and session authentication.
type Service struct {
	agents repository.AgentRepository
	hub    *hub.Hub
	logger *zap.Logger

	// rotationGrace is RotationGrace by default; tests shrink it so the
	// enforcement timer doesn't have to wait out the real 60s window.
	rotationGrace time.Duration
}

// New creates a Service.
func New(agents repository.AgentRepository, h *hub.Hub, logger *zap.Logger) *Service {
	return &Service{agents: agents, hub: h, logger: logger.Named("agentsvc"), rotationGrace: RotationGrace}
}

// GenerateToken returns a cryptographically random, hex-encoded token.
func GenerateToken() (string, error) {
	tok, err := cryptoutil.RandomToken(TokenSize)
	if err != nil {
		return "", fmt.Errorf("agentsvc: generating token: %w", err)
	}
	return tok, nil
}

// EnrollOrLookup resolves the agent row for a hello claim. A known agentID
// returns its existing row unchanged. An unknown agentID gets a new pending
// row storing claimedToken, the token the agent itself asserted in its
// handshake; no token is minted here. That claimed token is what later
// challenges are checked against until Approve rotates it.
func (s *Service) EnrollOrLookup(ctx context.Context, agentID, kind string, capabilities []string, claimedToken string) (*db.Agent, error) {
	id, err := uuid.Parse(agentID)
	if err == nil {
		if agent, lookupErr := s.agents.GetByID(ctx, id); lookupErr == nil {
			return agent, nil
		}
	}

	agent := &db.Agent{
		Kind:         kind,
		Token:        db.EncryptedString(claimedToken),
		Status:       "pending",
		Capabilities: marshalCapabilities(capabilities),
	}
	if err == nil {
		// agentID parsed as a UUID: the agent is asserting its own identity
		// (self-generated on first run) rather than waiting for the server
		// to mint one, so the row keeps that id instead of a fresh v7.
		agent.ID = id
	}
	if err := s.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("agentsvc: create pending agent: %w", err)
	}
	s.logger.Info("agent enrolled pending", zap.String("agent_id", agent.ID.String()))
	return agent, nil
}

// VerifyChallenge checks the agent's HMAC(token, nonce) against the token on
// file for agent.
func VerifyChallenge(agent *db.Agent, nonce, claimedHMAC string) bool {
	mac := hmac.New(sha256.New, []byte(agent.Token))
	mac.Write([]byte(nonce))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(claimedHMAC))
}

// Approve moves an agent from pending to approved, binds it to customerID,
// rotates its token, and pushes the new token to the live session (if any)
// via a config event. It then arms a RotationGrace timer: if the session
// serving agentID hasn't re-registered with the hub (i.e. reconnected and
// re-authenticated with the rotated token) by the deadline, the agent is
// forced offline.
func (s *Service) Approve(ctx context.Context, agentID uuid.UUID, customerID uuid.UUID) (*db.Agent, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != "pending" {
		return nil, ErrNotPending
	}

	newToken, err := GenerateToken()
	if err != nil {
		return nil, err
	}

	agent.Status = "approved"
	agent.CustomerID = &customerID
	agent.Token = db.EncryptedString(newToken)
	if err := s.agents.Update(ctx, agent); err != nil {
		return nil, fmt.Errorf("agentsvc: approve update: %w", err)
	}

	s.hub.SetApproved(agent.ID.String(), true)
	if err := s.hub.PushConfig(agent.ID.String(), types.ConfigPayload{
		TokenRotation: &types.TokenRotation{NewToken: newToken},
	}); err != nil {
		s.logger.Warn("failed to push token rotation, agent must reconnect with old token and will be rejected",
			zap.String("agent_id", agent.ID.String()), zap.Error(err))
	}

	genAtApproval, hadSession := s.hub.Generation(agent.ID.String())
	time.AfterFunc(s.rotationGrace, func() {
		s.enforceRotationGrace(agent.ID, genAtApproval, hadSession)
	})

	s.logger.Info("agent approved", zap.String("agent_id", agent.ID.String()), zap.String("customer_id", customerID.String()))
	return agent, nil
}

// enforceRotationGrace runs once, RotationGrace after Approve, and forces the
// agent offline unless it has registered a fresh session with the hub since
// approval. A generation bump is how a genuinely rotated reconnect is told
// apart from the same pre-rotation session simply still being up: Register
// bumps the hub's per-agent generation counter every time it runs, including
// for the pre-rotation session's own reconnects, so any generation beyond
// genAtApproval (or a session appearing where none existed before) means the
// agent re-authenticated at least once since the token was rotated.
func (s *Service) enforceRotationGrace(agentID uuid.UUID, genAtApproval uint64, hadSessionAtApproval bool) {
	curGen, curOK := s.hub.Generation(agentID.String())
	if hasReconnectedSinceApproval(genAtApproval, hadSessionAtApproval, curGen, curOK) {
		return
	}

	s.logger.Warn("agent did not reconnect with rotated token within rotation grace, forcing offline",
		zap.String("agent_id", agentID.String()))
	s.hub.CloseSession(agentID.String(), websocket.ClosePolicyViolation, "rotation_grace_expired")
	if err := s.agents.UpdateStatus(context.Background(), agentID, "offline", time.Now().UTC()); err != nil {
		s.logger.Warn("failed to persist forced-offline status after rotation grace expiry",
			zap.String("agent_id", agentID.String()), zap.Error(err))
	}
}

// hasReconnectedSinceApproval reports whether the hub's current session state
// for an agent reflects at least one registration after approval. curOK false
// means no session is registered at all, which is never a reconnect. Absent
// that, a session appearing where none existed at approval, or the
// generation counter advancing past what it was at approval, both mean the
// agent re-registered (and therefore re-authenticated with the rotated
// token) since Approve ran.
func hasReconnectedSinceApproval(genAtApproval uint64, hadSessionAtApproval bool, curGen uint64, curOK bool) bool {
	if !curOK {
		return false
	}
	if !hadSessionAtApproval {
		return true
	}
	return curGen != genAtApproval
}

// Reject deletes an agent row and, if it has a live session, closes it so it
// does not linger connected after being removed from the registry.
func (s *Service) Reject(ctx context.Context, agentID uuid.UUID) error {
	if err := s.agents.Delete(ctx, agentID); err != nil {
		return err
	}
	s.hub.CloseSession(agentID.String(), websocket.ClosePolicyViolation, "agent rejected")
	return nil
}

func marshalCapabilities(caps []string) string {
	if len(caps) == 0 {
		return "[]"
	}
	out := "["
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += `"` + c + `"`
	}
	return out + "]"
}
