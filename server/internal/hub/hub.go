// Package hub implements the Hub (C3): the process-wide registry of live
// agent sessions and the synchronous/streaming RPC layer operators and the
// job engine use to talk to agents without knowing about WebSocket framing.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/agentsession"
	"github.com/netwatch-io/netwatch/server/internal/metrics"
	"github.com/netwatch-io/netwatch/shared/types"
)

const (
	// DefaultTimeout is the RPC deadline used when the caller does not
	// specify one.
	DefaultTimeout = 60 * time.Second
	// MaxTimeout is the hard ceiling any caller may request, for long scans
	// and backups.
	MaxTimeout = 15 * time.Minute

	// DefaultMaxInflight bounds concurrent in-flight RPCs per agent so an
	// operator storm cannot starve that agent's heartbeat processing.
	DefaultMaxInflight = 8
)

// ErrAgentOffline is returned when no live session is registered for the
// requested agent id.
var ErrAgentOffline = errors.New("hub: agent offline")

// ErrAgentNotApproved is returned when an RPC is attempted against a session
// that has not yet been approved by an operator.
var ErrAgentNotApproved = errors.New("hub: agent not approved")

// StatusFunc is invoked whenever a session registers or is removed, so the
// caller (agentsvc) can persist agent.status/last_seen_at without the Hub
// depending on the repository layer directly.
type StatusFunc func(agentID string, online bool)

// ArtifactFunc receives artifact-chunk bytes for an in-flight backup RPC.
// Installed per-call by Call when the caller expects a binary artifact.
type ArtifactFunc func(seq int, eof bool, data []byte)

// waiter is the one-shot (or progress-then-one-shot) receiver for a single
// outstanding RPC.
type waiter struct {
	progress func(types.Envelope)
	artifact ArtifactFunc
	done     chan result
	once     sync.Once
}

type result struct {
	env types.Envelope
	err error
}

func (w *waiter) resolve(r result) {
	w.once.Do(func() {
		w.done <- r
	})
}

// entry pairs a live session with its approval state and artifact metadata.
// generation comes from a Hub-wide sequence bumped on every Register, so it
// increases every time a session registers for this agent id, even after the
// previous session was unregistered; callers (agentsvc's rotation-grace timer) can tell a fresh reconnect apart
// from the same session simply still being up.
type entry struct {
	session    *agentsession.Session
	approved   bool
	generation uint64
}

// Hub is the registry of live agent sessions. The zero value is not usable;
// construct with New.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	genSeq   uint64 // last generation handed out by Register; guarded by mu

	corrMu sync.Mutex
	corr   map[string]*waiter

	semMu sync.Mutex
	sem   map[string]chan struct{}

	maxInflight int
	statusFn    StatusFunc
	metrics     *metrics.Registry
	logger      *zap.Logger
}

// SetMetrics installs the Prometheus registry whose sessions_online gauge
// tracks Register/Unregister. Optional — a nil registry is a no-op.
func (h *Hub) SetMetrics(m *metrics.Registry) {
	h.metrics = m
}

// New creates an idle Hub.
func New(maxInflight int, statusFn StatusFunc, logger *zap.Logger) *Hub {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	return &Hub{
		sessions:    make(map[string]*entry),
		corr:        make(map[string]*waiter),
		sem:         make(map[string]chan struct{}),
		maxInflight: maxInflight,
		statusFn:    statusFn,
		logger:      logger.Named("hub"),
	}
}

// Register installs session as the live session for its agent id. If an
// older session is already registered it is closed first with code 4004 so a
// restarted agent is never locked out by a stale half-open connection.
func (h *Hub) Register(session *agentsession.Session, approved bool) {
	h.mu.Lock()
	old, exists := h.sessions[session.AgentID]
	h.genSeq++
	h.sessions[session.AgentID] = &entry{session: session, approved: approved, generation: h.genSeq}
	h.mu.Unlock()

	if exists && old.session != session {
		h.drainSessionErrors(old.session.AgentID, types.ErrReplacedByNewerSession)
		old.session.Close(agentsession.CloseReplacedBySession, "replaced_by_newer_session")
	} else if !exists && h.metrics != nil {
		h.metrics.SessionsOnline.Inc()
	}

	if approved && h.statusFn != nil {
		h.statusFn(session.AgentID, true)
	}
}

// SetApproved flips the approval flag for a live session, called by agentsvc
// right after an operator approves a pending agent.
func (h *Hub) SetApproved(agentID string, approved bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.sessions[agentID]; ok {
		e.approved = approved
	}
}

// Unregister removes session only if it is still the registered identity for
// its agent id — this prevents a dying session from unregistering the
// replacement that has already taken its place.
func (h *Hub) Unregister(session *agentsession.Session) {
	h.mu.Lock()
	e, ok := h.sessions[session.AgentID]
	if ok && e.session == session {
		delete(h.sessions, session.AgentID)
	}
	h.mu.Unlock()

	if ok && e.session == session {
		h.drainSessionErrors(session.AgentID, types.ErrTransportClosed)
		if h.metrics != nil {
			h.metrics.SessionsOnline.Dec()
		}
		if h.statusFn != nil {
			h.statusFn(session.AgentID, false)
		}
	}
}

// CloseSession closes the live session for agentID, if any, with the given
// close reason. A no-op when the agent has no live session. Used when an
// operator rejects or deletes an agent so it does not linger connected.
func (h *Hub) CloseSession(agentID string, code int, reason string) {
	h.mu.RLock()
	e, ok := h.sessions[agentID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	e.session.Close(code, reason)
}

// IsOnline reports whether a live, approved session is registered for agentID.
func (h *Hub) IsOnline(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.sessions[agentID]
	return ok && e.approved
}

// Generation returns the current session's generation counter for agentID,
// and whether any session is registered at all. Each Register call for an
// agent id bumps its generation, so comparing a value captured earlier
// against the current one tells a caller whether the agent has reconnected
// since — used by agentsvc to enforce the post-approval rotation grace
// window.
func (h *Hub) Generation(agentID string) (uint64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.sessions[agentID]
	if !ok {
		return 0, false
	}
	return e.generation, true
}

func (h *Hub) lookup(agentID string) (*agentsession.Session, bool, error) {
	h.mu.RLock()
	e, ok := h.sessions[agentID]
	h.mu.RUnlock()
	if !ok {
		return nil, false, ErrAgentOffline
	}
	if !e.approved {
		return e.session, false, ErrAgentNotApproved
	}
	return e.session, true, nil
}

func (h *Hub) acquireSlot(ctx context.Context, agentID string) (func(), error) {
	h.semMu.Lock()
	s, ok := h.sem[agentID]
	if !ok {
		s = make(chan struct{}, h.maxInflight)
		h.sem[agentID] = s
	}
	h.semMu.Unlock()

	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call issues a synchronous RPC to agentID and blocks until the terminal
// rpc.response/rpc.error arrives, ctx is cancelled, or timeout elapses.
// onProgress, if non-nil, is invoked for each rpc.progress frame tied to this
// request before the terminal frame resolves the call. onArtifact, if
// non-nil, receives chunks of a binary artifact stream sharing this
// request's correlation id.
func (h *Hub) Call(ctx context.Context, agentID, method string, payload any, timeout time.Duration, onProgress func(types.Envelope), onArtifact ArtifactFunc) (json.RawMessage, error) {
	session, _, err := h.lookup(agentID)
	if err != nil {
		return nil, err
	}

	release, err := h.acquireSlot(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer release()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := struct {
		Method  string `json:"method"`
		Payload any    `json:"payload"`
	}{Method: method, Payload: payload}

	id := session.NextID()
	env, err := types.NewEnvelope(types.MsgRPCRequest, id, "", req)
	if err != nil {
		return nil, fmt.Errorf("hub: marshal request: %w", err)
	}

	w := &waiter{progress: onProgress, artifact: onArtifact, done: make(chan result, 1)}
	h.corrMu.Lock()
	h.corr[id] = w
	h.corrMu.Unlock()
	defer func() {
		h.corrMu.Lock()
		delete(h.corr, id)
		h.corrMu.Unlock()
	}()

	if err := session.Send(env); err != nil {
		return nil, fmt.Errorf("hub: send request: %w", err)
	}

	select {
	case r := <-w.done:
		return r.env.Payload, r.err
	case <-cctx.Done():
		cancelEnv, _ := types.NewEnvelope(types.MsgRPCCancel, session.NextID(), id, nil)
		_ = session.Send(cancelEnv)
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w", errTimeout)
		}
		return nil, fmt.Errorf("%w", errCancelled)
	}
}

var errTimeout = errors.New(string(types.ErrTimeout))
var errCancelled = errors.New(string(types.ErrCancelled))

// Broadcast sends env to every session matching predicate. Best-effort: a
// slow or full session is skipped rather than blocking the caller.
func (h *Hub) Broadcast(predicate func(agentID string) bool, env types.Envelope) {
	h.mu.RLock()
	var targets []*agentsession.Session
	for id, e := range h.sessions {
		if predicate(id) {
			targets = append(targets, e.session)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		_ = s.Send(env)
	}
}

// PushConfig sends a config event to a specific agent, used for token
// rotation after approval.
func (h *Hub) PushConfig(agentID string, payload types.ConfigPayload) error {
	session, _, err := h.lookup(agentID)
	if err != nil {
		// Pending/offline agents simply miss the push; the caller handles
		// the rotation_grace timeout separately.
		h.mu.RLock()
		e, ok := h.sessions[agentID]
		h.mu.RUnlock()
		if !ok {
			return err
		}
		session = e.session
	}
	env, err := types.NewEnvelope(types.MsgConfig, session.NextID(), "", payload)
	if err != nil {
		return err
	}
	return session.Send(env)
}

// drainSessionErrors resolves every outstanding waiter for agentID with kind,
// called when a session is replaced or closed out from under pending calls.
func (h *Hub) drainSessionErrors(agentID string, kind types.ErrorKind) {
	h.corrMu.Lock()
	defer h.corrMu.Unlock()
	prefix := agentID + "-"
	for id, w := range h.corr {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			w.resolve(result{err: errors.New(string(kind))})
			delete(h.corr, id)
		}
	}
}

// --- agentsession.Handler implementation ---

// HandleResponse routes rpc.progress/rpc.response/rpc.error frames to the
// waiter awaiting their correlation id.
func (h *Hub) HandleResponse(s *agentsession.Session, env types.Envelope) {
	h.corrMu.Lock()
	w, ok := h.corr[env.CorrelationID]
	h.corrMu.Unlock()
	if !ok {
		h.logger.Debug("hub: response with no matching waiter", zap.String("correlation_id", env.CorrelationID))
		return
	}

	switch env.Type {
	case types.MsgRPCProgress:
		if w.progress != nil {
			w.progress(env)
		}
	case types.MsgRPCResponse:
		w.resolve(result{env: env})
	case types.MsgRPCError:
		var errPayload types.RPCErrorPayload
		_ = env.Decode(&errPayload)
		w.resolve(result{err: errors.New(string(errPayload.Kind))})
	}
}

// HandleEvent logs unsolicited events from the agent. GUI fan-out of
// device_upserted etc. happens at the discovery-ingest layer, not here.
func (h *Hub) HandleEvent(s *agentsession.Session, env types.Envelope) {
	h.logger.Debug("hub: event received", zap.String("agent_id", s.AgentID), zap.String("id", env.ID))
}

// HandleArtifactChunk forwards chunk bytes to the waiter's artifact callback.
func (h *Hub) HandleArtifactChunk(s *agentsession.Session, correlationID string, seq int, eof bool, data []byte) {
	h.corrMu.Lock()
	w, ok := h.corr[correlationID]
	h.corrMu.Unlock()
	if !ok || w.artifact == nil {
		return
	}
	w.artifact(seq, eof, data)
}

// OnClose removes the session from the registry (if still current) and
// drains any outstanding waiters.
func (h *Hub) OnClose(s *agentsession.Session, reason string) {
	h.Unregister(s)
}
