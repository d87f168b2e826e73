// Package agentsession implements the per-connection state machine for the
// agent control plane (C2): handshake, heartbeat liveness, and the
// reader/writer pumps that move Envelope frames to and from one agent.
//
// A Session does not know about the agent registry, RPC correlation, or job
// dispatch — that is the Hub's job (internal/hub). A Session only knows how
// to move frames reliably over one WebSocket connection and to declare
// itself dead when the peer stops responding.
package agentsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/shared/types"
)

// State is the per-session lifecycle state named in the spec's state machine.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRunning
	StateClosing
	StateClosed
)

// Close codes used on the agent WebSocket endpoint.
const (
	CloseHandshakeTimeout  = 4001
	CloseAuthFailed        = 4002
	CloseRejected          = 4003
	CloseReplacedBySession = 4004
	CloseServerShutdown    = 4005
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
)

// Handler receives frames and lifecycle events from a running Session. The
// Hub implements this interface; a Session never reaches into Hub internals
// directly.
type Handler interface {
	// HandleResponse routes an rpc.progress/rpc.response/rpc.error frame to
	// the correlation table entry awaiting correlationID.
	HandleResponse(s *Session, env types.Envelope)
	// HandleEvent routes a best-effort event frame (not a correlated reply).
	HandleEvent(s *Session, env types.Envelope)
	// HandleArtifactChunk routes one chunk of a binary artifact stream.
	HandleArtifactChunk(s *Session, correlationID string, seq int, eof bool, data []byte)
	// OnClose is called exactly once when the session's pumps have exited,
	// with the reason for closure.
	OnClose(s *Session, reason string)
}

// frame is the unit queued on the writer: exactly one of env or binary is set.
// Queuing both the artifact-metadata envelope and its raw bytes as two
// frames on the same channel preserves their relative order without a
// second lock, since the writer is the only consumer.
type frame struct {
	env    *types.Envelope
	binary []byte
}

// artifactMeta is the payload of the text frame that precedes a binary
// artifact chunk.
type artifactMeta struct {
	Seq int  `json:"seq"`
	EOF bool `json:"eof"`
}

// Session wraps one authenticated agent WebSocket connection.
type Session struct {
	AgentID string

	conn              *websocket.Conn
	handler           Handler
	logger            *zap.Logger
	heartbeatInterval time.Duration

	out    chan frame
	state  atomic.Int32
	once   sync.Once
	closed chan struct{}

	idSeq    atomic.Uint64
	lastSeen atomic.Int64

	// pendingArtifact holds the metadata of an artifact-chunk frame until
	// the binary frame carrying its bytes arrives next on the wire.
	pendingArtifact struct {
		correlationID string
		seq           int
		eof           bool
		set           bool
	}
}

// New wraps an already-upgraded WebSocket connection. The caller must have
// already completed the hello/auth handshake before calling Run.
func New(agentID string, conn *websocket.Conn, handler Handler, heartbeatInterval time.Duration, logger *zap.Logger) *Session {
	s := &Session{
		AgentID:           agentID,
		conn:              conn,
		handler:           handler,
		heartbeatInterval: heartbeatInterval,
		out:               make(chan frame, sendBufferSize),
		closed:            make(chan struct{}),
		logger:            logger.With(zap.String("agent_id", agentID)),
	}
	s.state.Store(int32(StateRunning))
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// NextID returns a fresh, per-session-unique request id for server→agent
// messages.
func (s *Session) NextID() string {
	n := s.idSeq.Add(1)
	return fmt.Sprintf("%s-%d", s.AgentID, n)
}

// Send enqueues env for delivery. Returns an error if the session's send
// buffer is full or the session is already closed.
func (s *Session) Send(env types.Envelope) error {
	select {
	case s.out <- frame{env: &env}:
		return nil
	case <-s.closed:
		return fmt.Errorf("agentsession: session closed")
	default:
		return fmt.Errorf("agentsession: send buffer full for agent %s", s.AgentID)
	}
}

// SendArtifactChunk queues the metadata frame then the raw binary frame for
// one chunk of a chunked artifact stream, in order.
func (s *Session) SendArtifactChunk(correlationID string, seq int, eof bool, data []byte) error {
	meta, err := types.NewEnvelope(types.MsgEvent, s.NextID(), correlationID, artifactMeta{Seq: seq, EOF: eof})
	if err != nil {
		return err
	}
	select {
	case s.out <- frame{env: &meta}:
	case <-s.closed:
		return fmt.Errorf("agentsession: session closed")
	default:
		return fmt.Errorf("agentsession: send buffer full for agent %s", s.AgentID)
	}
	select {
	case s.out <- frame{binary: data}:
		return nil
	case <-s.closed:
		return fmt.Errorf("agentsession: session closed")
	}
}

// Run starts the reader, writer, and liveness goroutines and blocks until
// the session closes. ctx cancellation triggers a graceful local close.
func (s *Session) Run(ctx context.Context) {
	done := make(chan struct{})
	var reason string

	go func() {
		defer close(done)
		reason = s.readPump()
	}()

	go s.writePump()
	go s.livenessPump(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		s.Close(CloseServerShutdown, "server shutdown")
		<-done
		reason = "server shutdown"
	}

	s.state.Store(int32(StateClosed))
	s.once.Do(func() { close(s.closed) })
	s.handler.OnClose(s, reason)
}

// Close initiates a graceful close, writing a close frame with code/reason.
func (s *Session) Close(code int, reason string) {
	s.state.Store(int32(StateClosing))
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
	s.closeConn()
}

func (s *Session) closeConn() {
	_ = s.conn.Close()
}

// readPump decodes incoming frames and dispatches them. Text frames carry an
// Envelope; binary frames carry raw artifact-chunk bytes paired with the
// metadata event frame that preceded them.
func (s *Session) readPump() string {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("agentsession: read error", zap.Error(err))
			return "transport_closed"
		}
		s.lastSeen.Store(time.Now().UnixNano())

		switch msgType {
		case websocket.BinaryMessage:
			if !s.pendingArtifact.set {
				s.logger.Warn("agentsession: unexpected binary frame with no pending artifact metadata")
				continue
			}
			s.handler.HandleArtifactChunk(s, s.pendingArtifact.correlationID, s.pendingArtifact.seq, s.pendingArtifact.eof, data)
			s.pendingArtifact.set = false

		case websocket.TextMessage:
			var env types.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				s.logger.Warn("agentsession: malformed frame", zap.Error(err))
				continue
			}
			s.dispatch(env)

		case websocket.CloseMessage:
			return "peer close"
		}
	}
}

func (s *Session) dispatch(env types.Envelope) {
	switch env.Type {
	case types.MsgPing:
		pong, _ := types.NewEnvelope(types.MsgPong, s.NextID(), env.ID, nil)
		_ = s.Send(pong)
	case types.MsgPong, types.MsgHeartbeat:
		// lastSeen already bumped by the caller.
	case types.MsgRPCProgress, types.MsgRPCResponse, types.MsgRPCError:
		s.handler.HandleResponse(s, env)
	case types.MsgEvent:
		var meta artifactMeta
		if err := env.Decode(&meta); err == nil && env.CorrelationID != "" {
			s.pendingArtifact.correlationID = env.CorrelationID
			s.pendingArtifact.seq = meta.Seq
			s.pendingArtifact.eof = meta.EOF
			s.pendingArtifact.set = true
			return
		}
		s.handler.HandleEvent(s, env)
	case types.MsgClose:
		// Peer announced intent to close; the read loop observes EOF next.
	default:
		s.logger.Debug("agentsession: ignoring unknown message type", zap.String("type", string(env.Type)))
	}
}

// writePump is the sole writer to conn; gorilla/websocket connections are
// not safe for concurrent writes.
func (s *Session) writePump() {
	for {
		select {
		case f, ok := <-s.out:
			if !ok {
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			var err error
			if f.env != nil {
				err = s.conn.WriteJSON(f.env)
			} else {
				err = s.conn.WriteMessage(websocket.BinaryMessage, f.binary)
			}
			if err != nil {
				s.logger.Warn("agentsession: write error", zap.Error(err))
				return
			}
		case <-s.closed:
			return
		}
	}
}

// livenessPump sends a ping every heartbeatInterval and declares the session
// dead if nothing has been heard from the peer within 2x that interval.
func (s *Session) livenessPump(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ping, _ := types.NewEnvelope(types.MsgPing, s.NextID(), "", nil)
			_ = s.Send(ping)

			last := time.Unix(0, s.lastSeen.Load())
			if time.Since(last) > 2*s.heartbeatInterval {
				s.logger.Warn("agentsession: liveness timeout")
				s.closeConn()
				return
			}
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}
