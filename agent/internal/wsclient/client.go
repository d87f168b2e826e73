// Package wsclient is the agent-side counterpart of the server's
// agentsession package (C2): it dials the control-plane WebSocket, drives
// the hello/auth handshake, and runs the reader/writer/heartbeat pumps that
// keep one session alive for as long as the process runs, reconnecting with
// backoff whenever the connection drops.
package wsclient

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/shared/types"
)

const (
	dialTimeout  = 10 * time.Second
	writeWait    = 10 * time.Second
	sendBufSize  = 64
)

// Dispatcher runs one decoded rpc.request and streams progress/artifact
// callbacks back to the caller. executor.Executor implements this.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload json.RawMessage, progress func(any), artifact func(seq int, eof bool, data []byte)) (any, error)
}

// MetricsFunc returns the current host heartbeat facts.
type MetricsFunc func() types.HeartbeatPayload

// Config configures a Client.
type Config struct {
	// ServerURL is the base HTTP(S) URL of the server, e.g. "https://netwatch.example.com".
	// The client sets the URL path to /api/v1/agents/ws/<agent_id>, replacing
	// any path in ServerURL, and switches scheme to ws(s).
	ServerURL string
	Kind      string // docker, mikrotik-container
	Version   string
	Capabilities []string
	StateDir     string
	HeartbeatInterval time.Duration
	Metrics           MetricsFunc
	Executor          Dispatcher
	Logger            *zap.Logger
}

// Client owns the agent's control-plane connection across its whole
// lifetime, including reconnects.
type Client struct {
	cfg    Config
	logger *zap.Logger
}

// New returns a Client. cfg.Metrics and cfg.Logger default to no-ops if nil.
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = func() types.HeartbeatPayload { return types.HeartbeatPayload{} }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: cfg.Logger.Named("wsclient")}
}

// Run dials and re-dials the control plane until ctx is cancelled. It never
// returns a non-nil error except for unrecoverable local setup failures
// (e.g. a corrupt state file); transport failures are retried internally.
func (c *Client) Run(ctx context.Context) error {
	state, err := loadOrCreateState(c.cfg.StateDir)
	if err != nil {
		return err
	}

	bo := newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runOnce(ctx, &state, bo)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Warn("session ended", zap.Error(err))
		}

		delay := bo.next()
		c.logger.Info("reconnecting", zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce dials once, completes the handshake, and blocks for the life of
// that one session. On a successful connect it resets the backoff only
// after the handshake completes, so a server that accepts the TCP/TLS
// connection but then rejects auth still backs off.
func (c *Client) runOnce(ctx context.Context, state *agentState, bo *backoff) error {
	conn, err := c.dial(ctx, state.AgentID)
	if err != nil {
		return fmt.Errorf("wsclient: dial: %w", err)
	}
	defer conn.Close()

	if err := c.handshake(conn, state); err != nil {
		return fmt.Errorf("wsclient: handshake: %w", err)
	}
	bo.reset()

	sess := newSession(conn, state, c.cfg, c.logger)
	return sess.run(ctx)
}

func (c *Client) dial(ctx context.Context, agentID string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = fmt.Sprintf("/api/v1/agents/ws/%s", agentID)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(dialCtx, u.String(), http.Header{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake sends hello, answers the nonce challenge with HMAC(token,
// nonce), and waits for auth_ok. The raw token (self-asserted on first
// connect, server-rotated after approval) is always included in the auth
// response — the server only consults it the first time an agent_id is
// seen and ignores it for a recognized agent, so there is no need to track
// whether this is truly the agent's first-ever connect.
func (c *Client) handshake(conn *websocket.Conn, state *agentState) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	hello, err := types.NewEnvelope(types.MsgHello, "agent-hello", "", types.HelloPayload{
		AgentID:      state.AgentID,
		Kind:         c.cfg.Kind,
		Version:      c.cfg.Version,
		Capabilities: c.cfg.Capabilities,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteJSON(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	var challengeEnv types.Envelope
	if err := conn.ReadJSON(&challengeEnv); err != nil {
		return fmt.Errorf("read auth challenge: %w", err)
	}
	if challengeEnv.Type != types.MsgAuth {
		return fmt.Errorf("unexpected frame %q waiting for auth challenge", challengeEnv.Type)
	}
	var challenge types.AuthChallengePayload
	if err := challengeEnv.Decode(&challenge); err != nil {
		return fmt.Errorf("decode auth challenge: %w", err)
	}

	mac := hmac.New(sha256.New, []byte(state.Token))
	mac.Write([]byte(challenge.Nonce))
	resp, err := types.NewEnvelope(types.MsgAuth, "agent-auth", challengeEnv.ID, types.AuthResponsePayload{
		AgentID: state.AgentID,
		HMAC:    hex.EncodeToString(mac.Sum(nil)),
		Token:   state.Token,
	})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(resp); err != nil {
		return fmt.Errorf("send auth response: %w", err)
	}

	var ackEnv types.Envelope
	if err := conn.ReadJSON(&ackEnv); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch ackEnv.Type {
	case types.MsgAuthOK:
		_ = conn.SetReadDeadline(time.Time{})
		return nil
	case types.MsgAuthErr:
		var e types.AuthErrPayload
		_ = ackEnv.Decode(&e)
		return fmt.Errorf("server rejected auth: %s", e.Reason)
	default:
		return fmt.Errorf("unexpected frame %q waiting for auth result", ackEnv.Type)
	}
}

// frame is the unit queued on the writer: exactly one of env or binary is
// set, mirroring agentsession.frame so artifact metadata and bytes stay in
// order on a single-writer channel.
type frame struct {
	env    *types.Envelope
	binary []byte
}

// session runs the reader/writer/heartbeat pumps for one connected socket.
type session struct {
	conn   *websocket.Conn
	state  *agentState
	cfg    Config
	logger *zap.Logger

	out      chan frame
	idSeq    uint64
	idMu     sync.Mutex
	inflight sync.Map // string(requestID) -> context.CancelFunc, for rpc.cancel
}

func newSession(conn *websocket.Conn, state *agentState, cfg Config, logger *zap.Logger) *session {
	return &session{
		conn:   conn,
		state:  state,
		cfg:    cfg,
		logger: logger,
		out:    make(chan frame, sendBufSize),
	}
}

func (s *session) nextID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.idSeq++
	return fmt.Sprintf("%s-%d", s.state.AgentID, s.idSeq)
}

func (s *session) send(env types.Envelope) {
	select {
	case s.out <- frame{env: &env}:
	default:
		s.logger.Warn("send buffer full, dropping frame", zap.String("type", string(env.Type)))
	}
}

func (s *session) sendArtifactChunk(correlationID string, seq int, eof bool, data []byte) {
	meta, err := types.NewEnvelope(types.MsgEvent, s.nextID(), correlationID, artifactMeta{Seq: seq, EOF: eof})
	if err != nil {
		return
	}
	s.out <- frame{env: &meta}
	s.out <- frame{binary: data}
}

type artifactMeta struct {
	Seq int  `json:"seq"`
	EOF bool `json:"eof"`
}

// run blocks until the connection closes or ctx is cancelled.
func (s *session) run(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	var readErr error

	go func() {
		defer close(done)
		readErr = s.readLoop(sessCtx)
	}()

	go s.writeLoop(sessCtx)
	go s.heartbeatLoop(sessCtx)

	select {
	case <-done:
		return readErr
	case <-ctx.Done():
		_ = s.conn.Close()
		<-done
		return nil
	}
}

func (s *session) readLoop(ctx context.Context) error {
	var pending struct {
		correlationID string
		seq           int
		eof           bool
		set           bool
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			// No inbound binary artifacts in this protocol (only the agent
			// uploads them), but accept and discard defensively.
			pending.set = false

		case websocket.TextMessage:
			var env types.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				s.logger.Warn("malformed frame", zap.Error(err))
				continue
			}

			switch env.Type {
			case types.MsgPing:
				pong, _ := types.NewEnvelope(types.MsgPong, s.nextID(), env.ID, nil)
				s.send(pong)
			case types.MsgPong:
				// liveness only; nothing to do.
			case types.MsgConfig:
				s.handleConfig(env)
			case types.MsgRPCRequest:
				go s.handleRPCRequest(ctx, env)
			case types.MsgRPCCancel:
				s.handleCancel(env)
			case types.MsgEvent:
				var meta artifactMeta
				if err := env.Decode(&meta); err == nil && env.CorrelationID != "" {
					pending.correlationID = env.CorrelationID
					pending.seq = meta.Seq
					pending.eof = meta.EOF
					pending.set = true
				}
			case types.MsgClose:
				return fmt.Errorf("server closed session")
			}

		case websocket.CloseMessage:
			return fmt.Errorf("peer close")
		}
	}
}

func (s *session) writeLoop(ctx context.Context) {
	for {
		select {
		case f, ok := <-s.out:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			var err error
			if f.env != nil {
				err = s.conn.WriteJSON(f.env)
			} else {
				err = s.conn.WriteMessage(websocket.BinaryMessage, f.binary)
			}
			if err != nil {
				s.logger.Warn("write error", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			env, err := types.NewEnvelope(types.MsgHeartbeat, s.nextID(), "", s.cfg.Metrics())
			if err != nil {
				continue
			}
			s.send(env)
		case <-ctx.Done():
			return
		}
	}
}

// handleConfig applies a server-pushed config frame. The only field today
// is a token rotation, persisted immediately so the next reconnect (inside
// rotation_grace) authenticates with the new token.
func (s *session) handleConfig(env types.Envelope) {
	var cfg types.ConfigPayload
	if err := env.Decode(&cfg); err != nil {
		s.logger.Warn("malformed config frame", zap.Error(err))
		return
	}
	if cfg.TokenRotation == nil {
		return
	}
	s.state.Token = cfg.TokenRotation.NewToken
	if err := saveState(s.cfg.StateDir, *s.state); err != nil {
		s.logger.Error("failed to persist rotated token", zap.Error(err))
	}
}

func (s *session) handleCancel(env types.Envelope) {
	v, ok := s.inflight.Load(env.CorrelationID)
	if !ok {
		return
	}
	if cancel, ok := v.(context.CancelFunc); ok {
		cancel()
	}
}

// handleRPCRequest runs the request through the Executor and replies with
// rpc.progress frames, then a terminal rpc.response or rpc.error.
func (s *session) handleRPCRequest(ctx context.Context, env types.Envelope) {
	reqCtx, cancel := context.WithCancel(ctx)
	s.inflight.Store(env.ID, cancel)
	defer func() {
		s.inflight.Delete(env.ID)
		cancel()
	}()

	progress := func(p any) {
		pEnv, err := types.NewEnvelope(types.MsgRPCProgress, s.nextID(), env.ID, p)
		if err != nil {
			return
		}
		s.send(pEnv)
	}
	artifact := func(seq int, eof bool, data []byte) {
		s.sendArtifactChunk(env.ID, seq, eof, data)
	}

	result, err := s.cfg.Executor.Dispatch(reqCtx, env.Payload, progress, artifact)
	if err != nil {
		errEnv, _ := types.NewEnvelope(types.MsgRPCError, s.nextID(), env.ID, types.RPCErrorPayload{
			Kind:    classifyError(reqCtx, err),
			Message: err.Error(),
		})
		s.send(errEnv)
		return
	}

	respEnv, err := types.NewEnvelope(types.MsgRPCResponse, s.nextID(), env.ID, result)
	if err != nil {
		s.logger.Error("failed to marshal rpc response", zap.Error(err))
		return
	}
	s.send(respEnv)
}

func classifyError(ctx context.Context, err error) types.ErrorKind {
	if ctx.Err() == context.Canceled {
		return types.ErrCancelled
	}
	if ctx.Err() == context.DeadlineExceeded {
		return types.ErrTimeout
	}
	return types.ErrVendorProtocol
}
