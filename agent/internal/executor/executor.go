// Package executor dispatches an rpc.request arriving over the control-plane
// connection to the handler registered for its method, and adapts that
// handler's progress/artifact callbacks into the shapes wsclient forwards to
// the server as rpc.progress frames and ArtifactChunk messages.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/shared/types"
)

// ScanHandler runs agent.scan requests, reporting partial results as they
// arrive from each probe.
type ScanHandler interface {
	Scan(ctx context.Context, req types.ScanRequest, progress func(types.ScanProgress)) (types.ScanResponse, error)
}

// BackupHandler runs agent.backup requests. artifact is only invoked for
// backup kinds that produce a binary payload.
type BackupHandler interface {
	Backup(ctx context.Context, req types.BackupRequest, artifact func(data []byte, eof bool)) (types.BackupResponse, error)
}

// CommandHandler runs agent.command requests.
type CommandHandler interface {
	Command(ctx context.Context, req types.CommandRequest) (types.CommandResponse, error)
}

// TestHandler runs agent.test requests.
type TestHandler interface {
	Test(ctx context.Context, req types.TestRequest) (types.TestResponse, error)
}

// ArtifactFunc streams chunks of a binary artifact to the server, numbering
// them sequentially; eof=true marks the final call.
type ArtifactFunc func(seq int, eof bool, data []byte)

// Executor routes decoded rpc.request payloads to the handler registered for
// their method. The zero value is not usable; construct with New.
type Executor struct {
	scan    ScanHandler
	backup  BackupHandler
	command CommandHandler
	test    TestHandler
	logger  *zap.Logger
}

// New wires one handler per method. Any handler may be nil, in which case
// its methods are reported as unsupported rather than panicking.
func New(scan ScanHandler, backup BackupHandler, command CommandHandler, test TestHandler, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{scan: scan, backup: backup, command: command, test: test, logger: logger.Named("executor")}
}

// requestEnvelope is the payload shape of an rpc.request frame: the RPC
// method name alongside its method-specific payload.
type requestEnvelope struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatch decodes payload as a requestEnvelope and runs the matching
// handler. progress is called zero or more times before the handler returns;
// artifact is called only by agent.backup when the result includes a binary
// payload. The returned value is marshaled into the terminal rpc.response
// payload by the caller.
func (e *Executor) Dispatch(ctx context.Context, payload json.RawMessage, progress func(any), artifact ArtifactFunc) (any, error) {
	var req requestEnvelope
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("executor: decode request: %w", err)
	}
	if progress == nil {
		progress = func(any) {}
	}
	if artifact == nil {
		artifact = func(int, bool, []byte) {}
	}

	switch req.Method {
	case types.MethodAgentScan:
		return e.dispatchScan(ctx, req.Payload, progress)
	case types.MethodAgentBackup:
		return e.dispatchBackup(ctx, req.Payload, artifact)
	case types.MethodAgentCommand:
		return e.dispatchCommand(ctx, req.Payload)
	case types.MethodAgentTest:
		return e.dispatchTest(ctx, req.Payload)
	default:
		return nil, fmt.Errorf("executor: unknown method %q", req.Method)
	}
}

func (e *Executor) dispatchScan(ctx context.Context, payload json.RawMessage, progress func(any)) (any, error) {
	if e.scan == nil {
		return nil, fmt.Errorf("executor: %s not supported by this agent", types.MethodAgentScan)
	}
	var sreq types.ScanRequest
	if err := json.Unmarshal(payload, &sreq); err != nil {
		return nil, fmt.Errorf("executor: decode scan request: %w", err)
	}
	return e.scan.Scan(ctx, sreq, func(p types.ScanProgress) { progress(p) })
}

func (e *Executor) dispatchBackup(ctx context.Context, payload json.RawMessage, artifact ArtifactFunc) (any, error) {
	if e.backup == nil {
		return nil, fmt.Errorf("executor: %s not supported by this agent", types.MethodAgentBackup)
	}
	var breq types.BackupRequest
	if err := json.Unmarshal(payload, &breq); err != nil {
		return nil, fmt.Errorf("executor: decode backup request: %w", err)
	}
	seq := 0
	return e.backup.Backup(ctx, breq, func(data []byte, eof bool) {
		artifact(seq, eof, data)
		seq++
	})
}

func (e *Executor) dispatchCommand(ctx context.Context, payload json.RawMessage) (any, error) {
	if e.command == nil {
		return nil, fmt.Errorf("executor: %s not supported by this agent", types.MethodAgentCommand)
	}
	var creq types.CommandRequest
	if err := json.Unmarshal(payload, &creq); err != nil {
		return nil, fmt.Errorf("executor: decode command request: %w", err)
	}
	return e.command.Command(ctx, creq)
}

func (e *Executor) dispatchTest(ctx context.Context, payload json.RawMessage) (any, error) {
	if e.test == nil {
		return nil, fmt.Errorf("executor: %s not supported by this agent", types.MethodAgentTest)
	}
	var treq types.TestRequest
	if err := json.Unmarshal(payload, &treq); err != nil {
		return nil, fmt.Errorf("executor: decode test request: %w", err)
	}
	return e.test.Test(ctx, treq)
}
