// Package command runs ad-hoc CLI commands against a device over SSH
// (agent.command) and performs credential connectivity checks (agent.test).
// Both are thin wrappers around sshexec — this package owns only the
// request/response shape, not the transport.
package command

import (
	"context"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/agent/internal/sshexec"
	"github.com/netwatch-io/netwatch/shared/types"
)

// Service handles agent.command and agent.test RPCs.
type Service struct {
	logger *zap.Logger
}

// New returns a Service. logger may be nil.
func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger.Named("command")}
}

// Command opens an SSH session, runs every command in order, and returns the
// concatenated output. It stops at the first failing command, same as a
// human pasting commands into a terminal one at a time.
func (s *Service) Command(ctx context.Context, req types.CommandRequest) (types.CommandResponse, error) {
	sess, err := sshexec.Dial(ctx, req.DeviceAddress, req.Credential)
	if err != nil {
		return types.CommandResponse{}, err
	}
	defer sess.Close()

	out, err := sess.RunAll(ctx, req.Commands)
	if err != nil {
		return types.CommandResponse{Output: out}, err
	}
	return types.CommandResponse{Output: out}, nil
}

// Test dials and authenticates against the device and reports round-trip
// latency, with no other side effect. Used to validate a credential before
// it is saved or attached to a device.
func (s *Service) Test(ctx context.Context, req types.TestRequest) (types.TestResponse, error) {
	ok, latencyMS, err := sshexec.Test(ctx, req.DeviceAddress, req.Credential)
	if err != nil {
		return types.TestResponse{OK: ok, LatencyMS: latencyMS, Error: err.Error()}, nil
	}
	return types.TestResponse{OK: ok, LatencyMS: latencyMS}, nil
}
