// Package sshexec opens short-lived SSH sessions against network devices and
// runs one or more commands, capturing combined output. It is the shared
// transport used by the HP/Aruba and MikroTik backup adapters and by
// arbitrary command execution (agent.command RPCs), the same way the restic
// wrapper it replaces shelled out to one binary per operation.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netwatch-io/netwatch/shared/types"
)

// ErrVendorProtocol marks a dial, handshake, or command failure against the
// device itself, as opposed to a local/context error. Dial and Run wrap it
// into their errors so callers can test for it with errors.Is. The agent's
// rpc.error mapping (wsclient.classifyError) does not inspect it: every
// error that is not a context cancellation or deadline is reported there as
// types.ErrVendorProtocol.
var ErrVendorProtocol = errors.New(string(types.ErrVendorProtocol))

// DialTimeout bounds the TCP connect. The SSH handshake that follows is
// bounded only by ctx's deadline, when ctx has one.
const DialTimeout = 10 * time.Second

// CommandTimeout bounds a single command's execution once the session is up.
const CommandTimeout = 30 * time.Second

// Session wraps one SSH connection. Callers run zero or more commands
// sequentially through it, then Close it — network-device SSH daemons are
// typically single-channel and do not benefit from connection pooling the
// way a general-purpose server would.
type Session struct {
	client *ssh.Client
}

// Dial opens an SSH connection to address (host:port, port defaults to 22 if
// absent) authenticating with cred. Host key verification is intentionally
// disabled: network-device management interfaces rarely present a key an
// operator has any way to pre-provision, and the credential itself is the
// trust anchor here.
func Dial(ctx context.Context, address string, cred types.CredentialPayload) (*Session, error) {
	addr := address
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(address, "22")
	}

	cfg := &ssh.ClientConfig{
		User:            cred.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cred.Secret)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         DialTimeout,
	}

	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrVendorProtocol, addr, err)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrVendorProtocol, addr, err)
	}

	return &Session{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Run executes a single command on a fresh channel and returns its combined
// stdout+stderr output.
func (s *Session) Run(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()

	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open channel: %v", ErrVendorProtocol, err)
	}
	defer sess.Close()

	var out bytes.Buffer
	sess.Stdout = &out
	sess.Stderr = &out

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return out.String(), fmt.Errorf("%w: command %q: %v", ErrVendorProtocol, command, err)
		}
		return out.String(), nil
	case <-ctx.Done():
		sess.Close()
		return out.String(), ctx.Err()
	}
}

// RunAll executes commands sequentially on separate channels over the same
// connection, concatenating their output in order. Stops at the first
// failing command.
func (s *Session) RunAll(ctx context.Context, commands []string) (string, error) {
	var all bytes.Buffer
	for _, cmd := range commands {
		out, err := s.Run(ctx, cmd)
		all.WriteString(out)
		if err != nil {
			return all.String(), err
		}
	}
	return all.String(), nil
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// Client returns the underlying *ssh.Client so callers can layer another
// protocol (e.g. SFTP) over the same connection.
func (s *Session) Client() *ssh.Client {
	return s.client
}

// Test dials and authenticates against address, then closes the session
// immediately. It reports round-trip latency and is the handler behind
// agent.test — a credential check with no other side effect.
func Test(ctx context.Context, address string, cred types.CredentialPayload) (ok bool, latencyMS int64, testErr error) {
	start := time.Now()
	sess, err := Dial(ctx, address, cred)
	latencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return false, latencyMS, err
	}
	defer sess.Close()
	return true, latencyMS, nil
}

