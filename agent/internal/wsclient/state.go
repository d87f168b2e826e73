package wsclient

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// tokenSize is the length in bytes of a self-generated bootstrap token
// before hex encoding. Matches the server's agentsvc.TokenSize so a rotated
// token and a self-asserted one look the same on the wire.
const tokenSize = 32

// agentState is persisted to <state-dir>/agent-state.json. AgentID is
// self-generated on first run rather than server-assigned — the enrollment
// handshake treats the agent's own claimed id as its permanent identity (see
// the server's agentsvc bootstrap), so this file is the one place that id
// exists on disk. Token is the current shared secret; it changes whenever
// the server pushes a token_rotation config frame after approval.
type agentState struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

// loadOrCreateState reads the persisted state, generating a fresh UUIDv7
// identity and a random bootstrap token if none exists yet. The token is
// what this agent asserts to the server on its very first (unrecognized)
// connect — trust-on-first-use, same as the self-asserted agent id.
func loadOrCreateState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return agentState{}, fmt.Errorf("wsclient: read state file: %w", err)
		}
		id, err := uuid.NewV7()
		if err != nil {
			return agentState{}, fmt.Errorf("wsclient: generate agent id: %w", err)
		}
		token, err := randomToken()
		if err != nil {
			return agentState{}, fmt.Errorf("wsclient: generate bootstrap token: %w", err)
		}
		s := agentState{AgentID: id.String(), Token: token}
		if err := saveState(stateDir, s); err != nil {
			return agentState{}, err
		}
		return s, nil
	}

	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("wsclient: corrupted state file: %w", err)
	}
	return s, nil
}

func randomToken() (string, error) {
	b := make([]byte, tokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// saveState writes state atomically via temp file + rename.
func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("wsclient: marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("wsclient: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("wsclient: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("wsclient: write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("wsclient: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("wsclient: rename state file: %w", err)
	}
	ok = true
	return nil
}
