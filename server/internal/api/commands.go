package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/backup"
	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// CommandHandler runs one-off CLI commands against a device, optionally
// guarded by a synchronous pre-change backup.
type CommandHandler struct {
	devices     repository.DeviceRepository
	agents      repository.AgentRepository
	credentials repository.CredentialRepository
	backups     *backup.Service
	hub         *hub.Hub
	logger      *zap.Logger
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(devices repository.DeviceRepository, agents repository.AgentRepository, credentials repository.CredentialRepository, backups *backup.Service, h *hub.Hub, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		devices:     devices,
		agents:      agents,
		credentials: credentials,
		backups:     backups,
		hub:         h,
		logger:      logger.Named("command_handler"),
	}
}

type runCommandRequest struct {
	DeviceID     string   `json:"device_id"`
	Commands     []string `json:"commands"`
	BackupBefore bool     `json:"backup_before"`
}

type runCommandResponse struct {
	Output      string `json:"output"`
	BackupRunID string `json:"backup_run_id,omitempty"`
}

// Run handles POST /api/v1/commands. When BackupBefore is set, a synchronous
// pre-change backup runs first; a pre-change failure aborts the command
// entirely and surfaces 412 pre_change_backup_failed rather than risking an
// unrecoverable change with no fallback snapshot.
func (h *CommandHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req runCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeKind(w, types.ErrValidation, "device_id is required")
		return
	}
	if len(req.Commands) == 0 {
		writeKind(w, types.ErrValidation, "commands must not be empty")
		return
	}
	deviceID, ok := parseUUIDString(w, req.DeviceID, "device_id")
	if !ok {
		return
	}

	device, err := h.devices.GetByID(r.Context(), deviceID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	agent, err := onlineAgentForCustomer(r.Context(), h.agents, h.hub, device.CustomerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var backupRunID string
	if req.BackupBefore {
		run, bErr := h.backups.RunPreChange(r.Context(), agent.ID, deviceID, "config")
		if bErr != nil {
			if errors.Is(bErr, backup.ErrPreChangeFailed) {
				writeKind(w, types.ErrPreChangeBackupFailed, bErr.Error())
				return
			}
			writeServiceError(w, bErr)
			return
		}
		backupRunID = run.ID.String()
	}

	cred, err := h.resolveCredential(r.Context(), device)
	if err != nil {
		writeKind(w, types.ErrCredentialDecrypt, err.Error())
		return
	}

	req2 := types.CommandRequest{
		DeviceID:      device.ID.String(),
		DeviceAddress: device.Address,
		DeviceKind:    device.Platform,
		Commands:      req.Commands,
		Credential:    cred,
	}
	raw, err := h.hub.Call(r.Context(), agent.ID.String(), types.MethodAgentCommand, req2, 0, nil, nil)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var resp types.CommandResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		h.logger.Error("failed to decode command response", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, runCommandResponse{Output: resp.Output, BackupRunID: backupRunID})
}

// resolveCredential picks the best-matching applicable credential for
// device, mirroring backup.Service's own resolution: a customer-scoped
// default sorts first via ListApplicable, and among ties a credential whose
// DeviceFilter glob matches the device wins over one with no filter.
func (h *CommandHandler) resolveCredential(ctx context.Context, device *db.Device) (types.CredentialPayload, error) {
	credKind := "ssh"
	if device.Platform == "mikrotik" {
		credKind = "mikrotik"
	}

	creds, err := h.credentials.ListApplicable(ctx, device.CustomerID, credKind)
	if err != nil {
		return types.CredentialPayload{}, err
	}
	if len(creds) == 0 {
		return types.CredentialPayload{}, fmt.Errorf("no applicable %s credential for customer %s", credKind, device.CustomerID)
	}

	chosen := &creds[0]
	for i := range creds {
		c := &creds[i]
		if c.DeviceFilter == "" {
			continue
		}
		if ok, _ := filepath.Match(c.DeviceFilter, device.Address); ok {
			chosen = c
			break
		}
		if ok, _ := filepath.Match(c.DeviceFilter, device.Hostname); ok {
			chosen = c
			break
		}
	}

	var fields map[string]string
	if chosen.Fields != "" {
		_ = json.Unmarshal([]byte(chosen.Fields), &fields)
	}

	return types.CredentialPayload{
		Username: chosen.Username,
		Secret:   string(chosen.Secret),
		Fields:   fields,
	}, nil
}
