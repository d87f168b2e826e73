package api

import (
	"errors"
	"net/http"

	"github.com/netwatch-io/netwatch/server/internal/agentsvc"
	"github.com/netwatch-io/netwatch/server/internal/backup"
	"github.com/netwatch-io/netwatch/server/internal/hub"
	"github.com/netwatch-io/netwatch/server/internal/job"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// kindStatus maps the error taxonomy of §7 onto HTTP status codes.
var kindStatus = map[types.ErrorKind]int{
	types.ErrValidation:             http.StatusUnprocessableEntity,
	types.ErrNotFound:               http.StatusNotFound,
	types.ErrConflict:               http.StatusConflict,
	types.ErrPreconditionFailed:     http.StatusPreconditionFailed,
	types.ErrAgentOffline:           http.StatusServiceUnavailable,
	types.ErrAgentNotApproved:       http.StatusServiceUnavailable,
	types.ErrTimeout:                http.StatusGatewayTimeout,
	types.ErrCancelled:              http.StatusConflict,
	types.ErrPreChangeBackupFailed:  http.StatusPreconditionFailed,
	types.ErrVendorProtocol:         http.StatusBadGateway,
	types.ErrCredentialDecrypt:      http.StatusInternalServerError,
	types.ErrTransportClosed:        http.StatusServiceUnavailable,
	types.ErrReplacedByNewerSession: http.StatusConflict,
	types.ErrInternal:               http.StatusInternalServerError,
}

// writeKind writes the flat {error,message,details} body of §7 for the given
// kind, deriving the HTTP status from kindStatus.
func writeKind(w http.ResponseWriter, kind types.ErrorKind, message string) {
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	JSON(w, status, types.RPCErrorPayload{Kind: kind, Message: message})
}

// writeServiceError classifies an error returned by the core packages
// (repository/job/backup/agentsvc/hub) into an ErrorKind and writes the
// corresponding REST response. Handlers call this as their default error
// path instead of hand-rolling a switch per endpoint.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeKind(w, types.ErrNotFound, err.Error())
	case errors.Is(err, repository.ErrConflict):
		writeKind(w, types.ErrConflict, err.Error())
	case errors.Is(err, job.ErrNotFound):
		writeKind(w, types.ErrNotFound, err.Error())
	case errors.Is(err, job.ErrUnknownKind):
		writeKind(w, types.ErrValidation, err.Error())
	case errors.Is(err, backup.ErrAlreadyRunning):
		writeKind(w, types.ErrConflict, err.Error())
	case errors.Is(err, backup.ErrPreChangeFailed):
		writeKind(w, types.ErrPreChangeBackupFailed, err.Error())
	case errors.Is(err, agentsvc.ErrNotPending):
		writeKind(w, types.ErrConflict, err.Error())
	case errors.Is(err, agentsvc.ErrAuthFailed):
		writeKind(w, types.ErrValidation, err.Error())
	case errors.Is(err, hub.ErrAgentOffline):
		writeKind(w, types.ErrAgentOffline, err.Error())
	case errors.Is(err, hub.ErrAgentNotApproved):
		writeKind(w, types.ErrAgentNotApproved, err.Error())
	case errors.Is(err, errNoOnlineAgent):
		writeKind(w, types.ErrAgentOffline, err.Error())
	case err.Error() == string(types.ErrTimeout):
		writeKind(w, types.ErrTimeout, "request timed out")
	case err.Error() == string(types.ErrCancelled):
		writeKind(w, types.ErrCancelled, "request cancelled")
	default:
		writeKind(w, types.ErrInternal, "an internal error occurred")
	}
}
