package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// CredentialHandler groups all credential-related HTTP handlers. Secret
// material is write-only through this surface — no response ever includes
// the decrypted secret.
type CredentialHandler struct {
	repo   repository.CredentialRepository
	logger *zap.Logger
}

// NewCredentialHandler creates a new CredentialHandler.
func NewCredentialHandler(repo repository.CredentialRepository, logger *zap.Logger) *CredentialHandler {
	return &CredentialHandler{
		repo:   repo,
		logger: logger.Named("credential_handler"),
	}
}

// credentialResponse intentionally omits Secret.
type credentialResponse struct {
	ID           string  `json:"id"`
	Scope        string  `json:"scope"`
	CustomerID   *string `json:"customer_id,omitempty"`
	Kind         string  `json:"kind"`
	Username     string  `json:"username,omitempty"`
	DeviceFilter string  `json:"device_filter,omitempty"`
	IsDefault    bool    `json:"is_default"`
	Active       bool    `json:"active"`
	CreatedAt    string  `json:"created_at"`
}

func credentialToResponse(c *db.Credential) credentialResponse {
	resp := credentialResponse{
		ID:           c.ID.String(),
		Scope:        c.Scope,
		Kind:         c.Kind,
		Username:     c.Username,
		DeviceFilter: c.DeviceFilter,
		IsDefault:    c.IsDefault,
		Active:       c.Active,
		CreatedAt:    c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if c.CustomerID != nil {
		s := c.CustomerID.String()
		resp.CustomerID = &s
	}
	return resp
}

type listCredentialsResponse struct {
	Items []credentialResponse `json:"items"`
	Total int64                `json:"total"`
}

// List handles GET /api/v1/credentials.
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	creds, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list credentials", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]credentialResponse, len(creds))
	for i := range creds {
		items[i] = credentialToResponse(&creds[i])
	}
	Ok(w, listCredentialsResponse{Items: items, Total: total})
}

type createCredentialRequest struct {
	Scope        string `json:"scope"`
	CustomerID   string `json:"customer_id"`
	Kind         string `json:"kind"`
	Username     string `json:"username"`
	Secret       string `json:"secret"`
	Fields       string `json:"fields"`
	DeviceFilter string `json:"device_filter"`
	IsDefault    bool   `json:"is_default"`
}

// Create handles POST /api/v1/credentials.
func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		writeKind(w, types.ErrValidation, "kind is required")
		return
	}
	if req.Scope != "global" && req.Scope != "customer" {
		writeKind(w, types.ErrValidation, "scope must be global or customer")
		return
	}
	if req.Secret == "" {
		writeKind(w, types.ErrValidation, "secret is required")
		return
	}

	var customerID *uuid.UUID
	if req.Scope == "customer" {
		if req.CustomerID == "" {
			writeKind(w, types.ErrValidation, "customer_id is required for scope=customer")
			return
		}
		id, err := uuid.Parse(req.CustomerID)
		if err != nil {
			writeKind(w, types.ErrValidation, "invalid customer_id: must be a valid UUID")
			return
		}
		customerID = &id
	}

	cred := &db.Credential{
		Scope:        req.Scope,
		CustomerID:   customerID,
		Kind:         req.Kind,
		Username:     req.Username,
		Secret:       db.EncryptedString(req.Secret),
		Fields:       req.Fields,
		DeviceFilter: req.DeviceFilter,
		IsDefault:    req.IsDefault,
		Active:       true,
	}
	if err := h.repo.Create(r.Context(), cred); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeKind(w, types.ErrConflict, "credential already exists")
			return
		}
		h.logger.Error("failed to create credential", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, credentialToResponse(cred))
}

// Delete handles DELETE /api/v1/credentials/{id}.
func (h *CredentialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeKind(w, types.ErrNotFound, "credential not found")
			return
		}
		h.logger.Error("failed to delete credential", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
