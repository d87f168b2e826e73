package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/shared/types"
)

// CustomerHandler groups all customer-related HTTP handlers.
type CustomerHandler struct {
	repo   repository.CustomerRepository
	logger *zap.Logger
}

// NewCustomerHandler creates a new CustomerHandler.
func NewCustomerHandler(repo repository.CustomerRepository, logger *zap.Logger) *CustomerHandler {
	return &CustomerHandler{
		repo:   repo,
		logger: logger.Named("customer_handler"),
	}
}

type customerResponse struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func customerToResponse(c *db.Customer) customerResponse {
	return customerResponse{
		ID:        c.ID.String(),
		Code:      c.Code,
		Name:      c.Name,
		Active:    c.Active,
		CreatedAt: c.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

type listCustomersResponse struct {
	Items []customerResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/customers.
func (h *CustomerHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	customers, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list customers", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]customerResponse, len(customers))
	for i := range customers {
		items[i] = customerToResponse(&customers[i])
	}
	Ok(w, listCustomersResponse{Items: items, Total: total})
}

type createCustomerRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Create handles POST /api/v1/customers.
func (h *CustomerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeKind(w, types.ErrValidation, "code is required")
		return
	}
	if req.Name == "" {
		writeKind(w, types.ErrValidation, "name is required")
		return
	}

	customer := &db.Customer{Code: req.Code, Name: req.Name, Active: true}
	if err := h.repo.Create(r.Context(), customer); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeKind(w, types.ErrConflict, "customer code already in use")
			return
		}
		h.logger.Error("failed to create customer", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, customerToResponse(customer))
}

// GetByID handles GET /api/v1/customers/{id}.
func (h *CustomerHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	customer, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeKind(w, types.ErrNotFound, "customer not found")
			return
		}
		h.logger.Error("failed to get customer", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, customerToResponse(customer))
}
