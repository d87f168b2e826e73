package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/repository"
)

// NotificationHandler groups all notification-related HTTP handlers.
// Notifications are scoped by customer (DS1) rather than by the operator
// reading them — every authenticated staff user sees the same feed,
// optionally filtered to one customer via ?customer_id=.
type NotificationHandler struct {
	repo   repository.NotificationRepository
	logger *zap.Logger
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(repo repository.NotificationRepository, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{
		repo:   repo,
		logger: logger.Named("notification_handler"),
	}
}

type notificationResponse struct {
	ID         string  `json:"id"`
	CustomerID *string `json:"customer_id,omitempty"`
	Kind       string  `json:"kind"`
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	Payload    string  `json:"payload,omitempty"`
	ReadAt     *string `json:"read_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

func notificationToResponse(n *db.Notification) notificationResponse {
	resp := notificationResponse{
		ID:        n.ID.String(),
		Kind:      n.Kind,
		Title:     n.Title,
		Body:      n.Body,
		Payload:   n.Payload,
		CreatedAt: n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if n.CustomerID != nil {
		s := n.CustomerID.String()
		resp.CustomerID = &s
	}
	if n.ReadAt != nil {
		s := n.ReadAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.ReadAt = &s
	}
	return resp
}

type listNotificationsResponse struct {
	Items []notificationResponse `json:"items"`
	Total int64                  `json:"total"`
}

// List handles GET /api/v1/notifications?customer_id=.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	var customerID *uuid.UUID
	if raw := r.URL.Query().Get("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid customer_id: must be a valid UUID")
			return
		}
		customerID = &id
	}

	opts := paginationOpts(r)
	notifications, total, err := h.repo.ListByCustomer(r.Context(), customerID, opts)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]notificationResponse, len(notifications))
	for i := range notifications {
		items[i] = notificationToResponse(&notifications[i])
	}

	Ok(w, listNotificationsResponse{Items: items, Total: total})
}

// MarkAsRead handles PATCH /api/v1/notifications/{id}/read.
func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.MarkAsRead(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Unknown id, or already read — idempotent from the caller's view.
			NoContent(w)
			return
		}
		h.logger.Error("failed to mark notification as read", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// MarkAllAsRead handles PATCH /api/v1/notifications/read-all?customer_id=.
func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	var customerID *uuid.UUID
	if raw := r.URL.Query().Get("customer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid customer_id: must be a valid UUID")
			return
		}
		customerID = &id
	}

	if err := h.repo.MarkAllAsRead(r.Context(), customerID); err != nil {
		h.logger.Error("failed to mark all notifications as read", zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
