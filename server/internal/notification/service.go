package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/google/uuid"

	"github.com/netwatch-io/netwatch/server/internal/db"
	"github.com/netwatch-io/netwatch/server/internal/repository"
	"github.com/netwatch-io/netwatch/server/internal/websocket"
)

// Service is the single entry point for creating and delivering notifications
// (DS1). It persists in-app notifications to the database, publishes them to
// the WebSocket Hub, and fans out to external channels (email, webhook).
//
// Callers (job engine, scheduler, agent control plane) should use the typed
// methods below rather than constructing events manually, so that
// notification content stays consistent across the codebase.
type Service interface {
	// NotifyBackupSucceeded fires when a BackupRun completes successfully.
	NotifyBackupSucceeded(ctx context.Context, customerID uuid.UUID, runID uuid.UUID, deviceName string) error

	// NotifyBackupFailed fires when a BackupRun fails, including a
	// pre-change backup that aborted the command it was guarding.
	NotifyBackupFailed(ctx context.Context, customerID uuid.UUID, runID uuid.UUID, deviceName, errMsg string) error

	// NotifyAgentOffline fires when the hub loses an agent's liveness pump
	// and marks it offline.
	NotifyAgentOffline(ctx context.Context, customerID *uuid.UUID, agentID uuid.UUID, agentName string) error
}

// notificationService is the concrete implementation of Service.
type notificationService struct {
	notifRepo    repository.NotificationRepository
	userRepo     repository.UserRepository
	settingsRepo repository.SettingsRepository
	hub          *websocket.Hub
	email        *emailSender
	webhook      *webhookSender
	logger       *zap.Logger
}

// Config holds the dependencies required to build a notification Service.
type Config struct {
	NotifRepo    repository.NotificationRepository
	UserRepo     repository.UserRepository
	SettingsRepo repository.SettingsRepository
	Hub          *websocket.Hub
	Logger       *zap.Logger
}

// NewService creates a new notification Service. The email and webhook senders
// are wired internally — callers only need to provide the Config dependencies.
func NewService(cfg Config) Service {
	svc := &notificationService{
		notifRepo:    cfg.NotifRepo,
		userRepo:     cfg.UserRepo,
		settingsRepo: cfg.SettingsRepo,
		hub:          cfg.Hub,
		logger:       cfg.Logger.Named("notification"),
	}

	// Wire senders with config loaders bound to this service's settings repo.
	// Config is reloaded on every send — no restart needed after settings change.
	svc.email = newEmailSender(func(ctx context.Context) (*SMTPConfig, error) {
		return loadSMTPConfig(ctx, cfg.SettingsRepo)
	})
	svc.webhook = newWebhookSender(func(ctx context.Context) (*WebhookConfig, error) {
		return loadWebhookConfig(ctx, cfg.SettingsRepo)
	})

	return svc
}

// -----------------------------------------------------------------------------
// Public typed methods
// -----------------------------------------------------------------------------

func (s *notificationService) NotifyBackupSucceeded(ctx context.Context, customerID uuid.UUID, runID uuid.UUID, deviceName string) error {
	payload := map[string]any{
		"run_id":      runID.String(),
		"device_name": deviceName,
	}
	return s.notify(ctx, &customerID, event{
		kind:    "job_succeeded",
		title:   fmt.Sprintf("Backup completed: %s", deviceName),
		body:    fmt.Sprintf("Backup of \"%s\" completed successfully at %s.", deviceName, time.Now().UTC().Format(time.RFC3339)),
		payload: payload,
	})
}

func (s *notificationService) NotifyBackupFailed(ctx context.Context, customerID uuid.UUID, runID uuid.UUID, deviceName, errMsg string) error {
	payload := map[string]any{
		"run_id":      runID.String(),
		"device_name": deviceName,
		"error":       errMsg,
	}
	return s.notify(ctx, &customerID, event{
		kind:    "backup_failed",
		title:   fmt.Sprintf("Backup failed: %s", deviceName),
		body:    fmt.Sprintf("Backup of \"%s\" failed at %s: %s", deviceName, time.Now().UTC().Format(time.RFC3339), errMsg),
		payload: payload,
	})
}

func (s *notificationService) NotifyAgentOffline(ctx context.Context, customerID *uuid.UUID, agentID uuid.UUID, agentName string) error {
	payload := map[string]any{
		"agent_id":   agentID.String(),
		"agent_name": agentName,
	}
	return s.notify(ctx, customerID, event{
		kind:    "agent_offline",
		title:   fmt.Sprintf("Agent offline: %s", agentName),
		body:    fmt.Sprintf("Agent \"%s\" stopped responding at %s.", agentName, time.Now().UTC().Format(time.RFC3339)),
		payload: payload,
	})
}

// -----------------------------------------------------------------------------
// Internal event dispatch
// -----------------------------------------------------------------------------

// event carries the data for a single notification before it is persisted
// and fanned out to recipients and delivery channels.
type event struct {
	kind    string
	title   string
	body    string
	payload map[string]any
}

// notify persists one db.Notification scoped to customerID (nil for a
// platform-wide event), publishes it to every admin/operator's
// notifications:<user_id> topic, and fans out to email/webhook. customerID
// is nil only for events with no tenant to attribute them to.
func (s *notificationService) notify(ctx context.Context, customerID *uuid.UUID, ev event) error {
	payloadJSON, err := json.Marshal(ev.payload)
	if err != nil {
		return fmt.Errorf("notification: failed to marshal payload: %w", err)
	}

	n := &db.Notification{
		CustomerID: customerID,
		Kind:       ev.kind,
		Title:      ev.title,
		Body:       ev.body,
		Payload:    string(payloadJSON),
	}
	if err := s.notifRepo.Create(ctx, n); err != nil {
		return fmt.Errorf("notification: failed to persist notification: %w", err)
	}

	// Resolve admin/operator users as recipients. A large page size is used
	// because the number of staff users is expected to be small.
	users, _, err := s.userRepo.List(ctx, repository.ListOptions{Limit: 200, Offset: 0})
	if err != nil {
		s.logger.Error("failed to list users for notification fan-out", zap.Error(err))
		return nil
	}

	var emailRecipients []string
	for i := range users {
		u := &users[i]
		if !u.IsActive || (u.Role != "admin" && u.Role != "operator") {
			continue
		}

		// Publish to the WebSocket Hub so any connected GUI tab receives the
		// notification instantly without polling.
		topic := fmt.Sprintf("notifications:%s", u.ID.String())
		s.hub.Publish(topic, websocket.Message{
			Type:  websocket.MsgNotification,
			Topic: topic,
			Payload: map[string]any{
				"id":         n.ID.String(),
				"kind":       n.Kind,
				"title":      n.Title,
				"body":       n.Body,
				"payload":    ev.payload,
				"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
			},
		})

		emailRecipients = append(emailRecipients, u.Email)
	}

	// External channels: errors are logged but not propagated — the in-app
	// notification has already been saved, which is the authoritative channel.
	if err := s.email.Send(ctx, emailRecipients, ev.title, ev.body); err != nil {
		s.logger.Warn("email notification delivery failed", zap.String("kind", ev.kind), zap.Error(err))
	}

	if err := s.webhook.Send(ctx, ev.kind, ev.title, ev.body, ev.payload); err != nil {
		s.logger.Warn("webhook notification delivery failed", zap.String("kind", ev.kind), zap.Error(err))
	}

	return nil
}
