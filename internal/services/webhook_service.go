package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tiendaflow/api/internal/platform/inbox"
)

// ErrWebhookMessageNotFound indicates an unknown inbox message id.
var ErrWebhookMessageNotFound = errors.New("webhook: inbox message not found")

// ErrWebhookMessageNotDead indicates a replay of a message that is still pending.
var ErrWebhookMessageNotDead = errors.New("webhook: inbox message is not dead-lettered")

// WebhookQueue is the durable inbox behind the ingestor. *inbox.Processor implements it.
type WebhookQueue interface {
	Enqueue(ctx context.Context, kind, paymentID string) (inbox.Message, error)
	List(ctx context.Context, state inbox.State, limit int) ([]inbox.Message, error)
	Replay(ctx context.Context, id string) (inbox.Message, error)
}

// WebhookRecorder counts received and lost notifications.
type WebhookRecorder interface {
	WebhookReceived(kind string)
	WebhookEnqueueFailed()
}

// WebhookServiceDeps bundles collaborators required to construct the webhook service.
type WebhookServiceDeps struct {
	Queue    WebhookQueue
	Recorder WebhookRecorder
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type webhookService struct {
	queue    WebhookQueue
	recorder WebhookRecorder
	logger   func(context.Context, string, map[string]any)
}

var _ WebhookService = (*webhookService)(nil)

// NewWebhookService builds the ingestor.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Queue == nil {
		return nil, errors.New("webhook service: queue is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &webhookService{
		queue:    deps.Queue,
		recorder: deps.Recorder,
		logger:   logger,
	}, nil
}

// Ingest queues payment notifications. Other notification types are counted and dropped.
func (s *webhookService) Ingest(ctx context.Context, notification WebhookNotification) (WebhookReceipt, error) {
	kind := strings.ToLower(strings.TrimSpace(notification.Type))
	dataID := strings.TrimSpace(notification.DataID)
	if s.recorder != nil {
		s.recorder.WebhookReceived(kind)
	}

	if kind != inbox.KindPayment || dataID == "" {
		s.logger(ctx, "webhook.ignored", map[string]any{
			"type":   kind,
			"action": notification.Action,
			"dataId": dataID,
		})
		return WebhookReceipt{}, nil
	}

	msg, err := s.queue.Enqueue(ctx, inbox.KindPayment, dataID)
	if err != nil {
		if s.recorder != nil {
			s.recorder.WebhookEnqueueFailed()
		}
		s.logger(ctx, "webhook.enqueue.failed", map[string]any{
			"payment": dataID,
			"error":   err.Error(),
		})
		return WebhookReceipt{}, fmt.Errorf("webhook: enqueue payment %s: %w", dataID, err)
	}

	s.logger(ctx, "webhook.queued", map[string]any{
		"payment": dataID,
		"message": msg.ID,
		"action":  notification.Action,
	})
	return WebhookReceipt{Queued: true, MessageID: msg.ID}, nil
}

func (s *webhookService) ListInbox(ctx context.Context, state inbox.State, limit int) ([]inbox.Message, error) {
	switch state {
	case "", inbox.StatePending, inbox.StateDead:
	default:
		return nil, fmt.Errorf("%w: unknown inbox state %q", ErrOrderInvalidInput, state)
	}
	if limit <= 0 || limit > maxAuditListSize {
		limit = defaultAuditListSize
	}
	messages, err := s.queue.List(ctx, state, limit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []inbox.Message{}
	}
	return messages, nil
}

func (s *webhookService) Replay(ctx context.Context, messageID string) (inbox.Message, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return inbox.Message{}, fmt.Errorf("%w: message id is required", ErrOrderInvalidInput)
	}
	msg, err := s.queue.Replay(ctx, messageID)
	switch {
	case errors.Is(err, inbox.ErrMessageNotFound):
		return inbox.Message{}, fmt.Errorf("%w: %s", ErrWebhookMessageNotFound, messageID)
	case errors.Is(err, inbox.ErrNotDead):
		return inbox.Message{}, fmt.Errorf("%w: %s", ErrWebhookMessageNotDead, messageID)
	case err != nil:
		return inbox.Message{}, err
	}
	s.logger(ctx, "webhook.replayed", map[string]any{
		"message": msg.ID,
		"payment": msg.PaymentID,
	})
	return msg, nil
}
