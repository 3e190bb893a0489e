package handlers

import (
	"context"
	"errors"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/platform/inbox"
	"github.com/tiendaflow/api/internal/services"
)

type stubOrderService struct {
	createFn func(context.Context, services.CreateOrderCommand) (domain.Order, error)
	getFn    func(context.Context, string) (domain.Order, error)
	listFn   func(context.Context, services.OrderListFilter) (services.OrderPage, error)
	updateFn func(context.Context, services.UpdateOrderStatusCommand) (domain.Order, error)
}

func (s *stubOrderService) Create(ctx context.Context, cmd services.CreateOrderCommand) (domain.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) List(ctx context.Context, filter services.OrderListFilter) (services.OrderPage, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return services.OrderPage{}, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

type stubPaymentService struct {
	preferenceFn func(context.Context, string) (domain.PaymentPreference, error)
	statusFn     func(context.Context, string) (domain.PaymentSnapshot, error)
}

func (s *stubPaymentService) CreatePreference(ctx context.Context, orderID string) (domain.PaymentPreference, error) {
	if s.preferenceFn != nil {
		return s.preferenceFn(ctx, orderID)
	}
	return domain.PaymentPreference{}, errors.New("not implemented")
}

func (s *stubPaymentService) GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, paymentID)
	}
	return domain.PaymentSnapshot{}, errors.New("not implemented")
}

type stubWebhookService struct {
	ingestFn func(context.Context, services.WebhookNotification) (services.WebhookReceipt, error)
	listFn   func(context.Context, inbox.State, int) ([]inbox.Message, error)
	replayFn func(context.Context, string) (inbox.Message, error)

	ingested []services.WebhookNotification
}

func (s *stubWebhookService) Ingest(ctx context.Context, n services.WebhookNotification) (services.WebhookReceipt, error) {
	s.ingested = append(s.ingested, n)
	if s.ingestFn != nil {
		return s.ingestFn(ctx, n)
	}
	return services.WebhookReceipt{Queued: true, MessageID: "msg_1"}, nil
}

func (s *stubWebhookService) ListInbox(ctx context.Context, state inbox.State, limit int) ([]inbox.Message, error) {
	if s.listFn != nil {
		return s.listFn(ctx, state, limit)
	}
	return nil, nil
}

func (s *stubWebhookService) Replay(ctx context.Context, id string) (inbox.Message, error) {
	if s.replayFn != nil {
		return s.replayFn(ctx, id)
	}
	return inbox.Message{}, errors.New("not implemented")
}

type stubReconciliationService struct {
	reconcileFn func(context.Context, string) (services.ReconcileResult, error)
}

func (s *stubReconciliationService) Reconcile(ctx context.Context, paymentID string) (services.ReconcileResult, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, paymentID)
	}
	return services.ReconcileResult{}, errors.New("not implemented")
}

func (s *stubReconciliationService) HandleMessage(ctx context.Context, msg inbox.Message) error {
	_, err := s.Reconcile(ctx, msg.PaymentID)
	return err
}

type stubAuditService struct {
	listFn func(context.Context, string, int) ([]domain.OrderAuditEntry, error)
}

func (s *stubAuditService) Record(context.Context, services.AuditRecord) error { return nil }

func (s *stubAuditService) RecordBestEffort(context.Context, services.AuditRecord) {}

func (s *stubAuditService) ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.OrderAuditEntry, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID, limit)
	}
	return nil, nil
}

type stubSystemService struct {
	report domain.HealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.HealthReport, error) {
	return s.report, s.err
}
