package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tiendaflow/api/internal/platform/cache"
	"github.com/tiendaflow/api/internal/platform/inbox"
	"github.com/tiendaflow/api/internal/repositories"
)

const orderCachePattern = "orders:*"

var tracer = otel.Tracer("github.com/tiendaflow/api/internal/services")

// ReconcileRecorder observes reconciliation outcomes.
type ReconcileRecorder interface {
	ReconcileObserved(outcome string, elapsed time.Duration)
}

// ReconciliationServiceDeps bundles collaborators required to construct the reconciliation engine.
type ReconciliationServiceDeps struct {
	Orders   repositories.OrderRepository
	Gateway  PaymentGateway
	Audit    AuditLogService
	Cache    *cache.Cache
	Events   OrderEventPublisher
	Recorder ReconcileRecorder
	Policy   BackwardPolicy
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	orders   repositories.OrderRepository
	gateway  PaymentGateway
	audit    AuditLogService
	cache    *cache.Cache
	events   OrderEventPublisher
	recorder ReconcileRecorder
	policy   BackwardPolicy
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

var _ ReconciliationService = (*reconciliationService)(nil)

// NewReconciliationService builds the engine that applies gateway payment state to orders.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconciliation service: gateway is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("reconciliation service: audit service is required")
	}

	policy := deps.Policy
	if policy == "" {
		policy = BackwardPolicyAllow
	}
	if policy != BackwardPolicyAllow && policy != BackwardPolicySuppress {
		return nil, fmt.Errorf("reconciliation service: unknown backward policy %q", policy)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reconciliationService{
		orders:   deps.Orders,
		gateway:  deps.Gateway,
		audit:    deps.Audit,
		cache:    deps.Cache,
		events:   deps.Events,
		recorder: deps.Recorder,
		policy:   policy,
		clock:    func() time.Time { return clock().UTC() },
		logger:   logger,
	}, nil
}

func (s *reconciliationService) HandleMessage(ctx context.Context, msg inbox.Message) error {
	_, err := s.Reconcile(ctx, msg.PaymentID)
	if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrPaymentInvalidInput) {
		return inbox.Permanent(err)
	}
	return err
}

func (s *reconciliationService) Reconcile(ctx context.Context, paymentID string) (result ReconcileResult, err error) {
	paymentID = strings.TrimSpace(paymentID)
	ctx, span := tracer.Start(ctx, "reconcile.payment")
	span.SetAttributes(attribute.String("payment.id", paymentID))
	started := time.Now()

	defer func() {
		outcome := result.Outcome
		if err != nil {
			outcome = ReconcileFailed
			if errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrPaymentNotFound) {
				outcome = ReconcileNotFound
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("reconcile.outcome", string(outcome)))
		span.End()
		if s.recorder != nil {
			s.recorder.ReconcileObserved(string(outcome), time.Since(started))
		}
		fields := map[string]any{
			"payment": paymentID,
			"order":   result.OrderNumber,
			"outcome": string(outcome),
			"gateway": result.GatewayStatus,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.logger(ctx, "reconcile.finished", fields)
	}()

	if paymentID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	result.PaymentID = paymentID

	snapshot, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return result, mapGatewayError(err)
	}
	mapping, recognised := MapGatewayStatus(snapshot.Status)
	result.GatewayStatus = mapping.GatewayStatus
	result.Status = mapping.OrderStatus
	result.PaymentStatus = mapping.PaymentStatus
	if !recognised {
		s.logger(ctx, "reconcile.status.unrecognised", map[string]any{
			"payment": paymentID,
			"status":  snapshot.Status,
		})
	}

	reference := strings.TrimSpace(snapshot.ExternalReference)
	if reference == "" {
		return result, fmt.Errorf("%w: payment %s has no external reference", ErrOrderNotFound, paymentID)
	}
	result.OrderNumber = reference

	order, err := s.orders.FindByNumber(ctx, reference)
	if err != nil {
		return result, mapOrderRepositoryError(err)
	}
	result.OrderID = order.ID

	if order.PaymentID == snapshot.ID && order.Status == mapping.OrderStatus && order.PaymentStatus == mapping.PaymentStatus {
		result.Outcome = ReconcileNoop
		result.ReconciledAt = order.LastReconciledAt
		return result, nil
	}

	ts := snapshot.Timestamp()
	if ts != nil && order.LastReconciledAt != nil && !ts.After(*order.LastReconciledAt) {
		result.Outcome = ReconcileStale
		result.Status, result.PaymentStatus = order.Status, order.PaymentStatus
		return result, nil
	}

	if !CanTransition(order.Status, mapping.OrderStatus) {
		if s.policy == BackwardPolicySuppress && !isPaymentRetry(order.PaymentStatus, mapping.PaymentStatus) {
			result.Outcome = ReconcileSuppressed
			result.Status, result.PaymentStatus = order.Status, order.PaymentStatus
			return result, nil
		}
		s.logger(ctx, "reconcile.backward_transition", map[string]any{
			"order":   order.OrderNumber,
			"from":    string(order.Status),
			"to":      string(mapping.OrderStatus),
			"payment": paymentID,
		})
	}

	now := s.clock()
	var reconciledAt *time.Time
	if ts != nil {
		utc := ts.UTC()
		reconciledAt = &utc
	}
	updated, applied, err := s.orders.ApplyReconciliation(ctx, repositories.PaymentReconciliation{
		OrderNumber:   order.OrderNumber,
		Status:        mapping.OrderStatus,
		PaymentStatus: mapping.PaymentStatus,
		PaymentID:     snapshot.ID,
		StatusDetail:  snapshot.StatusDetail,
		ReconciledAt:  reconciledAt,
		UpdatedAt:     now,
	})
	if err != nil {
		return result, mapOrderRepositoryError(err)
	}
	if !applied {
		// a newer snapshot won the conditional update
		result.Outcome = ReconcileStale
		return result, nil
	}

	result.Outcome = ReconcileApplied
	result.ReconciledAt = updated.LastReconciledAt

	s.audit.RecordBestEffort(ctx, AuditRecord{
		OrderID:          order.ID,
		Actor:            systemActor,
		Action:           auditActionPaymentReconcile,
		OldStatus:        order.Status,
		NewStatus:        updated.Status,
		OldPaymentStatus: order.PaymentStatus,
		NewPaymentStatus: updated.PaymentStatus,
		Metadata: map[string]any{
			"paymentId":     snapshot.ID,
			"gatewayStatus": mapping.GatewayStatus,
			"statusDetail":  snapshot.StatusDetail,
		},
	})
	publishOrderEvent(ctx, s.events, s.logger, newOrderEvent(OrderEventPaymentReconciled, updated, order.Status, systemActor, now))
	s.cache.DeleteByPattern(ctx, orderCachePattern)

	return result, nil
}
