package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/platform/cache"
	"github.com/tiendaflow/api/internal/repositories"
)

const (
	orderIDPrefix       = "ord_"
	orderNumberPrefix   = "ORD-"
	defaultCurrency     = "USD"
	defaultOrderPage    = 1
	defaultOrderLimit   = 20
	maxOrderLimit       = 100
	maxBuyerFieldLength = 200
	maxNotesLength      = 2000

	auditActionOrderCreate      = "order.create"
	auditActionStatusUpdate     = "order.status.update"
	auditActionPaymentReconcile = "order.payment.reconcile"

	systemActor = "system"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a duplicate order number or concurrent write.
	ErrOrderConflict = errors.New("order: conflict")
)

var strictText = bluemonday.StrictPolicy()

// OrderCacheKey is the cache key of a single order read.
func OrderCacheKey(orderID string) string {
	return "orders:id:" + orderID
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Audit       AuditLogService
	UnitOfWork  repositories.UnitOfWork
	Cache       *cache.Cache
	CacheTTL    time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	audit      AuditLogService
	unitOfWork repositories.UnitOfWork
	cache      *cache.Cache
	cacheTTL   time.Duration
	clock      func() time.Time
	newID      func() string
	events     OrderEventPublisher
	logger     func(context.Context, string, map[string]any)
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("order service: audit service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		audit:      deps.Audit,
		unitOfWork: unit,
		cache:      deps.Cache,
		cacheTTL:   deps.CacheTTL,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	if len(cmd.Items) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	total := decimal.Zero
	for i, input := range cmd.Items {
		item, err := normalizeOrderItem(i, input)
		if err != nil {
			return domain.Order{}, err
		}
		items = append(items, item)
		total = total.Add(item.Subtotal())
	}
	total = total.Round(2)

	if cmd.TotalAmount != nil && !cmd.TotalAmount.Round(2).Equal(total) {
		return domain.Order{}, fmt.Errorf("%w: total_amount %s does not match computed total %s", ErrOrderInvalidInput, cmd.TotalAmount.StringFixed(2), total.StringFixed(2))
	}

	code, err := normalizeCurrency(cmd.Currency)
	if err != nil {
		return domain.Order{}, err
	}

	buyer := domain.Buyer{
		Name:  sanitizeText(cmd.Buyer.Name, maxBuyerFieldLength),
		Email: strings.ToLower(sanitizeText(cmd.Buyer.Email, maxBuyerFieldLength)),
		Phone: sanitizeText(cmd.Buyer.Phone, maxBuyerFieldLength),
	}

	now := s.clock()
	order := domain.Order{
		ID:            orderIDPrefix + s.newID(),
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		Currency:      code,
		TotalAmount:   total,
		Items:         items,
		Buyer:         buyer,
		Notes:         sanitizeText(cmd.Notes, maxNotesLength),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		seq, err := s.orders.NextOrderNumber(txCtx)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		order.OrderNumber = fmt.Sprintf("%s%d", orderNumberPrefix, seq)

		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return s.audit.Record(txCtx, AuditRecord{
			OrderID:          order.ID,
			Actor:            cmd.Actor,
			Action:           auditActionOrderCreate,
			NewStatus:        order.Status,
			NewPaymentStatus: order.PaymentStatus,
			Metadata: map[string]any{
				"orderNumber": order.OrderNumber,
				"totalAmount": order.TotalAmount.StringFixed(2),
				"currency":    order.Currency,
			},
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	publishOrderEvent(ctx, s.events, s.logger, newOrderEvent(OrderEventCreated, order, "", cmd.Actor, now))
	return order, nil
}

func (s *orderService) GetByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	return cache.GetOrCompute(ctx, s.cache, OrderCacheKey(orderID), s.cacheTTL, func(ctx context.Context) (domain.Order, error) {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return domain.Order{}, s.mapRepositoryError(err)
		}
		return order, nil
	})
}

func (s *orderService) List(ctx context.Context, filter OrderListFilter) (OrderPage, error) {
	repoFilter := repositories.OrderListFilter{
		Search: strings.TrimSpace(filter.Search),
	}

	if raw := strings.TrimSpace(filter.Status); raw != "" {
		status := domain.OrderStatus(strings.ToLower(raw))
		if !status.Valid() {
			return OrderPage{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, raw)
		}
		repoFilter.Status = &status
	}
	if raw := strings.TrimSpace(filter.PaymentStatus); raw != "" {
		status := domain.PaymentStatus(strings.ToLower(raw))
		if !status.Valid() {
			return OrderPage{}, fmt.Errorf("%w: unknown payment_status %q", ErrOrderInvalidInput, raw)
		}
		repoFilter.PaymentStatus = &status
	}

	page, limit := normalizePage(filter.Page, filter.Limit)
	repoFilter.Pagination = domain.Pagination{Page: page, Limit: limit}

	orders, total, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return OrderPage{}, s.mapRepositoryError(err)
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return OrderPage{Items: orders, Total: total, Page: page, Limit: limit}, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(cmd.Status)))
	if !target.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}

	var (
		updated  domain.Order
		previous domain.OrderStatus
		changed  bool
	)
	now := s.clock()

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		previous = current.Status

		if current.Status == target {
			updated = current
			return nil
		}
		if !CanTransition(current.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrOrderInvalidState, current.Status, target)
		}

		update := repositories.OrderStatusUpdate{
			OrderID:   orderID,
			Status:    target,
			UpdatedAt: now,
		}
		switch target {
		case domain.OrderStatusShipped:
			if current.ShippedAt == nil {
				update.ShippedAt = &now
			}
		case domain.OrderStatusDelivered:
			if current.DeliveredAt == nil {
				update.DeliveredAt = &now
			}
		}

		updated, err = s.orders.UpdateStatus(txCtx, update)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		changed = true

		return s.audit.Record(txCtx, AuditRecord{
			OrderID:          orderID,
			Actor:            cmd.Actor,
			Action:           auditActionStatusUpdate,
			OldStatus:        current.Status,
			NewStatus:        target,
			OldPaymentStatus: current.PaymentStatus,
			NewPaymentStatus: updated.PaymentStatus,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	if changed {
		s.cache.Delete(ctx, OrderCacheKey(orderID))
		publishOrderEvent(ctx, s.events, s.logger, newOrderEvent(OrderEventStatusChanged, updated, previous, cmd.Actor, now))
	}
	return updated, nil
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) mapRepositoryError(err error) error {
	return mapOrderRepositoryError(err)
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func normalizeOrderItem(index int, input OrderItemInput) (domain.OrderItem, error) {
	name := sanitizeText(input.Name, maxBuyerFieldLength)
	if name == "" {
		return domain.OrderItem{}, fmt.Errorf("%w: items[%d].name is required", ErrOrderInvalidInput, index)
	}
	if input.Quantity <= 0 {
		return domain.OrderItem{}, fmt.Errorf("%w: items[%d].quantity must be positive", ErrOrderInvalidInput, index)
	}
	if !input.UnitPrice.IsPositive() {
		return domain.OrderItem{}, fmt.Errorf("%w: items[%d].unit_price must be positive", ErrOrderInvalidInput, index)
	}
	return domain.OrderItem{
		ProductRef: strings.TrimSpace(input.ProductRef),
		Name:       name,
		Quantity:   input.Quantity,
		UnitPrice:  input.UnitPrice.Round(2),
	}, nil
}

func normalizeCurrency(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultCurrency, nil
	}
	unit, err := currency.ParseISO(strings.ToUpper(raw))
	if err != nil {
		return "", fmt.Errorf("%w: unknown currency %q", ErrOrderInvalidInput, raw)
	}
	return unit.String(), nil
}

func normalizePage(page, limit int) (int, int) {
	if page <= 0 {
		page = defaultOrderPage
	}
	switch {
	case limit <= 0:
		limit = defaultOrderLimit
	case limit > maxOrderLimit:
		limit = maxOrderLimit
	}
	return page, limit
}

func sanitizeText(value string, max int) string {
	cleaned := strings.TrimSpace(strictText.Sanitize(value))
	if max > 0 {
		runes := []rune(cleaned)
		if len(runes) > max {
			cleaned = string(runes[:max])
		}
	}
	return cleaned
}

func actorOrSystem(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return systemActor
}
