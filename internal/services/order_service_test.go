package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/platform/cache"
)

func newTestOrderService(t *testing.T, repo *memOrderRepo, audit *memAuditRepo, events OrderEventPublisher, c *cache.Cache, now time.Time) OrderService {
	t.Helper()
	auditSvc, err := NewAuditLogService(AuditLogServiceDeps{Repository: audit, Clock: fixedClock(now)})
	if err != nil {
		t.Fatalf("audit service: %v", err)
	}
	ids := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:     repo,
		Audit:      auditSvc,
		UnitOfWork: &txUnitOfWork{},
		Cache:      c,
		CacheTTL:   time.Minute,
		Clock:      fixedClock(now),
		IDGenerator: func() string {
			ids++
			return fmt.Sprintf("01HTEST%04d", ids)
		},
		Events: events,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	return svc
}

func TestOrderServiceCreate(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo()
	audit := &memAuditRepo{}
	events := &captureOrderEvents{}
	svc := newTestOrderService(t, repo, audit, events, nil, now)

	order, err := svc.Create(context.Background(), CreateOrderCommand{
		Items: []OrderItemInput{
			{ProductRef: "sku-1", Name: "Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")},
			{ProductRef: "sku-2", Name: "<b>Tee</b>", Quantity: 1, UnitPrice: decimal.RequireFromString("20")},
		},
		Buyer:    domain.Buyer{Name: "Ana <script>x</script>", Email: "ANA@Example.com"},
		Currency: "ars",
		Actor:    "checkout",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if order.OrderNumber != "ORD-1000" {
		t.Fatalf("expected ORD-1000, got %s", order.OrderNumber)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("45")) {
		t.Fatalf("expected total 45, got %s", order.TotalAmount)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected pending/pending, got %s/%s", order.Status, order.PaymentStatus)
	}
	if order.Currency != "ARS" {
		t.Fatalf("expected ARS, got %s", order.Currency)
	}
	if order.Items[1].Name != "Tee" {
		t.Fatalf("expected sanitized item name, got %q", order.Items[1].Name)
	}
	if order.Buyer.Name != "Ana" || order.Buyer.Email != "ana@example.com" {
		t.Fatalf("unexpected buyer %+v", order.Buyer)
	}
	if got := audit.actions(); len(got) != 1 || got[0] != auditActionOrderCreate {
		t.Fatalf("expected one create audit row, got %v", got)
	}
	if got := events.types(); len(got) != 1 || got[0] != OrderEventCreated {
		t.Fatalf("expected created event, got %v", got)
	}
}

func TestOrderServiceCreateValidation(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	wrongTotal := decimal.RequireFromString("99.99")
	matchingTotal := decimal.RequireFromString("25.00")

	cases := []struct {
		name    string
		cmd     CreateOrderCommand
		wantErr bool
	}{
		{name: "no items", cmd: CreateOrderCommand{}, wantErr: true},
		{name: "zero quantity", cmd: CreateOrderCommand{Items: []OrderItemInput{{Name: "Mug", Quantity: 0, UnitPrice: decimal.NewFromInt(1)}}}, wantErr: true},
		{name: "zero price", cmd: CreateOrderCommand{Items: []OrderItemInput{{Name: "Mug", Quantity: 1}}}, wantErr: true},
		{name: "blank name", cmd: CreateOrderCommand{Items: []OrderItemInput{{Name: "  ", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}}}, wantErr: true},
		{name: "bad currency", cmd: CreateOrderCommand{Currency: "XYZW", Items: []OrderItemInput{{Name: "Mug", Quantity: 1, UnitPrice: decimal.NewFromInt(1)}}}, wantErr: true},
		{name: "total mismatch", cmd: CreateOrderCommand{TotalAmount: &wrongTotal, Items: []OrderItemInput{{Name: "Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")}}}, wantErr: true},
		{name: "total matches", cmd: CreateOrderCommand{TotalAmount: &matchingTotal, Items: []OrderItemInput{{Name: "Mug", Quantity: 2, UnitPrice: decimal.RequireFromString("12.50")}}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemOrderRepo()
			svc := newTestOrderService(t, repo, &memAuditRepo{}, nil, nil, now)
			_, err := svc.Create(context.Background(), tc.cmd)
			if tc.wantErr {
				if !errors.Is(err, ErrOrderInvalidInput) {
					t.Fatalf("expected invalid input, got %v", err)
				}
				if len(repo.orders) != 0 {
					t.Fatalf("expected nothing persisted")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestOrderServiceUpdateStatusFollowsTransitionTable(t *testing.T) {
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo(domain.Order{ID: "ord_1", OrderNumber: "ORD-1001", Status: domain.OrderStatusPending, PaymentStatus: domain.PaymentStatusPending})
	audit := &memAuditRepo{}
	events := &captureOrderEvents{}
	svc := newTestOrderService(t, repo, audit, events, nil, now)
	ctx := context.Background()

	if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: "delivered"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state for pending->delivered, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: "teleported"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "missing", Status: "confirmed"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	for _, status := range []string{"confirmed", "shipped", "delivered"} {
		if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: status, Actor: "staff:1"}); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	if _, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: "cancelled"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected delivered to be terminal, got %v", err)
	}

	if got := len(audit.actions()); got != 3 {
		t.Fatalf("expected 3 audit rows, got %d", got)
	}
	if got := len(events.types()); got != 3 {
		t.Fatalf("expected 3 events, got %d", got)
	}
}

func TestOrderServiceUpdateStatusStampsOnce(t *testing.T) {
	shippedAt := time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)
	now := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo(domain.Order{ID: "ord_1", OrderNumber: "ORD-1001", Status: domain.OrderStatusShipped, ShippedAt: &shippedAt})
	audit := &memAuditRepo{}
	svc := newTestOrderService(t, repo, audit, nil, nil, now)
	ctx := context.Background()

	// same status is accepted without a write
	order, err := svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: "shipped"})
	if err != nil {
		t.Fatalf("same status: %v", err)
	}
	if !order.ShippedAt.Equal(shippedAt) {
		t.Fatalf("shipped_at overwritten: %v", order.ShippedAt)
	}
	if len(audit.actions()) != 0 {
		t.Fatalf("expected no audit row for a same-status update")
	}

	order, err = svc.UpdateStatus(ctx, UpdateOrderStatusCommand{OrderID: "ord_1", Status: "delivered"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if order.DeliveredAt == nil || !order.DeliveredAt.Equal(now) {
		t.Fatalf("expected delivered_at %v, got %v", now, order.DeliveredAt)
	}
	if !order.ShippedAt.Equal(shippedAt) {
		t.Fatalf("shipped_at changed on delivery: %v", order.ShippedAt)
	}
}

func TestOrderServiceListDefaults(t *testing.T) {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var seed []domain.Order
	for i := 0; i < 25; i++ {
		seed = append(seed, domain.Order{
			ID:          fmt.Sprintf("ord_%02d", i),
			OrderNumber: fmt.Sprintf("ORD-%d", 1000+i),
			Status:      domain.OrderStatusPending,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
	}
	svc := newTestOrderService(t, newMemOrderRepo(seed...), &memAuditRepo{}, nil, nil, base)
	ctx := context.Background()

	page, err := svc.List(ctx, OrderListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Page != 1 || page.Limit != 20 || page.Total != 25 || len(page.Items) != 20 {
		t.Fatalf("unexpected page %d/%d total=%d items=%d", page.Page, page.Limit, page.Total, len(page.Items))
	}
	if page.Items[0].OrderNumber != "ORD-1024" {
		t.Fatalf("expected newest first, got %s", page.Items[0].OrderNumber)
	}

	page, err = svc.List(ctx, OrderListFilter{Limit: 1000, Page: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Limit != 100 || len(page.Items) != 0 {
		t.Fatalf("expected capped limit and empty second page, got limit=%d items=%d", page.Limit, len(page.Items))
	}

	if _, err := svc.List(ctx, OrderListFilter{Status: "lost"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected invalid input for unknown status filter, got %v", err)
	}
}

func TestOrderServiceGetByIDUsesCache(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo(domain.Order{ID: "ord_1", OrderNumber: "ORD-1001", Status: domain.OrderStatusPending, TotalAmount: decimal.RequireFromString("10.00")})
	svc := newTestOrderService(t, repo, &memAuditRepo{}, nil, cache.New(cache.NewMemoryStore()), now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		order, err := svc.GetByID(ctx, "ord_1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if order.OrderNumber != "ORD-1001" || !order.TotalAmount.Equal(decimal.RequireFromString("10")) {
			t.Fatalf("unexpected order %+v", order)
		}
	}
	if repo.finds != 1 {
		t.Fatalf("expected one repository read, got %d", repo.finds)
	}

	if _, err := svc.GetByID(ctx, "missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderServiceGetByIDWithoutCache(t *testing.T) {
	repo := newMemOrderRepo(domain.Order{ID: "ord_1", OrderNumber: "ORD-1001"})
	svc := newTestOrderService(t, repo, &memAuditRepo{}, nil, cache.New(nil), time.Now())

	for i := 0; i < 2; i++ {
		if _, err := svc.GetByID(context.Background(), "ord_1"); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	if repo.finds != 2 {
		t.Fatalf("expected every read to hit the repository, got %d", repo.finds)
	}
}
