package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/payments"
	"github.com/tiendaflow/api/internal/repositories"
)

type repoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repoError) Error() string       { return "repository error" }
func (e repoError) IsNotFound() bool    { return e.notFound }
func (e repoError) IsConflict() bool    { return e.conflict }
func (e repoError) IsUnavailable() bool { return e.unavailable }

// memOrderRepo mirrors the conditional semantics of the postgres repository.
type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	seq    int64
	finds  int

	applyErr    error
	beforeApply func(*domain.Order)
}

func newMemOrderRepo(orders ...domain.Order) *memOrderRepo {
	repo := &memOrderRepo{orders: make(map[string]domain.Order), seq: 999}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (r *memOrderRepo) NextOrderNumber(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *memOrderRepo) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.OrderNumber == order.OrderNumber {
			return repoError{conflict: true}
		}
	}
	r.orders[order.ID] = order
	return nil
}

func (r *memOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finds++
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repoError{notFound: true}
	}
	return order, nil
}

func (r *memOrderRepo) FindByNumber(_ context.Context, number string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.OrderNumber == number {
			return order, nil
		}
	}
	return domain.Order{}, repoError{notFound: true}
}

func (r *memOrderRepo) List(_ context.Context, filter repositories.OrderListFilter) ([]domain.Order, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []domain.Order
	for _, order := range r.orders {
		if filter.Status != nil && order.Status != *filter.Status {
			continue
		}
		if filter.PaymentStatus != nil && order.PaymentStatus != *filter.PaymentStatus {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(order.OrderNumber+" "+order.Buyer.Name+" "+order.Buyer.Email), strings.ToLower(filter.Search)) {
			continue
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := len(matched)
	start := filter.Pagination.Offset()
	if start > total {
		start = total
	}
	end := start + filter.Pagination.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *memOrderRepo) UpdateStatus(_ context.Context, update repositories.OrderStatusUpdate) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[update.OrderID]
	if !ok {
		return domain.Order{}, repoError{notFound: true}
	}
	order.Status = update.Status
	order.UpdatedAt = update.UpdatedAt
	if order.ShippedAt == nil && update.ShippedAt != nil {
		order.ShippedAt = update.ShippedAt
	}
	if order.DeliveredAt == nil && update.DeliveredAt != nil {
		order.DeliveredAt = update.DeliveredAt
	}
	r.orders[order.ID] = order
	return order, nil
}

func (r *memOrderRepo) ApplyReconciliation(_ context.Context, update repositories.PaymentReconciliation) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.applyErr != nil {
		return domain.Order{}, false, r.applyErr
	}
	for id, order := range r.orders {
		if order.OrderNumber != update.OrderNumber {
			continue
		}
		if r.beforeApply != nil {
			r.beforeApply(&order)
		}
		if update.ReconciledAt != nil && order.LastReconciledAt != nil && !order.LastReconciledAt.Before(*update.ReconciledAt) {
			return order, false, nil
		}
		order.Status = update.Status
		order.PaymentStatus = update.PaymentStatus
		order.PaymentID = update.PaymentID
		order.PaymentStatusDetail = update.StatusDetail
		if update.ReconciledAt != nil {
			ts := *update.ReconciledAt
			order.LastReconciledAt = &ts
		}
		order.UpdatedAt = update.UpdatedAt
		r.orders[id] = order
		return order, true, nil
	}
	return domain.Order{}, false, repoError{notFound: true}
}

func (r *memOrderRepo) get(id string) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

type memAuditRepo struct {
	mu        sync.Mutex
	entries   []domain.OrderAuditEntry
	appendErr error
}

func (r *memAuditRepo) Append(_ context.Context, entry domain.OrderAuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memAuditRepo) ListByOrder(_ context.Context, orderID string, limit int) ([]domain.OrderAuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderAuditEntry
	for _, entry := range r.entries {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memAuditRepo) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry.Action)
	}
	return out
}

// txUnitOfWork counts transactions and the ones whose callback failed.
type txUnitOfWork struct {
	calls    int
	failures int
}

func (u *txUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	u.calls++
	err := fn(ctx)
	if err != nil {
		u.failures++
	}
	return err
}

type stubGateway struct {
	mu       sync.Mutex
	payments map[string]domain.PaymentSnapshot
	getErr   error
	prefErr  error
	lastPref []payments.PreferenceRequest
	getCalls int
}

func newStubGateway() *stubGateway {
	return &stubGateway{payments: make(map[string]domain.PaymentSnapshot)}
}

func (g *stubGateway) set(snapshot domain.PaymentSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[snapshot.ID] = snapshot
}

func (g *stubGateway) CreatePreference(_ context.Context, req payments.PreferenceRequest) (domain.PaymentPreference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.prefErr != nil {
		return domain.PaymentPreference{}, g.prefErr
	}
	g.lastPref = append(g.lastPref, req)
	return domain.PaymentPreference{ID: "pref_" + req.ExternalReference, RedirectURL: "https://pay.example/" + req.ExternalReference}, nil
}

func (g *stubGateway) GetPayment(_ context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	if g.getErr != nil {
		return domain.PaymentSnapshot{}, g.getErr
	}
	snapshot, ok := g.payments[paymentID]
	if !ok {
		return domain.PaymentSnapshot{}, fmt.Errorf("%w: %s", payments.ErrPaymentNotFound, paymentID)
	}
	return snapshot, nil
}

type captureOrderEvents struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (c *captureOrderEvents) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureOrderEvents) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, event := range c.events {
		out = append(out, event.Type)
	}
	return out
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func timePtr(ts time.Time) *time.Time {
	return &ts
}
