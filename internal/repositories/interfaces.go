package repositories

import (
	"context"
	"time"

	domain "github.com/tiendaflow/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderListFilter narrows order listings. Empty fields are ignored and set fields are AND-ed.
type OrderListFilter struct {
	Status        *domain.OrderStatus
	PaymentStatus *domain.PaymentStatus
	Search        string
	Pagination    domain.Pagination
}

// OrderStatusUpdate describes a manual status change. Nil timestamps leave the stored value untouched.
type OrderStatusUpdate struct {
	OrderID     string
	Status      domain.OrderStatus
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	UpdatedAt   time.Time
}

// PaymentReconciliation carries the pair written by the reconciliation engine.
type PaymentReconciliation struct {
	OrderNumber   string
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
	PaymentID     string
	StatusDetail  string
	// ReconciledAt is the gateway timestamp of the snapshot. Nil skips the monotonic comparison.
	ReconciledAt *time.Time
	UpdatedAt    time.Time
}

// OrderRepository persists orders and their line items.
type OrderRepository interface {
	NextOrderNumber(ctx context.Context) (int64, error)
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, int, error)
	UpdateStatus(ctx context.Context, update OrderStatusUpdate) (domain.Order, error)
	// ApplyReconciliation writes status and payment status together. It reports false without error when
	// the stored last_reconciled_at is not older than the update.
	ApplyReconciliation(ctx context.Context, update PaymentReconciliation) (domain.Order, bool, error)
}

// AuditLogRepository appends order audit entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.OrderAuditEntry) error
	ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.OrderAuditEntry, error)
}

// HealthRepository reports dependency health for readiness probes.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.HealthReport, error)
}
