package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/platform/inbox"
)

// OrderService exposes order creation, lookup and manual status changes.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (OrderPage, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
}

// PaymentService creates gateway checkouts and proxies payment lookups.
type PaymentService interface {
	CreatePreference(ctx context.Context, orderID string) (domain.PaymentPreference, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error)
}

// ReconciliationService applies the authoritative gateway state of a payment to its order.
type ReconciliationService interface {
	Reconcile(ctx context.Context, paymentID string) (ReconcileResult, error)
	// HandleMessage is the inbox handler. Failures that retrying cannot fix are marked permanent.
	HandleMessage(ctx context.Context, msg inbox.Message) error
}

// WebhookService accepts gateway notifications and manages the durable inbox behind them.
type WebhookService interface {
	Ingest(ctx context.Context, notification WebhookNotification) (WebhookReceipt, error)
	ListInbox(ctx context.Context, state inbox.State, limit int) ([]inbox.Message, error)
	Replay(ctx context.Context, messageID string) (inbox.Message, error)
}

// AuditLogService writes order audit entries.
type AuditLogService interface {
	// Record appends the entry and returns repository errors so callers inside a transaction can roll back.
	Record(ctx context.Context, record AuditRecord) error
	// RecordBestEffort logs failures instead of returning them.
	RecordBestEffort(ctx context.Context, record AuditRecord)
	ListByOrder(ctx context.Context, orderID string, limit int) ([]domain.OrderAuditEntry, error)
}

// SystemService reports service health.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.HealthReport, error)
}

// OrderItemInput is one checkout line as submitted by the buyer.
type OrderItemInput struct {
	ProductRef string
	Name       string
	Quantity   int
	UnitPrice  decimal.Decimal
}

// CreateOrderCommand carries checkout input. TotalAmount, when set, must equal the computed total.
type CreateOrderCommand struct {
	Items       []OrderItemInput
	Buyer       domain.Buyer
	Notes       string
	Currency    string
	TotalAmount *decimal.Decimal
	Actor       string
}

// OrderListFilter narrows List. Page and Limit default to 1 and 20.
type OrderListFilter struct {
	Status        string
	PaymentStatus string
	Search        string
	Page          int
	Limit         int
}

// OrderPage is one page of orders with the total match count.
type OrderPage struct {
	Items []domain.Order
	Total int
	Page  int
	Limit int
}

// UpdateOrderStatusCommand requests a manual status change.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  string
	Actor   string
}

// AuditRecord is the service-level input for an audit entry.
type AuditRecord struct {
	OrderID          string
	Actor            string
	Action           string
	OldStatus        domain.OrderStatus
	NewStatus        domain.OrderStatus
	OldPaymentStatus domain.PaymentStatus
	NewPaymentStatus domain.PaymentStatus
	Metadata         map[string]any
}

// WebhookNotification is the subset of a gateway notification the ingestor looks at.
type WebhookNotification struct {
	Type   string
	Action string
	DataID string
}

// WebhookReceipt reports what Ingest did with a notification.
type WebhookReceipt struct {
	Queued    bool
	MessageID string
}

// ReconcileOutcome labels the result of one reconciliation.
type ReconcileOutcome string

const (
	ReconcileApplied    ReconcileOutcome = "applied"
	ReconcileNoop       ReconcileOutcome = "noop"
	ReconcileStale      ReconcileOutcome = "stale"
	ReconcileSuppressed ReconcileOutcome = "suppressed"
	ReconcileNotFound   ReconcileOutcome = "not_found"
	ReconcileFailed     ReconcileOutcome = "error"
)

// ReconcileResult describes a finished reconciliation.
type ReconcileResult struct {
	PaymentID     string
	OrderID       string
	OrderNumber   string
	GatewayStatus string
	Outcome       ReconcileOutcome
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
	ReconciledAt  *time.Time
}
