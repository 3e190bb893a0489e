package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines page/limit inputs for offset based list operations.
type Pagination struct {
	Page  int
	Limit int
}

// Offset returns the number of rows skipped for the page.
func (p Pagination) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	return (p.Page - 1) * p.Limit
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment confirmation.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates the payment was approved.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the buyer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order will not be fulfilled.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses lists every order status in pipeline order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid reports whether the status is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	for _, candidate := range OrderStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// PaymentStatus is the local projection of the gateway payment state.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// PaymentStatuses lists every payment status.
var PaymentStatuses = []PaymentStatus{
	PaymentStatusPending,
	PaymentStatusCompleted,
	PaymentStatusFailed,
	PaymentStatusRefunded,
}

// Valid reports whether the status is one of the known payment statuses.
func (s PaymentStatus) Valid() bool {
	for _, candidate := range PaymentStatuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// Order captures order headers and line items returned to handlers/services.
type Order struct {
	ID                  string
	OrderNumber         string
	Status              OrderStatus
	PaymentStatus       PaymentStatus
	PaymentID           string
	PaymentStatusDetail string
	Currency            string
	TotalAmount         decimal.Decimal
	Items               []OrderItem
	Buyer               Buyer
	Notes               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ShippedAt           *time.Time
	DeliveredAt         *time.Time
	LastReconciledAt    *time.Time
}

// OrderItem is an immutable line captured at checkout.
type OrderItem struct {
	ProductRef string
	Name       string
	Quantity   int
	UnitPrice  decimal.Decimal
}

// Subtotal returns quantity multiplied by unit price.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Buyer holds the contact details forwarded to the payment gateway.
type Buyer struct {
	Name  string
	Email string
	Phone string
}

// OrderAuditEntry records a single mutation of an order.
type OrderAuditEntry struct {
	ID               string
	OrderID          string
	Actor            string
	Action           string
	OldStatus        OrderStatus
	NewStatus        OrderStatus
	OldPaymentStatus PaymentStatus
	NewPaymentStatus PaymentStatus
	Metadata         map[string]any
	CreatedAt        time.Time
}

// PaymentSnapshot is the read-only view of a gateway payment.
type PaymentSnapshot struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	Amount            decimal.Decimal
	Currency          string
	ApprovedAt        *time.Time
	LastUpdatedAt     *time.Time
}

// Timestamp returns the most precise gateway timestamp available for ordering snapshots.
func (p PaymentSnapshot) Timestamp() *time.Time {
	if p.LastUpdatedAt != nil && !p.LastUpdatedAt.IsZero() {
		return p.LastUpdatedAt
	}
	if p.ApprovedAt != nil && !p.ApprovedAt.IsZero() {
		return p.ApprovedAt
	}
	return nil
}

// PaymentPreference is the gateway checkout handle created for an order.
type PaymentPreference struct {
	ID                 string
	RedirectURL        string
	SandboxRedirectURL string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates a dependency is slow or failing but the service can still answer.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates a critical dependency is unavailable.
	HealthStatusError = "error"
)

// HealthCheck is the outcome of one dependency probe.
type HealthCheck struct {
	Status    string
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// HealthReport aggregates dependency probes for /readyz.
type HealthReport struct {
	Status      string
	Checks      map[string]HealthCheck
	Version     string
	Commit      string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
