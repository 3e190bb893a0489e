package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/tiendaflow/api/internal/domain"
)

const defaultCallTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/tiendaflow/api/internal/payments")

var (
	// ErrUnsupportedGateway is returned when the manager cannot locate a gateway.
	ErrUnsupportedGateway = errors.New("payments: unsupported gateway")
	// ErrPaymentNotFound is returned when the gateway does not know the payment id.
	ErrPaymentNotFound = errors.New("payments: payment not found")
	// ErrGatewayMisconfigured indicates missing or rejected gateway credentials.
	ErrGatewayMisconfigured = errors.New("payments: gateway misconfigured")
)

// PreferenceItem is one line forwarded to the gateway checkout.
type PreferenceItem struct {
	ID        string
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Payer carries the buyer contact information.
type Payer struct {
	Name  string
	Email string
	Phone string
}

// BackURLs are the browser redirect targets for each checkout outcome.
type BackURLs struct {
	Success string
	Failure string
	Pending string
}

// PreferenceRequest describes the checkout the gateway should create for an order.
type PreferenceRequest struct {
	ExternalReference string
	Currency          string
	Items             []PreferenceItem
	Payer             Payer
	BackURLs          BackURLs
	NotificationURL   string
	IdempotencyKey    string
}

// Gateway is the contract every payment gateway adapter implements.
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (domain.PaymentPreference, error)
	GetPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error)
}

// PaymentOwner is implemented by gateways that can recognise their own payment ids.
type PaymentOwner interface {
	OwnsPayment(paymentID string) bool
}

// Manager selects a gateway per call and bounds every remote call with a timeout.
type Manager struct {
	gateways       map[string]Gateway
	defaultGateway string
	timeout        time.Duration
}

var _ Gateway = (*Manager)(nil)

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultGateway overrides the gateway used when the caller has no preference.
func WithDefaultGateway(name string) ManagerOption {
	return func(m *Manager) {
		m.defaultGateway = normaliseName(name)
	}
}

// WithCallTimeout bounds each gateway call.
func WithCallTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager constructs a Manager over the supplied gateways.
func NewManager(gateways map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("payments: at least one gateway is required")
	}
	registered := make(map[string]Gateway, len(gateways))
	for name, gw := range gateways {
		key := normaliseName(name)
		if key == "" || gw == nil {
			return nil, fmt.Errorf("payments: invalid gateway registration for key %q", name)
		}
		registered[key] = gw
	}
	m := &Manager{gateways: registered, timeout: defaultCallTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.defaultGateway != "" {
		if _, ok := registered[m.defaultGateway]; !ok {
			return nil, fmt.Errorf("payments: default gateway %q not registered", m.defaultGateway)
		}
	}
	return m, nil
}

// Gateway returns the named gateway, or the default one when name is empty.
func (m *Manager) Gateway(name string) (string, Gateway, error) {
	if m == nil || len(m.gateways) == 0 {
		return "", nil, ErrUnsupportedGateway
	}
	if key := normaliseName(name); key != "" {
		if gw, ok := m.gateways[key]; ok {
			return key, gw, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedGateway, key)
	}
	if m.defaultGateway != "" {
		return m.defaultGateway, m.gateways[m.defaultGateway], nil
	}
	if len(m.gateways) == 1 {
		for key, gw := range m.gateways {
			return key, gw, nil
		}
	}
	return "", nil, ErrUnsupportedGateway
}

// CreatePreference delegates to the default gateway.
func (m *Manager) CreatePreference(ctx context.Context, req PreferenceRequest) (domain.PaymentPreference, error) {
	name, gw, err := m.Gateway("")
	if err != nil {
		return domain.PaymentPreference{}, err
	}

	ctx, span := tracer.Start(ctx, "payments.CreatePreference", trace.WithAttributes(
		attribute.String("payments.gateway", name),
		attribute.String("payments.external_reference", req.ExternalReference),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	pref, err := gw.CreatePreference(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create preference failed")
		return domain.PaymentPreference{}, err
	}
	return pref, nil
}

// GetPayment routes to the gateway that owns the id, falling back to the default gateway.
func (m *Manager) GetPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	name, gw, err := m.gatewayForPayment(paymentID)
	if err != nil {
		return domain.PaymentSnapshot{}, err
	}

	ctx, span := tracer.Start(ctx, "payments.GetPayment", trace.WithAttributes(
		attribute.String("payments.gateway", name),
		attribute.String("payments.payment_id", paymentID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	snapshot, err := gw.GetPayment(ctx, paymentID)
	if err != nil {
		if !errors.Is(err, ErrPaymentNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "get payment failed")
		}
		return domain.PaymentSnapshot{}, err
	}
	span.SetAttributes(attribute.String("payments.status", snapshot.Status))
	return snapshot, nil
}

func (m *Manager) gatewayForPayment(paymentID string) (string, Gateway, error) {
	if m != nil {
		for name, gw := range m.gateways {
			if owner, ok := gw.(PaymentOwner); ok && owner.OwnsPayment(paymentID) {
				return name, gw, nil
			}
		}
	}
	return m.Gateway("")
}

func normaliseName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
