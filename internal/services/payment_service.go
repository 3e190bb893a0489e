package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/payments"
	"github.com/tiendaflow/api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals a malformed payment request.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates the gateway does not know the payment.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentUnavailable wraps gateway failures surfaced to the client as 502.
	ErrPaymentUnavailable = errors.New("payment: gateway unavailable")
	// ErrPaymentOrderState indicates the order can no longer be paid.
	ErrPaymentOrderState = errors.New("payment: order not payable")
)

// PaymentGateway is the subset of payments.Manager used by services.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, req payments.PreferenceRequest) (domain.PaymentPreference, error)
	GetPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error)
}

// CheckoutURLs are the browser redirect and notification targets sent with every preference.
type CheckoutURLs struct {
	Success      string
	Failure      string
	Pending      string
	Notification string
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Orders  repositories.OrderRepository
	Gateway PaymentGateway
	URLs    CheckoutURLs
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	orders  repositories.OrderRepository
	gateway PaymentGateway
	urls    CheckoutURLs
	logger  func(context.Context, string, map[string]any)
}

var _ PaymentService = (*paymentService)(nil)

// NewPaymentService wires the order store and gateway into a PaymentService.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentService{
		orders:  deps.Orders,
		gateway: deps.Gateway,
		urls:    deps.URLs,
		logger:  logger,
	}, nil
}

func (s *paymentService) CreatePreference(ctx context.Context, orderID string) (domain.PaymentPreference, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.PaymentPreference{}, fmt.Errorf("%w: order_id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.PaymentPreference{}, mapOrderRepositoryError(err)
	}
	if !payable(order) {
		return domain.PaymentPreference{}, fmt.Errorf("%w: order %s is %s/%s", ErrPaymentOrderState, order.OrderNumber, order.Status, order.PaymentStatus)
	}

	pref, err := s.gateway.CreatePreference(ctx, buildPreferenceRequest(order, s.urls))
	if err != nil {
		s.logger(ctx, "payment.preference.failed", map[string]any{
			"order": order.ID,
			"error": err.Error(),
		})
		return domain.PaymentPreference{}, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	s.logger(ctx, "payment.preference.created", map[string]any{
		"order":      order.ID,
		"preference": pref.ID,
	})
	return pref, nil
}

func (s *paymentService) GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.PaymentSnapshot{}, fmt.Errorf("%w: payment id is required", ErrPaymentInvalidInput)
	}
	snapshot, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return domain.PaymentSnapshot{}, mapGatewayError(err)
	}
	return snapshot, nil
}

// payable admits open orders and orders cancelled only by a declined payment, so buyers can retry.
func payable(order domain.Order) bool {
	switch order.PaymentStatus {
	case domain.PaymentStatusCompleted, domain.PaymentStatusRefunded:
		return false
	}
	if order.Status == domain.OrderStatusCancelled {
		return order.PaymentStatus == domain.PaymentStatusFailed
	}
	return true
}

func buildPreferenceRequest(order domain.Order, urls CheckoutURLs) payments.PreferenceRequest {
	items := make([]payments.PreferenceItem, 0, len(order.Items))
	for i, item := range order.Items {
		id := item.ProductRef
		if id == "" {
			id = fmt.Sprintf("%s-%d", order.OrderNumber, i+1)
		}
		items = append(items, payments.PreferenceItem{
			ID:        id,
			Title:     item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return payments.PreferenceRequest{
		ExternalReference: order.OrderNumber,
		Currency:          order.Currency,
		Items:             items,
		Payer: payments.Payer{
			Name:  order.Buyer.Name,
			Email: order.Buyer.Email,
			Phone: order.Buyer.Phone,
		},
		BackURLs: payments.BackURLs{
			Success: urls.Success,
			Failure: urls.Failure,
			Pending: urls.Pending,
		},
		NotificationURL: urls.Notification,
	}
}

func mapGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrPaymentNotFound):
		return fmt.Errorf("%w: %v", ErrPaymentNotFound, err)
	default:
		return fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}
}
