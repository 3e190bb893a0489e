package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/platform/auth"
	"github.com/tiendaflow/api/internal/platform/cache"
	"github.com/tiendaflow/api/internal/platform/httpx"
	"github.com/tiendaflow/api/internal/services"
)

const (
	maxOrderBodySize       = 64 * 1024
	maxOrderStatusBodySize = 1024
	orderCachePrefix       = "orders"
	orderCachePattern      = "orders:*"
)

// OrderHandlersDeps bundles collaborators for the /orders routes.
type OrderHandlersDeps struct {
	Orders services.OrderService
	Cache  *cache.Cache
	TTL    time.Duration
	// Staff guards the list and status routes. Nil leaves them open.
	Staff func(http.Handler) http.Handler
	// Idempotency wraps order creation.
	Idempotency func(http.Handler) http.Handler
}

// OrderHandlers exposes checkout creation, reads and staff status updates.
type OrderHandlers struct {
	orders      services.OrderService
	cache       *cache.Cache
	ttl         time.Duration
	staff       func(http.Handler) http.Handler
	idempotency func(http.Handler) http.Handler
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(deps OrderHandlersDeps) *OrderHandlers {
	return &OrderHandlers{
		orders:      deps.Orders,
		cache:       deps.Cache,
		ttl:         deps.TTL,
		staff:       deps.Staff,
		idempotency: deps.Idempotency,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	cached := cache.ResponseCache(h.cache, orderCachePrefix, h.ttl)
	invalidate := cache.InvalidateOnSuccess(h.cache, orderCachePattern)

	r.With(optional(h.idempotency), invalidate).Post("/", h.createOrder)
	r.With(cached).Get("/{orderID}", h.getOrder)

	r.Group(func(staff chi.Router) {
		staff.Use(optional(h.staff))
		staff.With(cached).Get("/", h.listOrders)
		staff.With(invalidate).Patch("/{orderID}/status", h.updateOrderStatus)
	})
}

type createOrderItemRequest struct {
	ProductRef string          `json:"product_ref"`
	Name       string          `json:"name"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type buyerPayload struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type createOrderRequest struct {
	Items       []createOrderItemRequest `json:"items"`
	Buyer       buyerPayload             `json:"buyer"`
	Notes       string                   `json:"notes"`
	Currency    string                   `json:"currency"`
	TotalAmount *decimal.Decimal         `json:"total_amount"`
}

type updateOrderStatusRequest struct {
	Status string `json:"status"`
}

type orderItemPayload struct {
	ProductRef string `json:"product_ref,omitempty"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitPrice  string `json:"unit_price"`
	Subtotal   string `json:"subtotal"`
}

type orderPayload struct {
	ID                  string             `json:"id"`
	OrderNumber         string             `json:"order_number"`
	Status              string             `json:"status"`
	PaymentStatus       string             `json:"payment_status"`
	PaymentID           string             `json:"payment_id,omitempty"`
	PaymentStatusDetail string             `json:"payment_status_detail,omitempty"`
	Currency            string             `json:"currency"`
	TotalAmount         string             `json:"total_amount"`
	Items               []orderItemPayload `json:"items"`
	Buyer               *buyerPayload      `json:"buyer,omitempty"`
	Notes               string             `json:"notes,omitempty"`
	CreatedAt           string             `json:"created_at"`
	UpdatedAt           string             `json:"updated_at"`
	ShippedAt           string             `json:"shipped_at,omitempty"`
	DeliveredAt         string             `json:"delivered_at,omitempty"`
	LastReconciledAt    string             `json:"last_reconciled_at,omitempty"`
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createOrderRequest
	if decodeErr := httpx.DecodeJSON(w, r, &req, maxOrderBodySize); decodeErr != nil {
		httpx.WriteError(ctx, w, *decodeErr)
		return
	}

	items := make([]services.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemInput{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		Items:       items,
		Buyer:       domain.Buyer{Name: req.Buyer.Name, Email: req.Buyer.Email, Phone: req.Buyer.Phone},
		Notes:       req.Notes,
		Currency:    req.Currency,
		TotalAmount: req.TotalAmount,
		Actor:       actorFromContext(ctx, "checkout"),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	w.Header().Set("Location", defaultAPIPrefix+"/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetByID(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildPublicOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	page, ok := parseIntParam(query.Get("page"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page must be an integer", http.StatusBadRequest))
		return
	}
	limit, ok := parseIntParam(query.Get("limit"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
		return
	}

	result, err := h.orders.List(ctx, services.OrderListFilter{
		Status:        query.Get("status"),
		PaymentStatus: query.Get("payment_status"),
		Search:        query.Get("search"),
		Page:          page,
		Limit:         limit,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(result.Items))
	for _, order := range result.Items {
		items = append(items, buildOrderPayload(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items: items,
		Total: result.Total,
		Page:  result.Page,
		Limit: result.Limit,
	})
}

func (h *OrderHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req updateOrderStatusRequest
	if decodeErr := httpx.DecodeJSON(w, r, &req, maxOrderStatusBodySize); decodeErr != nil {
		httpx.WriteError(ctx, w, *decodeErr)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: orderID,
		Status:  req.Status,
		Actor:   actorFromContext(ctx, ""),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderPayload(order))
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice.StringFixed(2),
			Subtotal:   item.Subtotal().StringFixed(2),
		})
	}
	return orderPayload{
		ID:                  order.ID,
		OrderNumber:         order.OrderNumber,
		Status:              string(order.Status),
		PaymentStatus:       string(order.PaymentStatus),
		PaymentID:           order.PaymentID,
		PaymentStatusDetail: order.PaymentStatusDetail,
		Currency:            order.Currency,
		TotalAmount:         order.TotalAmount.StringFixed(2),
		Items:               items,
		Buyer:               &buyerPayload{Name: order.Buyer.Name, Email: order.Buyer.Email, Phone: order.Buyer.Phone},
		Notes:               order.Notes,
		CreatedAt:           formatTime(order.CreatedAt),
		UpdatedAt:           formatTime(order.UpdatedAt),
		ShippedAt:           formatTimePtr(order.ShippedAt),
		DeliveredAt:         formatTimePtr(order.DeliveredAt),
		LastReconciledAt:    formatTimePtr(order.LastReconciledAt),
	}
}

// buildPublicOrderPayload drops buyer contact details and notes. The route is
// unauthenticated and its responses are shared through the cache.
func buildPublicOrderPayload(order domain.Order) orderPayload {
	payload := buildOrderPayload(order)
	payload.Buyer = nil
	payload.Notes = ""
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseIntParam(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func actorFromContext(ctx context.Context, fallback string) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil {
		if actor := identity.Actor(); actor != "" {
			return actor
		}
	}
	return fallback
}

func optional(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return formatTime(*ts)
}
