package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"

	"github.com/tiendaflow/api/internal/platform/auth"
	"github.com/tiendaflow/api/internal/platform/httpx"
	"github.com/tiendaflow/api/internal/platform/inbox"
	"github.com/tiendaflow/api/internal/platform/requestctx"
	"github.com/tiendaflow/api/internal/services"
)

const (
	maxWebhookBodySize    = 64 * 1024
	maxPreferenceBodySize = 4 * 1024
)

// PaymentHandlersDeps bundles collaborators for the /payment routes.
type PaymentHandlersDeps struct {
	Payments services.PaymentService
	Webhooks services.WebhookService
	// Signatures verifies webhook signatures when enabled.
	Signatures *auth.WebhookSignatureVerifier
	// StripeEvents decodes Stripe event deliveries, verifying them when a signing secret is set.
	StripeEvents *auth.StripeEventVerifier
	// WebhookRate and WebhookBurst configure the per-IP webhook limiter; zero disables it.
	WebhookRate  float64
	WebhookBurst int
	Idempotency  func(http.Handler) http.Handler
	Clock        func() time.Time
}

// PaymentHandlers serves checkout preferences, payment lookups and the gateway webhook.
type PaymentHandlers struct {
	payments     services.PaymentService
	webhooks     services.WebhookService
	signatures   *auth.WebhookSignatureVerifier
	stripeEvents *auth.StripeEventVerifier
	limiter      rateLimiter
	idempotency  func(http.Handler) http.Handler
}

// NewPaymentHandlers constructs PaymentHandlers.
func NewPaymentHandlers(deps PaymentHandlersDeps) *PaymentHandlers {
	return &PaymentHandlers{
		payments:     deps.Payments,
		webhooks:     deps.Webhooks,
		signatures:   deps.Signatures,
		stripeEvents: deps.StripeEvents,
		limiter:      newKeyedRateLimiter(deps.WebhookRate, deps.WebhookBurst, deps.Clock),
		idempotency:  deps.Idempotency,
	}
}

// Routes registers the /payment endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(limitByRemoteIP(h.limiter)).Post("/webhook", h.receiveWebhook)
	r.With(optional(h.idempotency)).Post("/preference", h.createPreference)
	r.Get("/status/{paymentID}", h.getPaymentStatus)
}

// webhookID accepts both string and numeric ids.
type webhookID string

func (id *webhookID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = webhookID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = webhookID(n.String())
	return nil
}

type webhookRequest struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	Data   struct {
		ID webhookID `json:"id"`
	} `json:"data"`
}

type webhookResponse struct {
	Received bool `json:"received"`
}

// receiveWebhook always acknowledges. Reconciliation happens in the inbox workers.
func (h *PaymentHandlers) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	defer httpx.WriteJSON(w, http.StatusOK, webhookResponse{Received: true})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		logger.Warn("webhook body unreadable", zap.Error(err))
	}

	var notification services.WebhookNotification
	if isStripeEvent(r, body) {
		notification, err = h.parseStripeEvent(r, body)
		if err != nil {
			logger.Warn("stripe event rejected", zap.Error(err))
			return
		}
	} else {
		notification, err = parseWebhook(r, body)
		if err != nil {
			logger.Warn("webhook body malformed", zap.Error(err))
		}
		if notification.Type == "" && notification.DataID == "" {
			return
		}
		if h.signatures.Enabled() {
			if err := h.signatures.Verify(r, notification.DataID); err != nil {
				logger.Warn("webhook signature rejected", zap.String("data_id", notification.DataID), zap.Error(err))
				return
			}
		}
	}

	if h.webhooks == nil {
		logger.Error("webhook service unavailable")
		return
	}
	// detach from the request so a client disconnect cannot abort the append
	if _, err := h.webhooks.Ingest(context.WithoutCancel(ctx), notification); err != nil {
		logger.Error("webhook not queued", zap.String("data_id", notification.DataID), zap.Error(err))
	}
}

func parseWebhook(r *http.Request, body []byte) (services.WebhookNotification, error) {
	query := r.URL.Query()
	notification := services.WebhookNotification{
		Type:   firstNonEmpty(query.Get("type"), query.Get("topic")),
		DataID: firstNonEmpty(query.Get("data.id"), query.Get("id")),
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return notification, nil
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return notification, err
	}
	notification.Type = firstNonEmpty(req.Type, req.Topic, notification.Type)
	notification.Action = strings.TrimSpace(req.Action)
	notification.DataID = firstNonEmpty(string(req.Data.ID), notification.DataID)
	return notification, nil
}

// isStripeEvent recognises Stripe deliveries by their signature header or event envelope.
func isStripeEvent(r *http.Request, body []byte) bool {
	if r.Header.Get(auth.StripeSignatureHeader) != "" {
		return true
	}
	var envelope struct {
		Object string `json:"object"`
	}
	return json.Unmarshal(body, &envelope) == nil && envelope.Object == "event"
}

func (h *PaymentHandlers) parseStripeEvent(r *http.Request, body []byte) (services.WebhookNotification, error) {
	event, err := h.stripeEvents.ConstructEvent(body, r.Header.Get(auth.StripeSignatureHeader))
	if err != nil {
		return services.WebhookNotification{}, err
	}
	return stripeNotification(event), nil
}

// stripeNotification maps Stripe events that change a PaymentIntent onto a payment notification
// keyed by the PaymentIntent id. Any other event keeps its Stripe type and is ignored downstream.
func stripeNotification(event stripe.Event) services.WebhookNotification {
	notification := services.WebhookNotification{Type: string(event.Type), Action: string(event.Type)}
	if event.Data == nil {
		return notification
	}
	object := event.Data.Object

	var intentID string
	switch kind := string(event.Type); {
	case strings.HasPrefix(kind, "payment_intent."):
		intentID = stringField(object, "id")
	case kind == string(stripe.EventTypeChargeRefunded), strings.HasPrefix(kind, "charge.dispute."):
		intentID = stringField(object, "payment_intent")
	}
	if intentID == "" {
		notification.DataID = stringField(object, "id")
		return notification
	}
	notification.Type = inbox.KindPayment
	notification.DataID = intentID
	return notification
}

// stringField reads an id that Stripe renders either as a string or as an expanded object.
func stringField(object map[string]any, key string) string {
	switch v := object[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

type createPreferenceRequest struct {
	OrderID string `json:"order_id"`
}

type preferenceResponse struct {
	PreferenceID       string `json:"preference_id"`
	RedirectURL        string `json:"redirect_url"`
	SandboxRedirectURL string `json:"sandbox_redirect_url,omitempty"`
}

func (h *PaymentHandlers) createPreference(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req createPreferenceRequest
	if decodeErr := httpx.DecodeJSON(w, r, &req, maxPreferenceBodySize); decodeErr != nil {
		httpx.WriteError(ctx, w, *decodeErr)
		return
	}

	pref, err := h.payments.CreatePreference(ctx, req.OrderID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, preferenceResponse{
		PreferenceID:       pref.ID,
		RedirectURL:        pref.RedirectURL,
		SandboxRedirectURL: pref.SandboxRedirectURL,
	})
}

type paymentStatusResponse struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	StatusDetail      string `json:"status_detail,omitempty"`
	ExternalReference string `json:"external_reference"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency,omitempty"`
	ApprovedAt        string `json:"approved_at,omitempty"`
}

func (h *PaymentHandlers) getPaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}

	snapshot, err := h.payments.GetPaymentStatus(ctx, chi.URLParam(r, "paymentID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, paymentStatusResponse{
		ID:                snapshot.ID,
		Status:            snapshot.Status,
		StatusDetail:      snapshot.StatusDetail,
		ExternalReference: snapshot.ExternalReference,
		Amount:            snapshot.Amount.StringFixed(2),
		Currency:          snapshot.Currency,
		ApprovedAt:        formatTimePtr(snapshot.ApprovedAt),
	})
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentOrderState):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_payable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway request failed", http.StatusBadGateway))
	default:
		writeOrderError(ctx, w, err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
