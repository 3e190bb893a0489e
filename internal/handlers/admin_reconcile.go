package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tiendaflow/api/internal/platform/httpx"
	"github.com/tiendaflow/api/internal/platform/inbox"
	"github.com/tiendaflow/api/internal/services"
)

// AdminHandlers exposes operator endpoints for the webhook inbox and order audit trail.
type AdminHandlers struct {
	webhooks  services.WebhookService
	reconcile services.ReconciliationService
	audit     services.AuditLogService
}

// NewAdminHandlers constructs AdminHandlers.
func NewAdminHandlers(webhooks services.WebhookService, reconcile services.ReconciliationService, audit services.AuditLogService) *AdminHandlers {
	return &AdminHandlers{webhooks: webhooks, reconcile: reconcile, audit: audit}
}

// Routes registers the /admin endpoints. Authentication is applied by the router group.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/reconcile/inbox", h.listInbox)
	r.Post("/reconcile/inbox/{messageID}/replay", h.replayMessage)
	r.Post("/reconcile/payments/{paymentID}", h.reconcilePayment)
	r.Get("/orders/{orderID}/audit", h.listOrderAudit)
}

type inboxMessagePayload struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	PaymentID     string `json:"payment_id"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	ReceivedAt    string `json:"received_at"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

type inboxListResponse struct {
	Items []inboxMessagePayload `json:"items"`
}

type reconcileResponse struct {
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id,omitempty"`
	OrderNumber   string `json:"order_number,omitempty"`
	GatewayStatus string `json:"gateway_status,omitempty"`
	Outcome       string `json:"outcome"`
	Status        string `json:"status,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
}

type auditEntryPayload struct {
	ID               string         `json:"id"`
	Actor            string         `json:"actor"`
	Action           string         `json:"action"`
	OldStatus        string         `json:"old_status,omitempty"`
	NewStatus        string         `json:"new_status,omitempty"`
	OldPaymentStatus string         `json:"old_payment_status,omitempty"`
	NewPaymentStatus string         `json:"new_payment_status,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

type auditListResponse struct {
	Items []auditEntryPayload `json:"items"`
}

func (h *AdminHandlers) listInbox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.ErrUnavailable)
		return
	}
	limit, ok := parseIntParam(r.URL.Query().Get("limit"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
		return
	}
	state := inbox.State(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("state"))))

	messages, err := h.webhooks.ListInbox(ctx, state, limit)
	if err != nil {
		writeAdminError(ctx, w, err)
		return
	}
	items := make([]inboxMessagePayload, 0, len(messages))
	for _, msg := range messages {
		items = append(items, buildInboxMessagePayload(msg))
	}
	httpx.WriteJSON(w, http.StatusOK, inboxListResponse{Items: items})
}

func (h *AdminHandlers) replayMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.ErrUnavailable)
		return
	}
	msg, err := h.webhooks.Replay(ctx, chi.URLParam(r, "messageID"))
	if err != nil {
		writeAdminError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, buildInboxMessagePayload(msg))
}

func (h *AdminHandlers) reconcilePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.ErrUnavailable)
		return
	}
	result, err := h.reconcile.Reconcile(ctx, chi.URLParam(r, "paymentID"))
	if err != nil {
		writeAdminError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, reconcileResponse{
		PaymentID:     result.PaymentID,
		OrderID:       result.OrderID,
		OrderNumber:   result.OrderNumber,
		GatewayStatus: result.GatewayStatus,
		Outcome:       string(result.Outcome),
		Status:        string(result.Status),
		PaymentStatus: string(result.PaymentStatus),
	})
}

func (h *AdminHandlers) listOrderAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.audit == nil {
		httpx.WriteError(ctx, w, httpx.ErrUnavailable)
		return
	}
	limit, ok := parseIntParam(r.URL.Query().Get("limit"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
		return
	}
	entries, err := h.audit.ListByOrder(ctx, chi.URLParam(r, "orderID"), limit)
	if err != nil {
		writeAdminError(ctx, w, err)
		return
	}
	items := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		items = append(items, auditEntryPayload{
			ID:               entry.ID,
			Actor:            entry.Actor,
			Action:           entry.Action,
			OldStatus:        string(entry.OldStatus),
			NewStatus:        string(entry.NewStatus),
			OldPaymentStatus: string(entry.OldPaymentStatus),
			NewPaymentStatus: string(entry.NewPaymentStatus),
			Metadata:         entry.Metadata,
			CreatedAt:        formatTime(entry.CreatedAt),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, auditListResponse{Items: items})
}

func buildInboxMessagePayload(msg inbox.Message) inboxMessagePayload {
	payload := inboxMessagePayload{
		ID:         msg.ID,
		Kind:       msg.Kind,
		PaymentID:  msg.PaymentID,
		State:      string(msg.State),
		Attempts:   msg.Attempts,
		ReceivedAt: formatTime(msg.ReceivedAt),
		LastError:  msg.LastError,
	}
	if msg.State == inbox.StatePending {
		payload.NextAttemptAt = formatTime(msg.NextAttemptAt)
	}
	return payload
}

func writeAdminError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrWebhookMessageNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("inbox_message_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrWebhookMessageNotDead):
		httpx.WriteError(ctx, w, httpx.NewError("inbox_message_not_dead", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrPaymentUnavailable),
		errors.Is(err, services.ErrPaymentInvalidInput):
		writePaymentError(ctx, w, err)
	default:
		writeOrderError(ctx, w, err)
	}
}
