package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/tiendaflow/api/internal/domain"
	"github.com/tiendaflow/api/internal/platform/inbox"
	"github.com/tiendaflow/api/internal/services"
)

func newAdminRouter(webhooks services.WebhookService, reconcile services.ReconciliationService, audit services.AuditLogService, mw ...func(http.Handler) http.Handler) http.Handler {
	h := NewAdminHandlers(webhooks, reconcile, audit)
	return NewRouter(WithAdminRoutes(h.Routes), WithAdminMiddlewares(mw...))
}

func TestAdminRoutesUnmountedWithoutRegistrar(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/reconcile/inbox", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdminRoutesApplyGroupMiddleware(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	router := newAdminRouter(&stubWebhookService{}, &stubReconciliationService{}, &stubAuditService{}, deny)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/payments/1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminListInbox(t *testing.T) {
	received := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var gotState inbox.State
	var gotLimit int
	webhooks := &stubWebhookService{
		listFn: func(_ context.Context, state inbox.State, limit int) ([]inbox.Message, error) {
			gotState, gotLimit = state, limit
			return []inbox.Message{{
				ID:         "msg_1",
				Kind:       inbox.KindPayment,
				PaymentID:  "123",
				State:      inbox.StateDead,
				Attempts:   8,
				ReceivedAt: received,
				LastError:  "order not found",
			}}, nil
		},
	}
	router := newAdminRouter(webhooks, nil, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/reconcile/inbox?state=DEAD&limit=10", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotState != inbox.StateDead || gotLimit != 10 {
		t.Fatalf("unexpected query forwarding state=%q limit=%d", gotState, gotLimit)
	}

	var payload inboxListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].State != "dead" || payload.Items[0].NextAttemptAt != "" {
		t.Fatalf("unexpected items %+v", payload.Items)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/reconcile/inbox?limit=ten", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestAdminReplayErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusAccepted},
		{fmt.Errorf("%w: msg_x", services.ErrWebhookMessageNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: msg_x", services.ErrWebhookMessageNotDead), http.StatusConflict},
	}
	for _, tc := range cases {
		err := tc.err
		webhooks := &stubWebhookService{
			replayFn: func(_ context.Context, id string) (inbox.Message, error) {
				if err != nil {
					return inbox.Message{}, err
				}
				return inbox.Message{ID: id, PaymentID: "123", State: inbox.StatePending}, nil
			},
		}
		rec := httptest.NewRecorder()
		newAdminRouter(webhooks, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/inbox/msg_x/replay", nil))
		if rec.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", err, tc.want, rec.Code)
		}
	}
}

func TestAdminReconcilePayment(t *testing.T) {
	reconcile := &stubReconciliationService{
		reconcileFn: func(_ context.Context, paymentID string) (services.ReconcileResult, error) {
			switch paymentID {
			case "123":
				return services.ReconcileResult{
					PaymentID:     "123",
					OrderID:       "ord_1",
					OrderNumber:   "ORD-1001",
					GatewayStatus: "approved",
					Outcome:       services.ReconcileApplied,
					Status:        domain.OrderStatusConfirmed,
					PaymentStatus: domain.PaymentStatusCompleted,
				}, nil
			case "404":
				return services.ReconcileResult{}, fmt.Errorf("%w: ORD-9", services.ErrOrderNotFound)
			default:
				return services.ReconcileResult{}, fmt.Errorf("%w: timeout", services.ErrPaymentUnavailable)
			}
		},
	}
	router := newAdminRouter(nil, reconcile, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/payments/123", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload reconcileResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Outcome != "applied" || payload.Status != "confirmed" || payload.PaymentStatus != "completed" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	for id, want := range map[string]int{"404": http.StatusNotFound, "500": http.StatusBadGateway} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/reconcile/payments/"+id, nil))
		if rec.Code != want {
			t.Fatalf("payment %s: expected %d, got %d", id, want, rec.Code)
		}
	}
}

func TestAdminListOrderAudit(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	audit := &stubAuditService{
		listFn: func(_ context.Context, orderID string, limit int) ([]domain.OrderAuditEntry, error) {
			if orderID != "ord_1" {
				return nil, fmt.Errorf("%w: order id is required", services.ErrOrderInvalidInput)
			}
			return []domain.OrderAuditEntry{{
				ID:               "aud_1",
				OrderID:          "ord_1",
				Actor:            "system",
				Action:           "order.payment.reconcile",
				OldStatus:        domain.OrderStatusPending,
				NewStatus:        domain.OrderStatusConfirmed,
				OldPaymentStatus: domain.PaymentStatusPending,
				NewPaymentStatus: domain.PaymentStatusCompleted,
				Metadata:         map[string]any{"payment_id": "123"},
				CreatedAt:        created,
			}}, nil
		},
	}
	router := newAdminRouter(nil, nil, audit)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders/ord_1/audit", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload auditListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].NewPaymentStatus != "completed" || payload.Items[0].CreatedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("unexpected audit payload %+v", payload.Items)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders/ord_2/audit", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
