package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/tiendaflow/api/internal/domain"
)

type fakeGateway struct {
	lastOp   string
	owns     string
	pref     domain.PaymentPreference
	snapshot domain.PaymentSnapshot
	err      error
	deadline bool
}

func (f *fakeGateway) CreatePreference(ctx context.Context, req PreferenceRequest) (domain.PaymentPreference, error) {
	f.lastOp = "create"
	_, f.deadline = ctx.Deadline()
	return f.pref, f.err
}

func (f *fakeGateway) GetPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	f.lastOp = "get"
	_, f.deadline = ctx.Deadline()
	return f.snapshot, f.err
}

type owningGateway struct {
	fakeGateway
}

func (o *owningGateway) OwnsPayment(paymentID string) bool {
	return len(paymentID) > 3 && paymentID[:3] == o.owns
}

func TestManagerUsesDefaultGateway(t *testing.T) {
	mp := &fakeGateway{pref: domain.PaymentPreference{ID: "pref_mp"}}
	stripe := &fakeGateway{pref: domain.PaymentPreference{ID: "cs_stripe"}}

	mgr, err := NewManager(map[string]Gateway{"mercadopago": mp, "stripe": stripe}, WithDefaultGateway("MercadoPago"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	pref, err := mgr.CreatePreference(context.Background(), PreferenceRequest{ExternalReference: "ORD-1001"})
	if err != nil {
		t.Fatalf("create preference: %v", err)
	}
	if pref.ID != "pref_mp" {
		t.Fatalf("expected mercadopago preference, got %q", pref.ID)
	}
	if stripe.lastOp != "" {
		t.Fatalf("expected stripe gateway to remain unused")
	}
	if !mp.deadline {
		t.Fatalf("expected gateway call to carry a deadline")
	}
}

func TestManagerRoutesPaymentToOwningGateway(t *testing.T) {
	mp := &fakeGateway{snapshot: domain.PaymentSnapshot{ID: "123"}}
	stripe := &owningGateway{fakeGateway{owns: "pi_", snapshot: domain.PaymentSnapshot{ID: "pi_abc"}}}

	mgr, err := NewManager(map[string]Gateway{"mercadopago": mp, "stripe": stripe}, WithDefaultGateway("mercadopago"))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	snapshot, err := mgr.GetPayment(context.Background(), "pi_abc")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if snapshot.ID != "pi_abc" || stripe.lastOp != "get" {
		t.Fatalf("expected stripe gateway to serve pi_ id, got %+v", snapshot)
	}

	if _, err := mgr.GetPayment(context.Background(), "123"); err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if mp.lastOp != "get" {
		t.Fatalf("expected default gateway to serve numeric id")
	}
}

func TestManagerSingleGatewayIsImplicitDefault(t *testing.T) {
	mp := &fakeGateway{}
	mgr, err := NewManager(map[string]Gateway{"mercadopago": mp})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	name, _, err := mgr.Gateway("")
	if err != nil || name != "mercadopago" {
		t.Fatalf("expected mercadopago, got %q (%v)", name, err)
	}
	if _, _, err := mgr.Gateway("paypal"); !errors.Is(err, ErrUnsupportedGateway) {
		t.Fatalf("expected ErrUnsupportedGateway, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error for empty gateways")
	}
	if _, err := NewManager(map[string]Gateway{"mercadopago": &fakeGateway{}}, WithDefaultGateway("stripe")); err == nil {
		t.Fatal("expected error for unregistered default")
	}
}

func TestManagerPropagatesGatewayErrors(t *testing.T) {
	boom := errors.New("boom")
	mgr, err := NewManager(map[string]Gateway{"mercadopago": &fakeGateway{err: boom}}, WithCallTimeout(time.Second))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.GetPayment(context.Background(), "1"); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
