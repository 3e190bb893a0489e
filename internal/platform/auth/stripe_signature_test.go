package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const stripeEventBody = `{"id":"evt_1","object":"event","api_version":"2020-08-27","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`

func TestStripeEventVerifier(t *testing.T) {
	verifier := NewStripeEventVerifier("whsec_test", 5*time.Minute)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(stripeEventBody),
		Secret:  "whsec_test",
	})

	event, err := verifier.ConstructEvent(signed.Payload, signed.Header)
	if err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if event.Type != stripe.EventTypePaymentIntentSucceeded || event.Data.Object["id"] != "pi_1" {
		t.Fatalf("unexpected event %s %v", event.Type, event.Data.Object)
	}

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(stripeEventBody),
		Secret:  "whsec_other",
	})
	if _, err := verifier.ConstructEvent(forged.Payload, forged.Header); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	old := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(stripeEventBody),
		Secret:    "whsec_test",
		Timestamp: time.Now().Add(-time.Hour),
	})
	if _, err := verifier.ConstructEvent(old.Payload, old.Header); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected replayed signature to fail, got %v", err)
	}

	if _, err := verifier.ConstructEvent(signed.Payload, ""); !errors.Is(err, ErrSignatureMissing) {
		t.Fatalf("expected missing signature, got %v", err)
	}
}

func TestStripeEventVerifierDisabledDecodesUnchecked(t *testing.T) {
	verifier := NewStripeEventVerifier(" ", time.Minute)
	if verifier.Enabled() {
		t.Fatalf("expected verifier to be disabled")
	}
	event, err := verifier.ConstructEvent([]byte(stripeEventBody), "")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.ID != "evt_1" {
		t.Fatalf("unexpected event id %q", event.ID)
	}
	if _, err := verifier.ConstructEvent([]byte(`{"id":`), ""); err == nil {
		t.Fatalf("expected decode error")
	}
}
