package auth

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeSignatureHeader carries Stripe's "t=…,v1=…" event signature.
const StripeSignatureHeader = "Stripe-Signature"

// StripeEventVerifier validates Stripe webhook events against the endpoint signing secret.
type StripeEventVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeEventVerifier returns nil when secret is empty; a nil verifier decodes events unchecked.
func NewStripeEventVerifier(secret string, tolerance time.Duration) *StripeEventVerifier {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return &StripeEventVerifier{secret: secret, tolerance: tolerance}
}

// Enabled reports whether a signing secret is configured.
func (v *StripeEventVerifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// ConstructEvent decodes payload into a Stripe event, verifying the signature header when enabled.
// Events rendered with another API version are accepted; only object ids are read from them.
func (v *StripeEventVerifier) ConstructEvent(payload []byte, header string) (stripe.Event, error) {
	if !v.Enabled() {
		var event stripe.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return stripe.Event{}, fmt.Errorf("auth: decode stripe event: %w", err)
		}
		return event, nil
	}
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, ErrSignatureMissing
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreTolerance:          v.tolerance <= 0,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}
