package payments

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78"
)

type fakeStripeSessions struct {
	params *stripe.CheckoutSessionParams
	result *stripe.CheckoutSession
	err    error
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.params = params
	return f.result, f.err
}

type fakeStripeIntents struct {
	id     string
	result *stripe.PaymentIntent
	err    error
}

func (f *fakeStripeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.id = id
	return f.result, f.err
}

type fakeStripeDisputes struct {
	paymentIntent string
	result        []*stripe.Dispute
	err           error
}

func (f *fakeStripeDisputes) ListByPaymentIntent(_ context.Context, params *stripe.DisputeListParams) ([]*stripe.Dispute, error) {
	f.paymentIntent = stripe.StringValue(params.PaymentIntent)
	return f.result, f.err
}

func TestStripeGatewayCreatePreference(t *testing.T) {
	sessions := &fakeStripeSessions{result: &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.com/cs_1"}}
	gw, err := NewStripeGateway(StripeGatewayConfig{
		APIKey:  "sk_test_123",
		Clients: &stripeClients{sessions: sessions, intents: &fakeStripeIntents{}},
	})
	require.NoError(t, err)

	pref, err := gw.CreatePreference(context.Background(), PreferenceRequest{
		ExternalReference: "ORD-1001",
		Currency:          "USD",
		Items:             []PreferenceItem{{ID: "sku-1", Title: "Mate", Quantity: 2, UnitPrice: decimal.RequireFromString("15.50")}},
		BackURLs:          BackURLs{Success: "https://shop/ok", Failure: "https://shop/fail"},
		IdempotencyKey:    "idem-1",
	})
	require.NoError(t, err)
	require.Equal(t, "cs_1", pref.ID)
	require.Equal(t, "https://checkout.stripe.com/cs_1", pref.SandboxRedirectURL)

	require.Equal(t, "ORD-1001", *sessions.params.ClientReferenceID)
	require.Equal(t, "ORD-1001", sessions.params.PaymentIntentData.Metadata[stripeOrderNumberKey])
	require.Len(t, sessions.params.LineItems, 1)
	require.Equal(t, int64(1550), *sessions.params.LineItems[0].PriceData.UnitAmount)
	require.Equal(t, "usd", *sessions.params.LineItems[0].PriceData.Currency)
}

func TestStripeGatewayStatusTranslation(t *testing.T) {
	cases := []struct {
		name   string
		intent *stripe.PaymentIntent
		want   string
	}{
		{"succeeded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded, LatestCharge: &stripe.Charge{Amount: 100, Created: 20}}, "approved"},
		{"refunded", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded, LatestCharge: &stripe.Charge{Amount: 100, AmountRefunded: 100}}, "refunded"},
		{"disputed", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusSucceeded, LatestCharge: &stripe.Charge{Amount: 100, Disputed: true}}, "charged_back"},
		{"processing", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusProcessing}, "in_process"},
		{"canceled", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusCanceled}, "cancelled"},
		{"declined", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresPaymentMethod, LastPaymentError: &stripe.Error{Code: stripe.ErrorCodeCardDeclined}}, "rejected"},
		{"awaiting", &stripe.PaymentIntent{Status: stripe.PaymentIntentStatusRequiresAction}, "pending"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := stripeStatus(tc.intent)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestStripeGatewayGetPayment(t *testing.T) {
	intents := &fakeStripeIntents{result: &stripe.PaymentIntent{
		ID:       "pi_1",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   3100,
		Currency: stripe.CurrencyUSD,
		Metadata: map[string]string{stripeOrderNumberKey: "ORD-1001"},
		Created:  1714557600,
		LatestCharge: &stripe.Charge{
			Amount:  3100,
			Created: 1714557660,
			Refunds: &stripe.RefundList{Data: []*stripe.Refund{{Created: 1714557999}}},
		},
	}}
	gw, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{sessions: &fakeStripeSessions{}, intents: intents}})
	require.NoError(t, err)

	snapshot, err := gw.GetPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, "pi_1", intents.id)
	require.Equal(t, "ORD-1001", snapshot.ExternalReference)
	require.True(t, snapshot.Amount.Equal(decimal.RequireFromString("31")))
	require.NotNil(t, snapshot.ApprovedAt)
	require.Equal(t, int64(1714557660), snapshot.ApprovedAt.Unix())
	require.Equal(t, int64(1714557999), snapshot.LastUpdatedAt.Unix())
	require.True(t, gw.OwnsPayment("pi_1"))
	require.False(t, gw.OwnsPayment("123"))
}

func TestStripeGatewayGetPaymentNotFound(t *testing.T) {
	intents := &fakeStripeIntents{err: &stripe.Error{HTTPStatusCode: http.StatusNotFound}}
	gw, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{sessions: &fakeStripeSessions{}, intents: intents}})
	require.NoError(t, err)

	_, err = gw.GetPayment(context.Background(), "pi_missing")
	require.True(t, errors.Is(err, ErrPaymentNotFound))
}

func TestStripeGatewayApprovedThenDisputed(t *testing.T) {
	intent := &stripe.PaymentIntent{
		ID:       "pi_1",
		Status:   stripe.PaymentIntentStatusSucceeded,
		Amount:   3100,
		Currency: stripe.CurrencyUSD,
		Metadata: map[string]string{stripeOrderNumberKey: "ORD-1001"},
		Created:  1714557600,
		LatestCharge: &stripe.Charge{
			Amount:  3100,
			Created: 1714557660,
		},
	}
	intents := &fakeStripeIntents{result: intent}
	disputes := &fakeStripeDisputes{result: []*stripe.Dispute{{ID: "dp_1", Created: 1715000000}}}
	gw, err := NewStripeGateway(StripeGatewayConfig{Clients: &stripeClients{sessions: &fakeStripeSessions{}, intents: intents, disputes: disputes}})
	require.NoError(t, err)

	approved, err := gw.GetPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, "approved", approved.Status)
	require.Empty(t, disputes.paymentIntent, "undisputed charges must not list disputes")

	intent.LatestCharge.Disputed = true
	disputed, err := gw.GetPayment(context.Background(), "pi_1")
	require.NoError(t, err)
	require.Equal(t, "charged_back", disputed.Status)
	require.Equal(t, "pi_1", disputes.paymentIntent)
	require.Equal(t, int64(1715000000), disputed.Timestamp().Unix())
	require.True(t, disputed.Timestamp().After(*approved.Timestamp()), "dispute must be newer than the approval it reverses")

	disputes.err = errors.New("rate limited")
	_, err = gw.GetPayment(context.Background(), "pi_1")
	require.ErrorContains(t, err, "list disputes")
}
