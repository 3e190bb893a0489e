package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/dispute"

	domain "github.com/tiendaflow/api/internal/domain"
)

const stripeOrderNumberKey = "order_number"

// zero-decimal currencies are charged in whole units.
var stripeZeroDecimal = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {}, "KRW": {}, "MGA": {},
	"PYG": {}, "RWF": {}, "UGX": {}, "VND": {}, "VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// stripeDisputeAPI lists the disputes opened against a PaymentIntent.
type stripeDisputeAPI interface {
	ListByPaymentIntent(ctx context.Context, params *stripe.DisputeListParams) ([]*stripe.Dispute, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
	disputes stripeDisputeAPI
}

type stripeDisputeLister struct {
	client *dispute.Client
}

func (l stripeDisputeLister) ListByPaymentIntent(ctx context.Context, params *stripe.DisputeListParams) ([]*stripe.Dispute, error) {
	params.Context = ctx
	var out []*stripe.Dispute
	iter := l.client.List(params)
	for iter.Next() {
		out = append(out, iter.Dispute())
	}
	return out, iter.Err()
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    GatewayLogger
	Clients   *stripeClients
}

// StripeGateway maps Stripe Checkout Sessions and PaymentIntents onto the Gateway contract.
type StripeGateway struct {
	api     stripeClients
	account string
	sandbox bool
	logger  GatewayLogger
}

var (
	_ Gateway      = (*StripeGateway)(nil)
	_ PaymentOwner = (*StripeGateway)(nil)
)

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, fmt.Errorf("stripe: %w: api key is required", ErrGatewayMisconfigured)
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
			disputes: stripeDisputeLister{client: sc.Disputes},
		}
	}
	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		sandbox: strings.HasPrefix(apiKey, "sk_test_"),
		logger:  logger,
	}, nil
}

// OwnsPayment reports whether the id is a Stripe PaymentIntent id.
func (g *StripeGateway) OwnsPayment(paymentID string) bool {
	return strings.HasPrefix(strings.TrimSpace(paymentID), "pi_")
}

// CreatePreference creates a Checkout Session. The order number travels as client reference and intent metadata.
func (g *StripeGateway) CreatePreference(ctx context.Context, req PreferenceRequest) (domain.PaymentPreference, error) {
	if len(req.Items) == 0 {
		return domain.PaymentPreference{}, errors.New("stripe: preference requires at least one item")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.BackURLs.Success),
		CancelURL:         stripe.String(req.BackURLs.Failure),
		ClientReferenceID: stripe.String(req.ExternalReference),
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{stripeOrderNumberKey: req.ExternalReference},
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if req.Payer.Email != "" {
		params.CustomerEmail = stripe.String(req.Payer.Email)
	}

	for _, item := range req.Items {
		quantity := item.Quantity
		if quantity < 1 {
			quantity = 1
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(currency)),
				UnitAmount: stripe.Int64(toStripeAmount(item.UnitPrice, currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:     stripe.String(item.Title),
					Metadata: map[string]string{"product_ref": item.ID},
				},
			},
		})
	}

	session, err := g.api.sessions.New(params)
	if err != nil {
		return domain.PaymentPreference{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":         session.ID,
		"externalReference": req.ExternalReference,
	})

	pref := domain.PaymentPreference{ID: session.ID, RedirectURL: session.URL}
	if g.sandbox {
		pref.SandboxRedirectURL = session.URL
	}
	return pref, nil
}

// GetPayment retrieves a PaymentIntent with its latest charge and translates it to gateway vocabulary.
// A disputed charge also loads its disputes so the snapshot carries the dispute time.
func (g *StripeGateway) GetPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge.refunds")
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}

	intent, err := g.api.intents.Get(paymentID, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return domain.PaymentSnapshot{}, fmt.Errorf("stripe: %w: %s", ErrPaymentNotFound, paymentID)
		}
		return domain.PaymentSnapshot{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}

	var disputes []*stripe.Dispute
	if charge := intent.LatestCharge; charge != nil && charge.Disputed && g.api.disputes != nil {
		listParams := &stripe.DisputeListParams{PaymentIntent: stripe.String(intent.ID)}
		if g.account != "" {
			listParams.SetStripeAccount(g.account)
		}
		disputes, err = g.api.disputes.ListByPaymentIntent(ctx, listParams)
		if err != nil {
			return domain.PaymentSnapshot{}, fmt.Errorf("stripe: list disputes: %w", err)
		}
	}
	return stripeSnapshot(intent, disputes), nil
}

func stripeSnapshot(intent *stripe.PaymentIntent, disputes []*stripe.Dispute) domain.PaymentSnapshot {
	if intent == nil {
		return domain.PaymentSnapshot{}
	}

	currency := strings.ToUpper(string(intent.Currency))
	status, detail := stripeStatus(intent)

	snapshot := domain.PaymentSnapshot{
		ID:                intent.ID,
		Status:            status,
		StatusDetail:      detail,
		ExternalReference: intent.Metadata[stripeOrderNumberKey],
		Amount:            fromStripeAmount(intent.Amount, currency),
		Currency:          currency,
	}

	latest := unixTime(intent.Created)
	bump := func(ts int64) {
		if t := unixTime(ts); t != nil && (latest == nil || t.After(*latest)) {
			latest = t
		}
	}
	bump(intent.CanceledAt)
	if charge := intent.LatestCharge; charge != nil {
		bump(charge.Created)
		if intent.Status == stripe.PaymentIntentStatusSucceeded {
			snapshot.ApprovedAt = unixTime(charge.Created)
		}
		if charge.Refunds != nil {
			for _, refund := range charge.Refunds.Data {
				if refund != nil {
					bump(refund.Created)
				}
			}
		}
	}
	for _, d := range disputes {
		if d != nil {
			bump(d.Created)
		}
	}
	snapshot.LastUpdatedAt = latest
	return snapshot
}

func stripeStatus(intent *stripe.PaymentIntent) (string, string) {
	detail := string(intent.Status)
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		if charge := intent.LatestCharge; charge != nil {
			if charge.Disputed {
				return "charged_back", "disputed"
			}
			if charge.Refunded || (charge.Amount > 0 && charge.AmountRefunded >= charge.Amount) {
				return "refunded", "refunded"
			}
		}
		return "approved", detail
	case stripe.PaymentIntentStatusProcessing:
		return "in_process", detail
	case stripe.PaymentIntentStatusCanceled:
		return "cancelled", string(intent.CancellationReason)
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if intent.LastPaymentError != nil {
			return "rejected", string(intent.LastPaymentError.Code)
		}
		return "pending", detail
	default:
		return "pending", detail
	}
}

func toStripeAmount(amount decimal.Decimal, currency string) int64 {
	if _, ok := stripeZeroDecimal[currency]; ok {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func fromStripeAmount(amount int64, currency string) decimal.Decimal {
	if _, ok := stripeZeroDecimal[currency]; ok {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

func unixTime(ts int64) *time.Time {
	if ts <= 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
