package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/shopspring/decimal"

	domain "github.com/tiendaflow/api/internal/domain"
)

const idempotencyHeader = "X-Idempotency-Key"

// GatewayLogger defines the logging contract for gateway operations.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

// MercadoPagoConfig configures the MercadoPago gateway.
type MercadoPagoConfig struct {
	AccessToken string
	// BaseURL redirects SDK calls to another host, such as a sandbox proxy.
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    GatewayLogger
	// NewIdempotencyKey is used when the request does not carry its own key.
	NewIdempotencyKey func() string
}

// MercadoPagoGateway talks to the Checkout Pro and Payments APIs through the official SDK.
type MercadoPagoGateway struct {
	token       string
	preferences preference.Client
	payments    payment.Client
	logger      GatewayLogger
	newKey      func() string
}

var _ Gateway = (*MercadoPagoGateway)(nil)

// NewMercadoPagoGateway constructs the gateway. A missing access token is reported on each call.
func NewMercadoPagoGateway(cfg MercadoPagoConfig) (*MercadoPagoGateway, error) {
	transport := &mercadoPagoTransport{base: cfg.Transport}
	if transport.base == nil {
		transport.base = http.DefaultTransport
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		endpoint, err := url.ParseRequestURI(base)
		if err != nil {
			return nil, fmt.Errorf("mercadopago: invalid base url: %w", err)
		}
		transport.endpoint = endpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	token := strings.TrimSpace(cfg.AccessToken)
	sdkConfig, err := config.New(token, config.WithHTTPClient(&http.Client{Timeout: timeout, Transport: transport}))
	if err != nil {
		return nil, fmt.Errorf("mercadopago: sdk config: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newKey := cfg.NewIdempotencyKey
	if newKey == nil {
		newKey = uuid.NewString
	}
	return &MercadoPagoGateway{
		token:       token,
		preferences: preference.NewClient(sdkConfig),
		payments:    payment.NewClient(sdkConfig),
		logger:      logger,
		newKey:      newKey,
	}, nil
}

// CreatePreference creates a Checkout Pro preference for the order.
func (g *MercadoPagoGateway) CreatePreference(ctx context.Context, req PreferenceRequest) (domain.PaymentPreference, error) {
	if g.token == "" {
		return domain.PaymentPreference{}, fmt.Errorf("mercadopago: %w: access token not configured", ErrGatewayMisconfigured)
	}
	if len(req.Items) == 0 {
		return domain.PaymentPreference{}, errors.New("mercadopago: preference requires at least one item")
	}

	body := preference.Request{
		Items: make([]preference.ItemRequest, 0, len(req.Items)),
		BackURLs: &preference.BackURLsRequest{
			Success: req.BackURLs.Success,
			Failure: req.BackURLs.Failure,
			Pending: req.BackURLs.Pending,
		},
		ExternalReference: req.ExternalReference,
		NotificationURL:   req.NotificationURL,
	}
	if req.BackURLs.Success != "" {
		body.AutoReturn = "approved"
	}
	for _, item := range req.Items {
		body.Items = append(body.Items, preference.ItemRequest{
			ID:         item.ID,
			Title:      item.Title,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice.InexactFloat64(),
			CurrencyID: strings.ToUpper(req.Currency),
		})
	}
	if req.Payer != (Payer{}) {
		body.Payer = &preference.PayerRequest{Name: req.Payer.Name, Email: req.Payer.Email}
		if req.Payer.Phone != "" {
			body.Payer.Phone = &preference.PhoneRequest{Number: req.Payer.Phone}
		}
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = g.newKey()
	}
	ctx, status := trackCall(ctx, key)

	resp, err := g.preferences.Create(ctx, body)
	if err != nil {
		return domain.PaymentPreference{}, fmt.Errorf("mercadopago: create preference: %w", classifyMercadoPagoError(*status, err))
	}

	g.logger(ctx, "payments.mercadopago.preference.created", map[string]any{
		"preferenceId":      resp.ID,
		"externalReference": req.ExternalReference,
	})

	return domain.PaymentPreference{
		ID:                 resp.ID,
		RedirectURL:        resp.InitPoint,
		SandboxRedirectURL: resp.SandboxInitPoint,
	}, nil
}

// GetPayment fetches the authoritative payment state.
func (g *MercadoPagoGateway) GetPayment(ctx context.Context, paymentID string) (domain.PaymentSnapshot, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return domain.PaymentSnapshot{}, fmt.Errorf("mercadopago: %w: empty payment id", ErrPaymentNotFound)
	}
	id, err := strconv.Atoi(paymentID)
	if err != nil {
		return domain.PaymentSnapshot{}, fmt.Errorf("mercadopago: %w: %q is not a payment id", ErrPaymentNotFound, paymentID)
	}
	if g.token == "" {
		return domain.PaymentSnapshot{}, fmt.Errorf("mercadopago: %w: access token not configured", ErrGatewayMisconfigured)
	}

	ctx, status := trackCall(ctx, "")
	resp, err := g.payments.Get(ctx, id)
	if err != nil {
		return domain.PaymentSnapshot{}, fmt.Errorf("mercadopago: get payment %s: %w", paymentID, classifyMercadoPagoError(*status, err))
	}

	snapshot := domain.PaymentSnapshot{
		ID:                strconv.Itoa(resp.ID),
		Status:            strings.ToLower(strings.TrimSpace(resp.Status)),
		StatusDetail:      resp.StatusDetail,
		ExternalReference: resp.ExternalReference,
		Amount:            decimal.NewFromFloat(resp.TransactionAmount),
		Currency:          resp.CurrencyID,
		ApprovedAt:        gatewayTime(resp.DateApproved),
		LastUpdatedAt:     gatewayTime(resp.DateLastUpdated),
	}
	if resp.ID == 0 {
		snapshot.ID = paymentID
	}
	return snapshot, nil
}

func classifyMercadoPagoError(status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return ErrPaymentNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrGatewayMisconfigured, status)
	case status != 0:
		return fmt.Errorf("unexpected status %d: %w", status, err)
	default:
		return err
	}
}

type callKey struct{}

type callState struct {
	idempotencyKey string
	status         int
}

// trackCall attaches the idempotency key for the transport and a slot for the response status.
func trackCall(ctx context.Context, idempotencyKey string) (context.Context, *int) {
	state := &callState{idempotencyKey: idempotencyKey}
	return context.WithValue(ctx, callKey{}, state), &state.status
}

// mercadoPagoTransport stamps our idempotency key over the SDK's random one and
// records the upstream status so errors can be classified without SDK error types.
type mercadoPagoTransport struct {
	base     http.RoundTripper
	endpoint *url.URL
}

func (t *mercadoPagoTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.endpoint != nil {
		req.URL.Scheme = t.endpoint.Scheme
		req.URL.Host = t.endpoint.Host
		req.URL.Path = strings.TrimRight(t.endpoint.Path, "/") + req.URL.Path
		req.URL.RawPath = ""
		req.Host = ""
	}
	state, _ := req.Context().Value(callKey{}).(*callState)
	if state != nil && state.idempotencyKey != "" {
		req.Header.Set(idempotencyHeader, state.idempotencyKey)
	}

	res, err := t.base.RoundTrip(req)
	if res != nil && state != nil {
		state.status = res.StatusCode
	}
	return res, err
}

func gatewayTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
