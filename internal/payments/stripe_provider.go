package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/meem-store/checkout-api/internal/platform/textutil"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

type stripeSessionLister func(params *stripe.CheckoutSessionListParams) ([]*stripe.CheckoutSession, error)

type stripeClients struct {
	sessions     stripeSessionAPI
	listSessions stripeSessionLister
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	// InvoiceCreation asks Stripe to issue an invoice for each paid session so invoice links exist.
	InvoiceCreation bool
	Backends        *stripe.Backends
	Logger          StripeLogger
	Clock           func() time.Time
	Clients         *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Checkout.
type StripeProvider struct {
	api             stripeClients
	account         string
	invoiceCreation bool
	clock           func() time.Time
	logger          StripeLogger
}

// NewStripeBackends builds SDK backends with a bounded HTTP client and network retries. An empty
// apiURL keeps the Stripe default.
func NewStripeBackends(apiURL string, httpTimeout time.Duration, retries int) *stripe.Backends {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: httpTimeout},
		MaxNetworkRetries: stripe.Int64(int64(retries)),
	}
	if strings.TrimSpace(apiURL) != "" {
		cfg.URL = stripe.String(strings.TrimSpace(apiURL))
	}
	return &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			listSessions: func(params *stripe.CheckoutSessionListParams) ([]*stripe.CheckoutSession, error) {
				iter := sc.CheckoutSessions.List(params)
				var out []*stripe.CheckoutSession
				for iter.Next() {
					out = append(out, iter.CheckoutSession())
				}
				return out, iter.Err()
			},
		}
	}
	if clients.sessions == nil || clients.listSessions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:             clients,
		account:         strings.TrimSpace(cfg.AccountID),
		invoiceCreation: cfg.InvoiceCreation,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a hosted Stripe Checkout session with one price_data line per item.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	if len(req.Items) == 0 {
		return CheckoutSession{}, fmt.Errorf("%w: stripe: checkout session requires line items", ErrGatewayFailure)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if ref := strings.TrimSpace(req.ClientReferenceID); ref != "" {
		params.ClientReferenceID = stripe.String(ref)
	}
	for k, v := range textutil.NormalizeMetadata(req.Metadata) {
		params.AddMetadata(k, v)
	}
	if p.invoiceCreation {
		params.InvoiceCreation = &stripe.CheckoutSessionInvoiceCreationParams{Enabled: stripe.Bool(true)}
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(defaultString(item.Name, "Item")),
		}
		if item.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{item.ImageURL})
		}
		if item.ProductID != "" {
			product.Metadata = map[string]string{"product_id": item.ProductID}
		}
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(strings.ToLower(defaultString(item.Currency, req.Currency))),
				UnitAmount:  stripe.Int64(item.Amount),
				ProductData: product,
			},
		})
	}
	params.LineItems = lineItems

	session, err := p.api.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, classifyStripeError("create checkout session", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":         session.ID,
		"clientReferenceId": req.ClientReferenceID,
		"amountTotal":       session.AmountTotal,
		"currency":          session.Currency,
	})

	expiresAt := p.clock().Add(24 * time.Hour)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		Provider:    "stripe",
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// LookupCheckoutSession retrieves a session with its charge and invoice expanded so receipt and
// invoice links can be read in one round trip.
func (p *StripeProvider) LookupCheckoutSession(ctx context.Context, sessionID string) (SessionDetails, error) {
	if p == nil {
		return SessionDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.latest_charge")
	params.AddExpand("invoice")
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	session, err := p.api.sessions.Get(sessionID, params)
	if err != nil {
		return SessionDetails{}, classifyStripeError("lookup checkout session", err)
	}
	return stripeSessionDetails(session), nil
}

// ListCheckoutSessions pages through sessions created inside the requested window.
func (p *StripeProvider) ListCheckoutSessions(ctx context.Context, req SessionListRequest) ([]SessionDetails, error) {
	if p == nil {
		return nil, errors.New("stripe: provider is nil")
	}
	params := &stripe.CheckoutSessionListParams{}
	params.Context = ctx
	params.Limit = stripe.Int64(100)
	if req.Limit > 0 && req.Limit < 100 {
		params.Limit = stripe.Int64(int64(req.Limit))
		params.Single = true
	}
	if !req.CreatedFrom.IsZero() {
		params.Filters.AddFilter("created", "gte", strconv.FormatInt(req.CreatedFrom.Unix(), 10))
	}
	if !req.CreatedTo.IsZero() {
		params.Filters.AddFilter("created", "lte", strconv.FormatInt(req.CreatedTo.Unix(), 10))
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	sessions, err := p.api.listSessions(params)
	if err != nil {
		return nil, classifyStripeError("list checkout sessions", err)
	}
	out := make([]SessionDetails, 0, len(sessions))
	for _, session := range sessions {
		if session == nil {
			continue
		}
		out = append(out, stripeSessionDetails(session))
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
	}
	return out, nil
}

// ExpireCheckoutSession closes an open session so it can no longer be paid.
func (p *StripeProvider) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if _, err := p.api.sessions.Expire(sessionID, params); err != nil {
		return classifyStripeError("expire checkout session", err)
	}
	p.logger(ctx, "payments.stripe.session.expired", map[string]any{
		"sessionId": sessionID,
	})
	return nil
}

func stripeSessionDetails(session *stripe.CheckoutSession) SessionDetails {
	details := SessionDetails{
		ID:                session.ID,
		Provider:          "stripe",
		Status:            SessionStatus(session.Status),
		PaymentStatus:     PaymentStatus(session.PaymentStatus),
		AmountTotal:       session.AmountTotal,
		Currency:          strings.ToLower(string(session.Currency)),
		ClientReferenceID: session.ClientReferenceID,
		Metadata:          session.Metadata,
	}
	if session.Created != 0 {
		details.CreatedAt = time.Unix(session.Created, 0).UTC()
	}
	if session.ExpiresAt != 0 {
		details.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	if intent := session.PaymentIntent; intent != nil && intent.LatestCharge != nil {
		details.ReceiptURL = intent.LatestCharge.ReceiptURL
	}
	if invoice := session.Invoice; invoice != nil {
		details.InvoicePDF = invoice.InvoicePDF
		details.HostedInvoiceURL = invoice.HostedInvoiceURL
	}
	return details
}

func classifyStripeError(op string, err error) error {
	var netErr net.Error
	var stripeErr *stripe.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: stripe: %s: %w", ErrGatewayTimeout, op, err)
	case errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: stripe: %s: %w", ErrSessionNotFound, op, err)
	default:
		return fmt.Errorf("%w: stripe: %s: %w", ErrGatewayFailure, op, err)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
