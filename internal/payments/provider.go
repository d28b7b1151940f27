package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the normalised lifecycle state of a hosted checkout session.
type SessionStatus string

const (
	// SessionStatusOpen means the customer can still complete payment.
	SessionStatusOpen SessionStatus = "open"
	// SessionStatusComplete means the customer finished the hosted flow.
	SessionStatusComplete SessionStatus = "complete"
	// SessionStatusExpired means the session can no longer be paid.
	SessionStatusExpired SessionStatus = "expired"
)

// PaymentStatus reports whether the gateway collected funds for a session.
type PaymentStatus string

const (
	PaymentStatusPaid              PaymentStatus = "paid"
	PaymentStatusUnpaid            PaymentStatus = "unpaid"
	PaymentStatusNoPaymentRequired PaymentStatus = "no_payment_required"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayFailure wraps hard rejections and transport failures from a provider.
	ErrGatewayFailure = errors.New("payments: gateway failure")
	// ErrGatewayTimeout marks calls that exceeded their deadline. Callers may retry.
	ErrGatewayTimeout = errors.New("payments: gateway timeout")
	// ErrSessionNotFound is returned when the provider does not know the session id.
	ErrSessionNotFound = errors.New("payments: session not found")
)

// CheckoutLineItem describes a single priced line submitted to the gateway.
type CheckoutLineItem struct {
	Name      string
	ProductID string
	ImageURL  string
	Quantity  int64
	Amount    int64
	Currency  string
}

// CheckoutSessionRequest captures the payload required to create a hosted checkout session.
type CheckoutSessionRequest struct {
	Currency          string
	SuccessURL        string
	CancelURL         string
	ClientReferenceID string
	Metadata          map[string]string
	IdempotencyKey    string
	Items             []CheckoutLineItem
}

// CheckoutSession is the gateway session returned to the checkout flow.
type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	ExpiresAt   time.Time
}

// SessionDetails normalises what the gateway knows about a session. Link fields are empty when the
// gateway has no such document.
type SessionDetails struct {
	ID                string
	Provider          string
	Status            SessionStatus
	PaymentStatus     PaymentStatus
	AmountTotal       int64
	Currency          string
	ClientReferenceID string
	Metadata          map[string]string
	ReceiptURL        string
	InvoicePDF        string
	HostedInvoiceURL  string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Paid reports whether the gateway considers the session settled.
func (d SessionDetails) Paid() bool {
	return d.PaymentStatus == PaymentStatusPaid || d.PaymentStatus == PaymentStatusNoPaymentRequired
}

// SessionListRequest selects sessions created within [CreatedFrom, CreatedTo].
type SessionListRequest struct {
	CreatedFrom time.Time
	CreatedTo   time.Time
	Limit       int
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	LookupCheckoutSession(ctx context.Context, sessionID string) (SessionDetails, error)
	ListCheckoutSessions(ctx context.Context, req SessionListRequest) ([]SessionDetails, error)
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
}

const defaultCallTimeout = 10 * time.Second

// Manager coordinates provider selection and bounds every provider call with a timeout.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
	timeout         time.Duration
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// WithCallTimeout sets the deadline applied to each provider call.
func WithCallTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.timeout = timeout
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
		timeout:   defaultCallTimeout,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// bounded runs fn under the manager timeout. A deadline hit by the manager itself is reported as
// ErrGatewayTimeout; cancellation by the caller is passed through untouched.
func (m *Manager) bounded(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("payments: %s: %w", op, ctx.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrGatewayTimeout) {
		return fmt.Errorf("%w: %s exceeded %s: %w", ErrGatewayTimeout, op, m.timeout, err)
	}
	return err
}

// CreateCheckoutSession delegates to the resolved provider.
func (m *Manager) CreateCheckoutSession(ctx context.Context, paymentCtx PaymentContext, req CheckoutSessionRequest) (CheckoutSession, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CheckoutSession{}, err
	}
	var session CheckoutSession
	err = m.bounded(ctx, "create checkout session", func(ctx context.Context) error {
		var callErr error
		session, callErr = provider.CreateCheckoutSession(ctx, req)
		return callErr
	})
	if err != nil {
		return CheckoutSession{}, err
	}
	session.Provider = key
	return session, nil
}

// LookupCheckoutSession delegates to the resolved provider.
func (m *Manager) LookupCheckoutSession(ctx context.Context, paymentCtx PaymentContext, sessionID string) (SessionDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return SessionDetails{}, err
	}
	var details SessionDetails
	err = m.bounded(ctx, "lookup checkout session", func(ctx context.Context) error {
		var callErr error
		details, callErr = provider.LookupCheckoutSession(ctx, sessionID)
		return callErr
	})
	if err != nil {
		return SessionDetails{}, err
	}
	details.Provider = key
	return details, nil
}

// ListCheckoutSessions delegates to the resolved provider.
func (m *Manager) ListCheckoutSessions(ctx context.Context, paymentCtx PaymentContext, req SessionListRequest) ([]SessionDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return nil, err
	}
	var sessions []SessionDetails
	err = m.bounded(ctx, "list checkout sessions", func(ctx context.Context) error {
		var callErr error
		sessions, callErr = provider.ListCheckoutSessions(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].Provider = key
	}
	return sessions, nil
}

// ExpireCheckoutSession delegates to the resolved provider.
func (m *Manager) ExpireCheckoutSession(ctx context.Context, paymentCtx PaymentContext, sessionID string) error {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return err
	}
	return m.bounded(ctx, "expire checkout session", func(ctx context.Context) error {
		return provider.ExpireCheckoutSession(ctx, sessionID)
	})
}
