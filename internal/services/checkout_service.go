package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/repositories"
)

const (
	orderIDPrefix           = "ord_"
	defaultCheckoutItem     = "Item"
	defaultCheckoutCurrency = "usd"
	defaultDedupWindow      = 10 * time.Minute
	sessionIDPlaceholder    = "{CHECKOUT_SESSION_ID}"
	orphanReasonPersist     = "persist_failed"

	msgCartEmpty      = "Cart is empty."
	msgAddressMissing = "Missing required address fields (full name, phone, street, city)."
	msgTotalTooLarge  = "Order total exceeds the maximum chargeable amount."
	msgCheckoutFailed = "Unable to create Stripe Checkout session"
	msgOrderNotStored = "Payment session was created but the order could not be saved. Please contact support."
)

// checkoutSessionManager abstracts payments.Manager for easier testing.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders     repositories.OrderRepository
	Payments   checkoutSessionManager
	Orphans    OrphanReporter
	Currency   string
	SuccessURL string
	CancelURL  string
	// DedupWindow bounds how long a derived key collapses identical submissions.
	DedupWindow time.Duration
	Clock       func() time.Time
	// IDGenerator derives the order id from the idempotency key. It must be deterministic: the
	// id is sent to the gateway under that key, and a retry with different parameters is refused.
	IDGenerator func(key string) string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	orders     repositories.OrderRepository
	payments   checkoutSessionManager
	orphans    OrphanReporter
	currency   string
	successURL string
	cancelURL  string
	window     time.Duration
	now        func() time.Time
	newID      func(key string) string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	successURL := strings.TrimSpace(deps.SuccessURL)
	if !strings.Contains(successURL, sessionIDPlaceholder) {
		return nil, fmt.Errorf("checkout service: success url must contain %s", sessionIDPlaceholder)
	}
	cancelURL := strings.TrimSpace(deps.CancelURL)
	if cancelURL == "" {
		return nil, errors.New("checkout service: cancel url is required")
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCheckoutCurrency
	}
	window := deps.DedupWindow
	if window <= 0 {
		window = defaultDedupWindow
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = orderIDFromKey
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:     deps.Orders,
		payments:   deps.Payments,
		orphans:    deps.Orphans,
		currency:   currency,
		successURL: successURL,
		cancelURL:  cancelURL,
		window:     window,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateSession validates the cart, opens a gateway session and records the order that tracks it.
// A repeated submission with the same idempotency key is answered from the stored order.
func (s *checkoutService) CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutResult, error) {
	items, address, err := normaliseCheckoutInput(cmd.Items, cmd.Address)
	if err != nil {
		return CheckoutResult{}, err
	}
	userID := strings.TrimSpace(cmd.UserID)

	key := strings.TrimSpace(cmd.IdempotencyKey)
	switch {
	case key == "":
		key = checkoutIdempotencyKey(userID, items, address, s.now().Truncate(s.window))
	case userID != "":
		// Client keys are only unique per caller.
		key = userID + ":" + key
	}

	if existing, found, err := s.findByKey(ctx, key); err != nil {
		return CheckoutResult{}, err
	} else if found {
		s.logger(ctx, "checkout.replayed", map[string]any{
			"orderID":   existing.ID,
			"sessionID": existing.PaymentSessionID,
		})
		return replayResult(existing), nil
	}

	orderID := orderIDPrefix + s.newID(key)
	total := domain.OrderTotal(items)

	session, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{Currency: s.currency}, payments.CheckoutSessionRequest{
		Currency:          s.currency,
		SuccessURL:        s.successURL,
		CancelURL:         s.cancelURL,
		ClientReferenceID: orderID,
		Metadata: map[string]string{
			"order_id":        orderID,
			"idempotency_key": key,
		},
		IdempotencyKey: key,
		Items:          buildCheckoutLineItems(items, s.currency),
	})
	if err != nil {
		s.logger(ctx, "checkout.payment_session_failed", map[string]any{
			"orderID": orderID,
			"error":   err.Error(),
		})
		return CheckoutResult{}, mapGatewayError(err, msgCheckoutFailed)
	}

	now := s.now()
	order := Order{
		ID:               orderID,
		UserID:           userID,
		Items:            items,
		Address:          address,
		TotalAmount:      decimal.NewNullDecimal(total),
		Currency:         s.currency,
		PaymentSessionID: session.ID,
		CheckoutURL:      session.RedirectURL,
		IdempotencyKey:   key,
		Status:           domain.OrderStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	stored, err := s.orders.Insert(ctx, order)
	if err != nil {
		if repositories.IsConflict(err) {
			if existing, found, lookupErr := s.findByKey(ctx, key); lookupErr == nil && found {
				s.logger(ctx, "checkout.concurrent_duplicate", map[string]any{
					"orderID":   existing.ID,
					"sessionID": session.ID,
				})
				return replayResult(existing), nil
			}
		}
		s.reportOrphan(ctx, order, session, err)
		return CheckoutResult{}, newServiceError(ErrInconsistentState, msgOrderNotStored, err)
	}

	s.logger(ctx, "checkout.session_created", map[string]any{
		"orderID":   stored.ID,
		"sessionID": session.ID,
		"provider":  session.Provider,
		"total":     domain.FormatAmount(total),
	})

	return CheckoutResult{
		OrderID:   stored.ID,
		SessionID: session.ID,
		URL:       session.RedirectURL,
	}, nil
}

func (s *checkoutService) findByKey(ctx context.Context, key string) (Order, bool, error) {
	order, err := s.orders.FindByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		return order, true, nil
	case repositories.IsNotFound(err):
		return Order{}, false, nil
	default:
		return Order{}, false, mapRepositoryError(err, "")
	}
}

func (s *checkoutService) reportOrphan(ctx context.Context, order Order, session payments.CheckoutSession, cause error) {
	s.logger(ctx, "checkout.orphaned_session", map[string]any{
		"orderID":   order.ID,
		"sessionID": session.ID,
		"provider":  session.Provider,
		"error":     cause.Error(),
	})
	if s.orphans == nil {
		return
	}
	err := s.orphans.ReportOrphanedSession(ctx, OrphanedSession{
		SessionID:   session.ID,
		Provider:    session.Provider,
		OrderID:     order.ID,
		Status:      payments.SessionStatusOpen,
		AmountTotal: domain.ToMinorUnits(order.Total()),
		Currency:    order.Currency,
		Reason:      orphanReasonPersist,
		CreatedAt:   order.CreatedAt,
		DetectedAt:  s.now(),
	})
	if err != nil {
		s.logger(ctx, "checkout.orphan_report_failed", map[string]any{
			"sessionID": session.ID,
			"error":     err.Error(),
		})
	}
}

func replayResult(order Order) CheckoutResult {
	return CheckoutResult{
		OrderID:   order.ID,
		SessionID: order.PaymentSessionID,
		URL:       order.CheckoutURL,
		Replayed:  true,
	}
}

func normaliseCheckoutInput(items []LineItem, address Address) ([]LineItem, Address, error) {
	if len(items) == 0 {
		return nil, Address{}, newValidationError(msgCartEmpty, "items")
	}

	address = Address{
		FullName:   strings.TrimSpace(address.FullName),
		Phone:      strings.TrimSpace(address.Phone),
		Street:     strings.TrimSpace(address.Street),
		City:       strings.TrimSpace(address.City),
		State:      strings.TrimSpace(address.State),
		PostalCode: strings.TrimSpace(address.PostalCode),
		Country:    strings.TrimSpace(address.Country),
	}
	var missing []string
	for _, field := range []struct {
		name  string
		value string
	}{
		{"address.fullName", address.FullName},
		{"address.phone", address.Phone},
		{"address.street", address.Street},
		{"address.city", address.City},
	} {
		if field.value == "" {
			missing = append(missing, field.name)
		}
	}
	if len(missing) > 0 {
		return nil, Address{}, newValidationError(msgAddressMissing, missing...)
	}

	out := make([]LineItem, len(items))
	total := decimal.Zero
	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)
		if item.Quantity <= 0 {
			return nil, Address{}, newValidationError(fmt.Sprintf("Item %d quantity must be a positive integer.", i+1), field+".quantity")
		}
		if item.Price.IsNegative() {
			return nil, Address{}, newValidationError(fmt.Sprintf("Item %d price must not be negative.", i+1), field+".price")
		}
		if !domain.HasMinorPrecision(item.Price) {
			return nil, Address{}, newValidationError(fmt.Sprintf("Item %d price must have at most two decimal places.", i+1), field+".price")
		}
		if !domain.WithinAmountLimit(item.Price) {
			return nil, Address{}, newValidationError(fmt.Sprintf("Item %d price exceeds the maximum chargeable amount.", i+1), field+".price")
		}
		line := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if !domain.WithinAmountLimit(line) {
			return nil, Address{}, newValidationError(fmt.Sprintf("Item %d total exceeds the maximum chargeable amount.", i+1), field+".quantity")
		}
		total = total.Add(line)
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = defaultCheckoutItem
		}
		out[i] = LineItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      name,
			Price:     item.Price,
			Quantity:  item.Quantity,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		}
	}
	if !domain.WithinAmountLimit(total) {
		return nil, Address{}, newValidationError(msgTotalTooLarge, "items")
	}
	return out, address, nil
}

func buildCheckoutLineItems(items []LineItem, currency string) []payments.CheckoutLineItem {
	lines := make([]payments.CheckoutLineItem, 0, len(items))
	for _, item := range items {
		lines = append(lines, payments.CheckoutLineItem{
			Name:      item.Name,
			ProductID: item.ProductID,
			ImageURL:  item.ImageURL,
			Quantity:  int64(item.Quantity),
			Amount:    domain.UnitAmountMinor(item.Price),
			Currency:  currency,
		})
	}
	return lines
}

// checkoutIdempotencyKey derives a key from the submission and the dedup bucket it falls in, so
// double submits of the same cart collapse onto one order while a later repeat purchase does not.
// orderIDFromKey encodes the first 128 bits of sha256(key) in ULID form.
func orderIDFromKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	var id ulid.ULID
	copy(id[:], sum[:len(id)])
	return id.String()
}

func checkoutIdempotencyKey(userID string, items []LineItem, address Address, bucket time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d|%s", bucket.Unix(), userID)
	for _, item := range items {
		fmt.Fprintf(&b, "|%s|%s|%s|%d|%s", item.ProductID, item.Name, domain.FormatAmount(item.Price), item.Quantity, item.ImageURL)
	}
	fmt.Fprintf(&b, "|%s|%s|%s|%s|%s|%s|%s",
		address.FullName, address.Phone, address.Street, address.City, address.State, address.PostalCode, address.Country)
	sum := sha256.Sum256([]byte(b.String()))
	return "chk_" + hex.EncodeToString(sum[:])
}
