package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/repositories"
	"github.com/meem-store/checkout-api/internal/repositories/memory"
)

const (
	testSuccessURL = "http://localhost:3000/success?session_id={CHECKOUT_SESSION_ID}"
	testCancelURL  = "http://localhost:3000/checkout"
)

func sampleCart() []LineItem {
	return []LineItem{
		{Name: "Denim Jacket", Price: decimal.RequireFromString("49.99"), Quantity: 1},
		{Name: "White Sneakers", Price: decimal.RequireFromString("59.99"), Quantity: 2},
	}
}

func sampleAddress() Address {
	return Address{FullName: "Ali Khan", Phone: "0300-0000000", Street: "1 Campus Rd", City: "Lahore"}
}

func newTestCheckoutService(t *testing.T, orders repositories.OrderRepository, psp *stubPayments, mutate func(*CheckoutServiceDeps)) CheckoutService {
	t.Helper()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	deps := CheckoutServiceDeps{
		Orders:      orders,
		Payments:    psp,
		SuccessURL:  testSuccessURL,
		CancelURL:   testCancelURL,
		Clock:       func() time.Time { return now },
		IDGenerator: func(string) string { return "01HZXTEST" },
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewCheckoutService(deps)
	if err != nil {
		t.Fatalf("NewCheckoutService: %v", err)
	}
	return svc
}

func TestCheckoutServiceCreateSessionPersistsOrder(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	psp := &stubPayments{}
	events := &eventRecorder{}
	svc := newTestCheckoutService(t, orders, psp, func(d *CheckoutServiceDeps) { d.Logger = events.log })

	result, err := svc.CreateSession(ctx, CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress()})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if result.URL != "https://checkout.stripe.test/ord_01HZXTEST" || result.Replayed {
		t.Fatalf("unexpected result %+v", result)
	}

	req := psp.lastCreate
	if req.SuccessURL != testSuccessURL || req.CancelURL != testCancelURL {
		t.Fatalf("unexpected redirect urls %q %q", req.SuccessURL, req.CancelURL)
	}
	if req.ClientReferenceID != "ord_01HZXTEST" || req.Metadata["order_id"] != "ord_01HZXTEST" {
		t.Fatalf("expected order reference on session request, got %+v", req)
	}
	if req.IdempotencyKey == "" || req.IdempotencyKey != req.Metadata["idempotency_key"] {
		t.Fatalf("expected idempotency key forwarded, got %q", req.IdempotencyKey)
	}
	if len(req.Items) != 2 || req.Items[0].Amount != 4999 || req.Items[1].Amount != 5999 || req.Items[1].Quantity != 2 {
		t.Fatalf("unexpected line items %+v", req.Items)
	}
	if req.Currency != "usd" {
		t.Fatalf("expected default currency usd, got %s", req.Currency)
	}

	order, err := orders.FindBySessionID(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("FindBySessionID: %v", err)
	}
	if order.Status != domain.OrderStatusCreated {
		t.Fatalf("expected created status, got %s", order.Status)
	}
	if got := domain.FormatAmount(order.Total()); got != "169.97" {
		t.Fatalf("expected total 169.97, got %s", got)
	}
	if len(order.Items) != 2 || order.Items[1].Name != "White Sneakers" || order.Address != sampleAddress() {
		t.Fatalf("stored order does not match submission: %+v", order)
	}
	if _, ok := events.find("checkout.session_created"); !ok {
		t.Fatal("expected session_created event")
	}
}

func TestCheckoutServiceCreateSessionValidation(t *testing.T) {
	tests := []struct {
		name    string
		cmd     CreateCheckoutSessionCommand
		message string
		field   string
	}{
		{
			name:    "empty cart",
			cmd:     CreateCheckoutSessionCommand{Address: sampleAddress()},
			message: "Cart is empty.",
			field:   "items",
		},
		{
			name: "missing city",
			cmd: CreateCheckoutSessionCommand{Items: sampleCart(), Address: Address{
				FullName: "Ali Khan", Phone: "0300", Street: "1 Campus Rd", City: "   ",
			}},
			message: "Missing required address fields (full name, phone, street, city).",
			field:   "address.city",
		},
		{
			name: "zero quantity",
			cmd: CreateCheckoutSessionCommand{Address: sampleAddress(), Items: []LineItem{
				{Name: "Cap", Price: decimal.RequireFromString("5"), Quantity: 0},
			}},
			message: "Item 1 quantity must be a positive integer.",
			field:   "items[0].quantity",
		},
		{
			name: "negative price",
			cmd: CreateCheckoutSessionCommand{Address: sampleAddress(), Items: []LineItem{
				{Name: "Cap", Price: decimal.RequireFromString("5"), Quantity: 1},
				{Name: "Refund", Price: decimal.RequireFromString("-1"), Quantity: 1},
			}},
			message: "Item 2 price must not be negative.",
			field:   "items[1].price",
		},
		{
			name: "sub-cent price",
			cmd: CreateCheckoutSessionCommand{Address: sampleAddress(), Items: []LineItem{
				{Name: "Pin", Price: decimal.RequireFromString("0.125"), Quantity: 1},
			}},
			message: "Item 1 price must have at most two decimal places.",
			field:   "items[0].price",
		},
		{
			name: "price that would wrap int64 cents",
			cmd: CreateCheckoutSessionCommand{Address: sampleAddress(), Items: []LineItem{
				{Name: "Watch", Price: decimal.RequireFromString("184467440737095517.16"), Quantity: 1},
			}},
			message: "Item 1 price exceeds the maximum chargeable amount.",
			field:   "items[0].price",
		},
		{
			name: "line total above gateway ceiling",
			cmd: CreateCheckoutSessionCommand{Address: sampleAddress(), Items: []LineItem{
				{Name: "Rug", Price: decimal.RequireFromString("500000"), Quantity: 2},
			}},
			message: "Item 1 total exceeds the maximum chargeable amount.",
			field:   "items[0].quantity",
		},
		{
			name: "cart total above gateway ceiling",
			cmd: CreateCheckoutSessionCommand{Address: sampleAddress(), Items: []LineItem{
				{Name: "Rug", Price: decimal.RequireFromString("600000"), Quantity: 1},
				{Name: "Lamp", Price: decimal.RequireFromString("400000"), Quantity: 1},
			}},
			message: "Order total exceeds the maximum chargeable amount.",
			field:   "items",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			psp := &stubPayments{}
			orders := &stubOrderRepository{
				insertFunc: func(context.Context, domain.Order) (domain.Order, error) {
					t.Fatal("insert must not be called")
					return domain.Order{}, nil
				},
			}
			svc := newTestCheckoutService(t, orders, psp, nil)

			_, err := svc.CreateSession(context.Background(), tc.cmd)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if vErr.SafeMessage() != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, vErr.SafeMessage())
			}
			found := false
			for _, f := range vErr.Fields {
				found = found || f == tc.field
			}
			if !found {
				t.Fatalf("expected field %s in %v", tc.field, vErr.Fields)
			}
			if psp.creates() != 0 {
				t.Fatal("gateway must not be called on invalid input")
			}
		})
	}
}

func TestCheckoutServiceDefaultsBlankItemName(t *testing.T) {
	orders := memory.NewOrderRepository()
	psp := &stubPayments{}
	svc := newTestCheckoutService(t, orders, psp, nil)

	_, err := svc.CreateSession(context.Background(), CreateCheckoutSessionCommand{
		Address: sampleAddress(),
		Items:   []LineItem{{Name: "  ", Price: decimal.RequireFromString("10"), Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if psp.lastCreate.Items[0].Name != "Item" {
		t.Fatalf("expected default item name, got %q", psp.lastCreate.Items[0].Name)
	}
}

func TestCheckoutServiceGatewayFailurePersistsNothing(t *testing.T) {
	tests := []struct {
		name    string
		gateway error
		want    error
	}{
		{"rejection", errors.New("payments: gateway failure: card declined"), ErrPaymentGateway},
		{"timeout", payments.ErrGatewayTimeout, ErrGatewayTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			orders := memory.NewOrderRepository()
			psp := &stubPayments{
				createFunc: func(context.Context, payments.PaymentContext, payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
					return payments.CheckoutSession{}, tc.gateway
				},
			}
			svc := newTestCheckoutService(t, orders, psp, nil)

			_, err := svc.CreateSession(context.Background(), CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress()})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			page, err := orders.List(context.Background(), domain.OrderListFilter{})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(page.Items) != 0 {
				t.Fatalf("expected no orders persisted, got %d", len(page.Items))
			}
		})
	}
}

func TestCheckoutServiceReplaysIdempotentSubmission(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	psp := &stubPayments{}
	svc := newTestCheckoutService(t, orders, psp, nil)

	cmd := CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress(), IdempotencyKey: "client-key-1"}
	first, err := svc.CreateSession(ctx, cmd)
	if err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	second, err := svc.CreateSession(ctx, cmd)
	if err != nil {
		t.Fatalf("second CreateSession: %v", err)
	}
	if !second.Replayed || second.URL != first.URL || second.OrderID != first.OrderID {
		t.Fatalf("expected replay of %+v, got %+v", first, second)
	}
	if psp.creates() != 1 {
		t.Fatalf("expected exactly one gateway session, got %d", psp.creates())
	}
	if psp.lastCreate.IdempotencyKey != "client-key-1" {
		t.Fatalf("expected client key forwarded, got %q", psp.lastCreate.IdempotencyKey)
	}
}

func TestCheckoutServiceDerivedKeyCollapsesDoubleSubmit(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	psp := &stubPayments{}
	ids := []string{"A", "B"}
	svc := newTestCheckoutService(t, orders, psp, func(d *CheckoutServiceDeps) {
		d.IDGenerator = func(string) string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
	})

	cmd := CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress()}
	if _, err := svc.CreateSession(ctx, cmd); err != nil {
		t.Fatalf("first CreateSession: %v", err)
	}
	again, err := svc.CreateSession(ctx, cmd)
	if err != nil {
		t.Fatalf("second CreateSession: %v", err)
	}
	if !again.Replayed || again.OrderID != "ord_A" {
		t.Fatalf("expected replay of ord_A, got %+v", again)
	}

	cmd.Items[0].Quantity = 3
	changed, err := svc.CreateSession(ctx, cmd)
	if err != nil {
		t.Fatalf("changed CreateSession: %v", err)
	}
	if changed.Replayed || changed.OrderID != "ord_B" {
		t.Fatalf("a different cart must create a new order, got %+v", changed)
	}
}

func TestCheckoutServicePersistFailureReportsOrphan(t *testing.T) {
	persistErr := repositories.NewOrderError("orders.insert", repositories.OrderErrorUnavailable, "firestore unavailable", errors.New("rpc error"))
	orders := &stubOrderRepository{
		insertFunc: func(context.Context, domain.Order) (domain.Order, error) {
			return domain.Order{}, persistErr
		},
	}
	psp := &stubPayments{}
	reporter := &stubOrphanReporter{}
	events := &eventRecorder{}
	svc := newTestCheckoutService(t, orders, psp, func(d *CheckoutServiceDeps) {
		d.Orphans = reporter
		d.Logger = events.log
	})

	_, err := svc.CreateSession(context.Background(), CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress()})
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState, got %v", err)
	}
	if !errors.Is(err, persistErr) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}

	event, ok := events.find("checkout.orphaned_session")
	if !ok {
		t.Fatal("expected orphaned_session event")
	}
	if event.fields["sessionID"] != "cs_ord_01HZXTEST" {
		t.Fatalf("expected session id logged, got %v", event.fields["sessionID"])
	}
	if len(reporter.reported) != 1 {
		t.Fatalf("expected one orphan report, got %d", len(reporter.reported))
	}
	orphan := reporter.reported[0]
	if orphan.SessionID != "cs_ord_01HZXTEST" || orphan.OrderID != "ord_01HZXTEST" || orphan.AmountTotal != 16997 {
		t.Fatalf("unexpected orphan %+v", orphan)
	}
}

func TestCheckoutServiceRetryAfterPersistFailureReusesGatewayParameters(t *testing.T) {
	persistErr := repositories.NewOrderError("orders.insert", repositories.OrderErrorUnavailable, "firestore unavailable", errors.New("rpc error"))
	inserts := 0
	memOrders := memory.NewOrderRepository()
	orders := &stubOrderRepository{
		findByKeyFunc: memOrders.FindByIdempotencyKey,
		insertFunc: func(ctx context.Context, order domain.Order) (domain.Order, error) {
			inserts++
			if inserts == 1 {
				return domain.Order{}, persistErr
			}
			return memOrders.Insert(ctx, order)
		},
	}

	cases := []struct {
		name string
		cmd  CreateCheckoutSessionCommand
	}{
		{name: "client key", cmd: CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress(), IdempotencyKey: "retry-key"}},
		{name: "derived key", cmd: CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress(), UserID: "user-7"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inserts = 0
			psp := &stubPayments{}
			svc := newTestCheckoutService(t, orders, psp, func(d *CheckoutServiceDeps) {
				d.IDGenerator = nil
				d.Orphans = &stubOrphanReporter{}
			})

			_, err := svc.CreateSession(context.Background(), tc.cmd)
			if !errors.Is(err, ErrInconsistentState) {
				t.Fatalf("expected ErrInconsistentState, got %v", err)
			}
			first := psp.lastCreate

			retried, err := svc.CreateSession(context.Background(), tc.cmd)
			if err != nil {
				t.Fatalf("retry must be accepted by the gateway, got %v", err)
			}
			if psp.lastCreate.ClientReferenceID != first.ClientReferenceID || retried.OrderID != first.ClientReferenceID {
				t.Fatalf("order id changed across retries: %q then %q", first.ClientReferenceID, psp.lastCreate.ClientReferenceID)
			}
			if retried.SessionID != "cs_"+first.ClientReferenceID {
				t.Fatalf("expected the original gateway session, got %q", retried.SessionID)
			}
		})
	}
}

func TestCheckoutServiceClientKeysAreScopedPerUser(t *testing.T) {
	ctx := context.Background()
	orders := memory.NewOrderRepository()
	psp := &stubPayments{}
	svc := newTestCheckoutService(t, orders, psp, func(d *CheckoutServiceDeps) { d.IDGenerator = nil })

	alice, err := svc.CreateSession(ctx, CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress(), UserID: "alice", IdempotencyKey: "cart-1"})
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	other := sampleCart()[:1]
	bob, err := svc.CreateSession(ctx, CreateCheckoutSessionCommand{Items: other, Address: sampleAddress(), UserID: "bob", IdempotencyKey: "cart-1"})
	if err != nil {
		t.Fatalf("bob must not collide with alice's key: %v", err)
	}
	if bob.Replayed || bob.OrderID == alice.OrderID {
		t.Fatalf("expected separate orders, got %+v and %+v", alice, bob)
	}
}

func TestOrderIDFromKeyIsStable(t *testing.T) {
	a := orderIDFromKey("chk_abc")
	if a != orderIDFromKey("chk_abc") {
		t.Fatal("same key must give the same id")
	}
	if a == orderIDFromKey("chk_abd") {
		t.Fatal("different keys must give different ids")
	}
	if len(a) != 26 {
		t.Fatalf("expected a 26 character id, got %q", a)
	}
}

func TestCheckoutServiceConcurrentDuplicateResolvesToExistingOrder(t *testing.T) {
	existing := domain.Order{ID: "ord_winner", PaymentSessionID: "cs_winner", CheckoutURL: "https://checkout.stripe.test/winner"}
	lookups := 0
	orders := &stubOrderRepository{
		findByKeyFunc: func(context.Context, string) (domain.Order, error) {
			lookups++
			if lookups == 1 {
				return domain.Order{}, stubNotFound("orders.findByIdempotencyKey")
			}
			return existing, nil
		},
		insertFunc: func(context.Context, domain.Order) (domain.Order, error) {
			return domain.Order{}, repositories.NewOrderError("orders.insert", repositories.OrderErrorConflict, "duplicate", nil)
		},
	}
	reporter := &stubOrphanReporter{}
	svc := newTestCheckoutService(t, orders, &stubPayments{}, func(d *CheckoutServiceDeps) { d.Orphans = reporter })

	result, err := svc.CreateSession(context.Background(), CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress(), IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !result.Replayed || result.OrderID != "ord_winner" || result.URL != existing.CheckoutURL {
		t.Fatalf("expected existing order, got %+v", result)
	}
	if len(reporter.reported) != 0 {
		t.Fatal("a resolved duplicate is not an orphan")
	}
}

func TestCheckoutServiceStoreUnavailableBeforeGateway(t *testing.T) {
	orders := &stubOrderRepository{
		findByKeyFunc: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, repositories.NewOrderError("orders.findByIdempotencyKey", repositories.OrderErrorUnavailable, "down", nil)
		},
	}
	psp := &stubPayments{}
	svc := newTestCheckoutService(t, orders, psp, nil)

	_, err := svc.CreateSession(context.Background(), CreateCheckoutSessionCommand{Items: sampleCart(), Address: sampleAddress()})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if psp.creates() != 0 {
		t.Fatal("gateway must not be called when the store is down")
	}
}

func TestNewCheckoutServiceValidatesDeps(t *testing.T) {
	orders := memory.NewOrderRepository()
	if _, err := NewCheckoutService(CheckoutServiceDeps{Payments: &stubPayments{}, SuccessURL: testSuccessURL, CancelURL: testCancelURL}); err == nil {
		t.Fatal("expected error without orders")
	}
	_, err := NewCheckoutService(CheckoutServiceDeps{Orders: orders, Payments: &stubPayments{}, SuccessURL: "http://localhost:3000/success", CancelURL: testCancelURL})
	if err == nil || !strings.Contains(err.Error(), "{CHECKOUT_SESSION_ID}") {
		t.Fatalf("expected placeholder error, got %v", err)
	}
}
