package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/services"
)

type stubCheckoutService struct {
	createFn func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutResult, error)
	last     services.CreateCheckoutSessionCommand
	calls    int
}

func (s *stubCheckoutService) CreateSession(ctx context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutResult, error) {
	s.calls++
	s.last = cmd
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutResult{OrderID: "ord_1", SessionID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
}

type stubReconciliationService struct {
	resolveFn func(context.Context, string) (services.ResolvedOrder, error)
	linksFn   func(context.Context, string) (services.SessionLinks, error)
}

func (s *stubReconciliationService) ResolveSession(ctx context.Context, sessionID string) (services.ResolvedOrder, error) {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, sessionID)
	}
	return services.ResolvedOrder{}, errors.New("not implemented")
}

func (s *stubReconciliationService) SessionLinks(ctx context.Context, sessionID string) (services.SessionLinks, error) {
	if s.linksFn != nil {
		return s.linksFn(ctx, sessionID)
	}
	return services.SessionLinks{}, errors.New("not implemented")
}

type stubOrderService struct {
	getFn        func(context.Context, string) (services.Order, error)
	listFn       func(context.Context, services.OrderListFilter) (services.OrderPage, error)
	transitionFn func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListFilter) (services.OrderPage, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return services.OrderPage{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubReceiptService struct {
	renderFn func(context.Context, services.RenderReceiptCommand) (services.Receipt, error)
}

func (s *stubReceiptService) Render(ctx context.Context, cmd services.RenderReceiptCommand) (services.Receipt, error) {
	if s.renderFn != nil {
		return s.renderFn(ctx, cmd)
	}
	return services.Receipt{}, errors.New("not implemented")
}

var (
	_ services.CheckoutService       = (*stubCheckoutService)(nil)
	_ services.ReconciliationService = (*stubReconciliationService)(nil)
	_ services.OrderService          = (*stubOrderService)(nil)
	_ services.ReceiptService        = (*stubReceiptService)(nil)
)

func sampleOrder() services.Order {
	created := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	return services.Order{
		ID: "ord_01HZX",
		Items: []services.LineItem{
			{ProductID: "p1", Name: "Denim Jacket", Price: decimal.RequireFromString("49.99"), Quantity: 1, ImageURL: "https://img.test/jacket.png"},
			{Name: "White Sneakers", Price: decimal.RequireFromString("59.99"), Quantity: 2},
		},
		Address: services.Address{
			FullName: "Ayesha Khan",
			Phone:    "555-0100",
			Street:   "1 Main St",
			City:     "Lahore",
		},
		TotalAmount:      decimal.NewNullDecimal(decimal.RequireFromString("169.97")),
		Currency:         "usd",
		PaymentSessionID: "cs_test_1",
		Status:           domain.OrderStatusCreated,
		CreatedAt:        created,
		UpdatedAt:        created,
	}
}

type errorBody struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	RequestID string   `json:"request_id"`
	Fields    []string `json:"fields"`
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rr.Body.String(), err)
	}
	return body
}
