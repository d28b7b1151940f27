package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meem-store/checkout-api/internal/services"
)

const validCheckoutBody = `{
	"items": [
		{"productId": "p1", "name": "Denim Jacket", "price": 49.99, "quantity": 1, "imageUrl": "https://img.test/jacket.png"},
		{"name": "White Sneakers", "price": 59.99, "quantity": 2}
	],
	"address": {"fullName": "Ayesha Khan", "phone": "555-0100", "street": "1 Main St", "city": "Lahore"}
}`

func newCheckoutRouter(checkout services.CheckoutService, reconciliation services.ReconciliationService, opts ...CheckoutOption) chi.Router {
	handlers := NewCheckoutHandlers(checkout, reconciliation, opts...)
	return NewRouter(WithCheckoutRoutes(handlers.Routes))
}

func TestCheckoutCreateSessionReturnsURL(t *testing.T) {
	svc := &stubCheckoutService{}
	router := newCheckoutRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/create-session", strings.NewReader(validCheckoutBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "user-7")
	req.Header.Set("Idempotency-Key", "client-key-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["url"] != "https://checkout.stripe.test/cs_1" || len(body) != 1 {
		t.Fatalf("unexpected body %v", body)
	}

	cmd := svc.last
	if cmd.UserID != "user-7" || cmd.IdempotencyKey != "client-key-1" {
		t.Fatalf("expected caller headers forwarded, got %+v", cmd)
	}
	if len(cmd.Items) != 2 || cmd.Items[1].Quantity != 2 || cmd.Items[1].Price.String() != "59.99" {
		t.Fatalf("unexpected items %+v", cmd.Items)
	}
	if cmd.Items[0].ProductID != "p1" || cmd.Items[0].ImageURL != "https://img.test/jacket.png" {
		t.Fatalf("unexpected first item %+v", cmd.Items[0])
	}
	if cmd.Address.City != "Lahore" || cmd.Address.FullName != "Ayesha Khan" {
		t.Fatalf("unexpected address %+v", cmd.Address)
	}
}

func TestCheckoutCreateSessionDefaultsQuantity(t *testing.T) {
	svc := &stubCheckoutService{}
	router := newCheckoutRouter(svc, nil)

	body := `{"items":[{"name":"Cap","price":12.50}],"address":{"fullName":"A","phone":"1","street":"S","city":"C"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/checkout/create-session", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.last.Items[0].Quantity != 1 {
		t.Fatalf("expected missing quantity to default to 1, got %d", svc.last.Items[0].Quantity)
	}
}

func TestCheckoutCreateSessionRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantText   string
	}{
		{name: "unknown field", body: `{"items":[],"address":{},"coupon":"FREE"}`, wantStatus: http.StatusBadRequest, wantText: "coupon"},
		{name: "unknown item field", body: `{"items":[{"name":"x","price":1,"discount":5}]}`, wantStatus: http.StatusBadRequest, wantText: "discount"},
		{name: "price as object", body: `{"items":[{"name":"x","price":{}}]}`, wantStatus: http.StatusBadRequest},
		{name: "quantity as string", body: `{"items":[{"name":"x","price":1,"quantity":"two"}]}`, wantStatus: http.StatusBadRequest, wantText: "quantity"},
		{name: "trailing document", body: `{"items":[]} {"items":[]}`, wantStatus: http.StatusBadRequest, wantText: "single JSON document"},
		{name: "empty body", body: ``, wantStatus: http.StatusBadRequest},
		{name: "broken json", body: `{"items":[`, wantStatus: http.StatusBadRequest},
		{name: "missing price", body: `{"items":[{"name":"x"}]}`, wantStatus: http.StatusBadRequest, wantText: "Item 1 price is required."},
		{name: "null price", body: `{"items":[{"name":"x","price":null}]}`, wantStatus: http.StatusBadRequest, wantText: "Item 1 price is required."},
		{name: "quoted price", body: `{"items":[{"name":"x","price":"12.50"}]}`, wantStatus: http.StatusBadRequest, wantText: "Item 1 price must be a number."},
		{name: "quoted price on second item", body: `{"items":[{"name":"x","price":1},{"name":"y","price":"3"}]}`, wantStatus: http.StatusBadRequest, wantText: "Item 2 price must be a number."},
		{name: "boolean price", body: `{"items":[{"name":"x","price":true}]}`, wantStatus: http.StatusBadRequest, wantText: "must be a number"},
		{name: "too large", body: `{"items":[{"name":"` + strings.Repeat("a", maxJSONBodyBytes) + `","price":1}]}`, wantStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{}
			router := newCheckoutRouter(svc, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/checkout/create-session", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			body := decodeErrorBody(t, rr)
			if body.Error != "validation_error" {
				t.Fatalf("expected validation_error, got %q", body.Error)
			}
			if tc.wantText != "" && !strings.Contains(body.Message, tc.wantText) {
				t.Fatalf("expected message to mention %q, got %q", tc.wantText, body.Message)
			}
			if svc.calls != 0 {
				t.Fatalf("service must not be called for malformed input")
			}
		})
	}
}

func TestCheckoutCreateSessionMapsServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "validation",
			err:        &services.ValidationError{Message: "Cart is empty.", Fields: []string{"items"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
			wantMsg:    "Cart is empty.",
		},
		{
			name:       "gateway failure",
			err:        fmt.Errorf("%w: card_declined", services.ErrPaymentGateway),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "payment_gateway_error",
		},
		{
			name:       "gateway timeout",
			err:        fmt.Errorf("%w: deadline", services.ErrGatewayTimeout),
			wantStatus: http.StatusGatewayTimeout,
			wantCode:   "gateway_timeout",
		},
		{
			name:       "orphaned session",
			err:        fmt.Errorf("%w: persist failed", services.ErrInconsistentState),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "inconsistent_state",
		},
		{
			name:       "store down",
			err:        fmt.Errorf("%w: unavailable", services.ErrPersistence),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "persistence_error",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				createFn: func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutResult, error) {
					return services.CheckoutResult{}, tc.err
				},
			}
			router := newCheckoutRouter(svc, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/checkout/create-session", strings.NewReader(validCheckoutBody))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rr.Code)
			}
			body := decodeErrorBody(t, rr)
			if body.Error != tc.wantCode {
				t.Fatalf("expected code %s, got %s", tc.wantCode, body.Error)
			}
			if body.Message == "" {
				t.Fatal("expected a message")
			}
			if tc.wantMsg != "" && body.Message != tc.wantMsg {
				t.Fatalf("expected message %q, got %q", tc.wantMsg, body.Message)
			}
			if body.RequestID == "" {
				t.Fatal("expected request id in error envelope")
			}
		})
	}
}

func TestCheckoutCreateSessionRateLimited(t *testing.T) {
	svc := &stubCheckoutService{}
	router := newCheckoutRouter(svc, nil, WithCheckoutRateLimit(1, time.Minute))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/checkout/create-session", strings.NewReader(validCheckoutBody))
		req.Header.Set("X-User-ID", "user-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("expected first attempt to pass, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Fatalf("expected second attempt to be limited, got %d", code)
	}
	if svc.calls != 1 {
		t.Fatalf("expected one service call, got %d", svc.calls)
	}
}

func TestCheckoutSessionLinks(t *testing.T) {
	recon := &stubReconciliationService{
		linksFn: func(_ context.Context, sessionID string) (services.SessionLinks, error) {
			if sessionID != "cs_paid" {
				t.Fatalf("unexpected session %s", sessionID)
			}
			return services.SessionLinks{ReceiptURL: "https://pay.stripe.test/receipts/1"}, nil
		},
	}
	router := newCheckoutRouter(nil, recon)

	req := httptest.NewRequest(http.MethodGet, "/api/checkout/session/cs_paid", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["receiptUrl"] != "https://pay.stripe.test/receipts/1" {
		t.Fatalf("unexpected receipt url %v", body["receiptUrl"])
	}
	for _, key := range []string{"invoicePdf", "hostedInvoiceUrl"} {
		value, ok := body[key]
		if !ok || value != nil {
			t.Fatalf("expected %s to be present and null, got %v (present=%v)", key, value, ok)
		}
	}
}

func TestCheckoutSessionLinksErrors(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
	}{
		{fmt.Errorf("%w: no such session", services.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: boom", services.ErrPaymentGateway), http.StatusInternalServerError},
		{fmt.Errorf("%w: slow", services.ErrGatewayTimeout), http.StatusGatewayTimeout},
	}
	for _, tc := range tests {
		recon := &stubReconciliationService{
			linksFn: func(context.Context, string) (services.SessionLinks, error) { return services.SessionLinks{}, tc.err },
		}
		router := newCheckoutRouter(nil, recon)

		req := httptest.NewRequest(http.MethodGet, "/api/checkout/session/cs_x", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != tc.wantStatus {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.wantStatus, rr.Code)
		}
	}
}
