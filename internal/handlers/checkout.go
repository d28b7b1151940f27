package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/meem-store/checkout-api/internal/platform/httpx"
	"github.com/meem-store/checkout-api/internal/services"
)

const (
	userIDHeader         = "X-User-ID"
	idempotencyKeyHeader = "Idempotency-Key"
)

// CheckoutHandlers exposes the storefront checkout endpoints.
type CheckoutHandlers struct {
	checkout       services.CheckoutService
	reconciliation services.ReconciliationService
	limiter        *callerLimiter
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit allows each caller a burst of limit session creations, refilled over window.
func WithCheckoutRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newCallerLimiter(limit, window, time.Now)
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(checkout services.CheckoutService, reconciliation services.ReconciliationService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		checkout:       checkout,
		reconciliation: reconciliation,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/create-session", h.createSession)
	r.Get("/session/{sessionId}", h.sessionLinks)
}

type checkoutItemRequest struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     json.RawMessage `json:"price"`
	Quantity  *int            `json:"quantity"`
	ImageURL  string          `json:"imageUrl"`
}

type addressPayload struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

type checkoutSessionRequest struct {
	Items   []checkoutItemRequest `json:"items"`
	Address *addressPayload       `json:"address"`
}

type checkoutSessionResponse struct {
	URL string `json:"url"`
}

type sessionLinksResponse struct {
	ReceiptURL       *string `json:"receiptUrl"`
	InvoicePDF       *string `json:"invoicePdf"`
	HostedInvoiceURL *string `json:"hostedInvoiceUrl"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if h.limiter != nil && !h.limiter.Allow(rateLimitKey(userID, r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts, try again shortly", http.StatusTooManyRequests))
		return
	}

	var req checkoutSessionRequest
	if err := decodeStrictJSON(r, maxJSONBodyBytes, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	items := make([]services.LineItem, 0, len(req.Items))
	for i, item := range req.Items {
		price, err := parseItemPrice(i, item.Price)
		if err != nil {
			writeServiceError(ctx, w, err)
			return
		}
		quantity := 1
		if item.Quantity != nil {
			quantity = *item.Quantity
		}
		items = append(items, services.LineItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      item.Name,
			Price:     price,
			Quantity:  quantity,
			ImageURL:  strings.TrimSpace(item.ImageURL),
		})
	}

	var address services.Address
	if req.Address != nil {
		address = services.Address(*req.Address)
	}

	result, err := h.checkout.CreateSession(ctx, services.CreateCheckoutSessionCommand{
		UserID:         userID,
		Items:          items,
		Address:        address,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, checkoutSessionResponse{URL: result.URL})
}

// parseItemPrice accepts only a JSON number. Quoted prices are refused.
func parseItemPrice(index int, raw json.RawMessage) (decimal.Decimal, error) {
	field := "items[" + strconv.Itoa(index) + "].price"
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Decimal{}, &services.ValidationError{
			Message: "Item " + strconv.Itoa(index+1) + " price is required.",
			Fields:  []string{field},
		}
	}
	invalid := &services.ValidationError{
		Message: "Item " + strconv.Itoa(index+1) + " price must be a number.",
		Fields:  []string{field},
	}
	if c := raw[0]; c != '-' && (c < '0' || c > '9') {
		return decimal.Decimal{}, invalid
	}
	price, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Decimal{}, invalid
	}
	return price, nil
}

func (h *CheckoutHandlers) sessionLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	links, err := h.reconciliation.SessionLinks(ctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	writeJSON(w, http.StatusOK, sessionLinksResponse{
		ReceiptURL:       optionalString(links.ReceiptURL),
		InvoicePDF:       optionalString(links.InvoicePDF),
		HostedInvoiceURL: optionalString(links.HostedInvoiceURL),
	})
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}
