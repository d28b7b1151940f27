package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/platform/httpx"
	"github.com/meem-store/checkout-api/internal/platform/pagination"
	"github.com/meem-store/checkout-api/internal/services"
)

const (
	maxOrderPageSize    = 200
	nextPageTokenHeader = "X-Next-Page-Token"
)

// OrderHandlers exposes order reads, operator status updates and receipt downloads.
type OrderHandlers struct {
	orders         services.OrderService
	reconciliation services.ReconciliationService
	receipts       services.ReceiptService
}

// NewOrderHandlers constructs order handlers. Receipts and session lookups are optional.
func NewOrderHandlers(orders services.OrderService, reconciliation services.ReconciliationService, receipts services.ReceiptService) *OrderHandlers {
	return &OrderHandlers{
		orders:         orders,
		reconciliation: reconciliation,
		receipts:       receipts,
	}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/by-session/{sessionId}", h.getOrderBySession)
	r.Get("/{orderId}", h.getOrder)
	r.Patch("/{orderId}/status", h.updateStatus)
	r.Get("/{orderId}/receipt", h.downloadReceipt)
}

type orderItemPayload struct {
	ProductID string      `json:"productId,omitempty"`
	Name      string      `json:"name"`
	Price     json.Number `json:"price"`
	Quantity  int         `json:"quantity"`
	ImageURL  string      `json:"imageUrl,omitempty"`
	LineTotal json.Number `json:"lineTotal"`
}

type orderPayload struct {
	ID               string             `json:"id"`
	UserID           string             `json:"userId,omitempty"`
	Items            []orderItemPayload `json:"items"`
	Address          addressPayload     `json:"address"`
	TotalAmount      json.Number        `json:"totalAmount"`
	Currency         string             `json:"currency"`
	PaymentSessionID string             `json:"paymentSessionId,omitempty"`
	Status           string             `json:"status"`
	PaymentStatus    string             `json:"paymentStatus,omitempty"`
	CreatedAt        string             `json:"createdAt"`
	UpdatedAt        string             `json:"updatedAt"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	page, err := pagination.ParseQuery(query, maxOrderPageSize)
	if err != nil {
		writeServiceError(ctx, w, &services.ValidationError{Message: "pageSize must be a non-negative integer.", Fields: []string{"pageSize"}})
		return
	}
	filter := services.OrderListFilter{
		Pagination: services.Pagination{PageSize: page.PageSize, PageToken: page.PageToken},
	}

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			writeServiceError(ctx, w, &services.ValidationError{Message: fmt.Sprintf("Unknown status %q.", raw), Fields: []string{"status"}})
			return
		}
		filter.Status = &status
	}

	orders, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := make([]orderPayload, 0, len(orders.Items))
	for _, order := range orders.Items {
		payload = append(payload, buildOrderPayload(order))
	}
	if orders.NextPageToken != "" {
		w.Header().Set(nextPageTokenHeader, orders.NextPageToken)
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	order, err := h.orders.GetOrder(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) getOrderBySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciliation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	resolved, err := h.reconciliation.ResolveSession(ctx, chi.URLParam(r, "sessionId"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := buildOrderPayload(resolved.Order)
	payload.PaymentStatus = string(resolved.PaymentStatus)
	writeJSON(w, http.StatusOK, payload)
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req updateStatusRequest
	if err := decodeStrictJSON(r, maxJSONBodyBytes, &req); err != nil {
		writeDecodeError(ctx, w, err)
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      chi.URLParam(r, "orderId"),
		TargetStatus: req.Status,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) downloadReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.receipts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("receipt_unavailable", "receipt rendering unavailable", http.StatusServiceUnavailable))
		return
	}

	receipt, err := h.receipts.Render(ctx, services.RenderReceiptCommand{
		OrderID: chi.URLParam(r, "orderId"),
		Format:  services.ReceiptFormat(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", receipt.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", receipt.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(receipt.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(receipt.Body)
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     json.Number(domain.FormatAmount(item.Price)),
			Quantity:  item.Quantity,
			ImageURL:  item.ImageURL,
			LineTotal: json.Number(domain.FormatAmount(item.LineTotal())),
		})
	}

	return orderPayload{
		ID:               order.ID,
		UserID:           order.UserID,
		Items:            items,
		Address:          addressPayload(order.Address),
		TotalAmount:      json.Number(domain.FormatAmount(order.Total())),
		Currency:         order.Currency,
		PaymentSessionID: order.PaymentSessionID,
		Status:           string(order.Status),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
