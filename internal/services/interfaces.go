package services

import (
	"context"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Order              = domain.Order
	OrderStatus        = domain.OrderStatus
	LineItem           = domain.LineItem
	Address            = domain.Address
	OrderListFilter    = domain.OrderListFilter
	OrderPage          = domain.OrderPage
	SystemHealthReport = domain.SystemHealthReport
)

// CheckoutService turns a cart into a gateway checkout session backed by a persisted order.
type CheckoutService interface {
	CreateSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutResult, error)
}

// ReconciliationService maps a gateway session back to the order created for it.
type ReconciliationService interface {
	ResolveSession(ctx context.Context, sessionID string) (ResolvedOrder, error)
	SessionLinks(ctx context.Context, sessionID string) (SessionLinks, error)
}

// OrderService exposes order reads and the operator status workflow.
type OrderService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (OrderPage, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
}

// ReceiptService renders downloadable receipts for stored orders.
type ReceiptService interface {
	Render(ctx context.Context, cmd RenderReceiptCommand) (Receipt, error)
}

// OrphanReporter receives gateway sessions that have no matching order.
type OrphanReporter interface {
	ReportOrphanedSession(ctx context.Context, orphan OrphanedSession) error
}

// SystemService aggregates utility endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

// CreateCheckoutSessionCommand carries the cart and shipping address submitted by the storefront.
type CreateCheckoutSessionCommand struct {
	UserID         string
	Items          []LineItem
	Address        Address
	IdempotencyKey string
}

// CheckoutResult is returned to the storefront, which redirects the customer to URL.
type CheckoutResult struct {
	OrderID   string
	SessionID string
	URL       string
	Replayed  bool
}

// PaymentStatus summarises what the gateway reported when an order was resolved.
type PaymentStatus string

const (
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	PaymentStatusUnknown PaymentStatus = "unknown"
)

// SessionLinks holds gateway-hosted documents for a session. Empty strings mean absent.
type SessionLinks struct {
	ReceiptURL       string
	InvoicePDF       string
	HostedInvoiceURL string
}

// ResolvedOrder is the order behind a session plus best-effort gateway data.
type ResolvedOrder struct {
	Order         Order
	PaymentStatus PaymentStatus
	Links         SessionLinks
}

// OrderStatusTransitionCommand requests an operator status change.
type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus string
}

// ReceiptFormat selects a receipt renderer.
type ReceiptFormat string

const (
	ReceiptFormatPDF  ReceiptFormat = "pdf"
	ReceiptFormatText ReceiptFormat = "txt"
)

// RenderReceiptCommand identifies the order and output format of a receipt.
type RenderReceiptCommand struct {
	OrderID string
	Format  ReceiptFormat
}

// Receipt is a fully rendered document ready to be written to a client.
type Receipt struct {
	Filename    string
	ContentType string
	Body        []byte
}

// OrphanedSession describes a gateway session that no order points to.
type OrphanedSession struct {
	SessionID     string                 `json:"sessionId"`
	Provider      string                 `json:"provider,omitempty"`
	OrderID       string                 `json:"orderId,omitempty"`
	Status        payments.SessionStatus `json:"status,omitempty"`
	PaymentStatus payments.PaymentStatus `json:"paymentStatus,omitempty"`
	AmountTotal   int64                  `json:"amountTotal"`
	Currency      string                 `json:"currency,omitempty"`
	Reason        string                 `json:"reason"`
	CreatedAt     time.Time              `json:"createdAt"`
	DetectedAt    time.Time              `json:"detectedAt"`
}
