package services

import (
	"context"
	"errors"
	"strings"

	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/repositories"
)

const (
	msgSessionIDRequired   = "Session ID is required."
	msgSessionOrderMissing = "Order not found for this session ID."
	msgSessionFetchFailed  = "Error fetching Stripe session details"
	msgPaymentIncomplete   = "Payment has not been completed for this session."
)

type sessionLookup interface {
	LookupCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, sessionID string) (payments.SessionDetails, error)
}

// ReconciliationServiceDeps wires the dependencies required by the reconciliation service.
type ReconciliationServiceDeps struct {
	Orders   repositories.OrderRepository
	Payments sessionLookup
	// VerifyPayment rejects sessions the gateway positively reports as unpaid.
	VerifyPayment bool
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type reconciliationService struct {
	orders   repositories.OrderRepository
	payments sessionLookup
	verify   bool
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewReconciliationService constructs a ReconciliationService validating required dependencies.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("reconciliation service: payment manager is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reconciliationService{
		orders:   deps.Orders,
		payments: deps.Payments,
		verify:   deps.VerifyPayment,
		logger:   logger,
	}, nil
}

// ResolveSession returns the order behind sessionID. Gateway data is best-effort: a failed lookup
// yields PaymentStatusUnknown and empty links rather than an error.
func (s *reconciliationService) ResolveSession(ctx context.Context, sessionID string) (ResolvedOrder, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ResolvedOrder{}, newValidationError(msgSessionIDRequired, "sessionId")
	}

	order, err := s.orders.FindBySessionID(ctx, sessionID)
	if err != nil {
		return ResolvedOrder{}, mapRepositoryError(err, msgSessionOrderMissing)
	}

	resolved := ResolvedOrder{Order: order, PaymentStatus: PaymentStatusUnknown}
	details, err := s.payments.LookupCheckoutSession(ctx, payments.PaymentContext{Currency: order.Currency}, sessionID)
	if err != nil {
		s.logger(ctx, "reconciliation.lookup_failed", map[string]any{
			"orderID":   order.ID,
			"sessionID": sessionID,
			"error":     err.Error(),
		})
		return resolved, nil
	}

	if ref := details.ClientReferenceID; ref != "" && ref != order.ID {
		s.logger(ctx, "reconciliation.reference_mismatch", map[string]any{
			"orderID":   order.ID,
			"sessionID": sessionID,
			"reference": ref,
		})
	}

	resolved.Links = linksFromDetails(details)
	if details.Paid() {
		resolved.PaymentStatus = PaymentStatusPaid
		return resolved, nil
	}
	resolved.PaymentStatus = PaymentStatusUnpaid
	if s.verify {
		s.logger(ctx, "reconciliation.payment_incomplete", map[string]any{
			"orderID":       order.ID,
			"sessionID":     sessionID,
			"sessionStatus": string(details.Status),
		})
		return ResolvedOrder{}, newServiceError(ErrPaymentNotCompleted, msgPaymentIncomplete, nil)
	}
	return resolved, nil
}

// SessionLinks fetches the gateway-hosted receipt and invoice documents for a session.
func (s *reconciliationService) SessionLinks(ctx context.Context, sessionID string) (SessionLinks, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionLinks{}, newValidationError(msgSessionIDRequired, "sessionId")
	}
	details, err := s.payments.LookupCheckoutSession(ctx, payments.PaymentContext{}, sessionID)
	if err != nil {
		s.logger(ctx, "reconciliation.session_fetch_failed", map[string]any{
			"sessionID": sessionID,
			"error":     err.Error(),
		})
		return SessionLinks{}, mapGatewayError(err, msgSessionFetchFailed)
	}
	return linksFromDetails(details), nil
}

func linksFromDetails(details payments.SessionDetails) SessionLinks {
	return SessionLinks{
		ReceiptURL:       details.ReceiptURL,
		InvoicePDF:       details.InvoicePDF,
		HostedInvoiceURL: details.HostedInvoiceURL,
	}
}
