package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/repositories"
)

var (
	// ErrValidation marks input rejected before any side effect happened.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates the requested order or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPaymentGateway indicates the payment gateway rejected or failed a call.
	ErrPaymentGateway = errors.New("payment gateway error")
	// ErrGatewayTimeout indicates a gateway call exceeded its deadline. Callers may retry.
	ErrGatewayTimeout = errors.New("payment gateway timeout")
	// ErrInconsistentState indicates a gateway session exists without a matching order.
	ErrInconsistentState = errors.New("inconsistent state")
	// ErrConflict indicates a concurrent or invalid state change.
	ErrConflict = errors.New("conflict")
	// ErrPersistence indicates the order store failed.
	ErrPersistence = errors.New("persistence error")
	// ErrPaymentNotCompleted indicates the gateway reports the session as unpaid.
	ErrPaymentNotCompleted = errors.New("payment not completed")
)

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

var errorCodes = []struct {
	kind error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrNotFound, "not_found"},
	{ErrGatewayTimeout, "gateway_timeout"},
	{ErrPaymentGateway, "payment_gateway_error"},
	{ErrInconsistentState, "inconsistent_state"},
	{ErrPaymentNotCompleted, "payment_not_completed"},
	{ErrConflict, "conflict"},
	{ErrPersistence, "persistence_error"},
}

// ErrorCode returns the stable code for err, or "internal_error" when it matches no known kind.
func ErrorCode(err error) string {
	for _, entry := range errorCodes {
		if errors.Is(err, entry.kind) {
			return entry.code
		}
	}
	return "internal_error"
}

// ValidationError carries the user-facing message and the offending fields.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s [%s]", ErrValidation, e.Message, strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) Code() string { return "validation_error" }

func (e *ValidationError) SafeMessage() string { return e.Message }

func newValidationError(message string, fields ...string) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

// serviceError pairs a sentinel kind with a message that is safe to show to clients. The
// underlying cause stays reachable through errors.Is and errors.As.
type serviceError struct {
	kind    error
	message string
	cause   error
}

func (e *serviceError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.cause)
}

func (e *serviceError) Unwrap() []error {
	if e.cause == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.cause}
}

func (e *serviceError) Code() string { return ErrorCode(e.kind) }

func (e *serviceError) SafeMessage() string { return e.message }

func newServiceError(kind error, message string, cause error) error {
	return &serviceError{kind: kind, message: message, cause: cause}
}

// mapRepositoryError classifies store failures. notFound is the message used when the
// record is missing.
func mapRepositoryError(err error, notFound string) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return newServiceError(ErrNotFound, notFound, err)
		case repoErr.IsConflict():
			return newServiceError(ErrConflict, "Order was modified concurrently.", err)
		}
	}
	return newServiceError(ErrPersistence, "Order store is unavailable.", err)
}

// mapGatewayError classifies payment gateway failures. message is the user-facing summary.
func mapGatewayError(err error, message string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payments.ErrSessionNotFound):
		return newServiceError(ErrNotFound, "Checkout session not found.", err)
	case errors.Is(err, payments.ErrGatewayTimeout):
		return newServiceError(ErrGatewayTimeout, "Payment gateway timed out. Please retry.", err)
	default:
		return newServiceError(ErrPaymentGateway, message, err)
	}
}
