package repositories

import (
	"errors"
	"fmt"
)

// OrderErrorCode enumerates repository error causes for order operations.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorNotFound indicates no order matched the lookup.
	OrderErrorNotFound OrderErrorCode = "order_not_found"
	// OrderErrorConflict indicates a uniqueness violation or a failed status precondition.
	OrderErrorConflict OrderErrorCode = "order_conflict"
	// OrderErrorUnavailable indicates the backing store could not be reached.
	OrderErrorUnavailable OrderErrorCode = "order_unavailable"
)

// OrderError wraps order store failures with machine readable codes. It satisfies RepositoryError.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

var _ RepositoryError = (*OrderError)(nil)

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the order was missing.
func (e *OrderError) IsNotFound() bool {
	return e != nil && e.Code == OrderErrorNotFound
}

// IsConflict reports whether the write lost a uniqueness or precondition check.
func (e *OrderError) IsConflict() bool {
	return e != nil && e.Code == OrderErrorConflict
}

// IsUnavailable reports whether the store was unreachable.
func (e *OrderError) IsUnavailable() bool {
	return e != nil && e.Code == OrderErrorUnavailable
}

// NewOrderError constructs a typed order error.
func NewOrderError(op string, code OrderErrorCode, message string, err error) *OrderError {
	if message == "" {
		message = string(code)
	}
	return &OrderError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsNotFound reports whether err carries repository not-found semantics.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries repository conflict semantics.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
