package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type errorKind uint8

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error classifies a Firestore failure so repositories can translate it without inspecting gRPC
// status codes. It satisfies repositories.RepositoryError.
type Error struct {
	op   string
	kind errorKind
	err  error
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) IsNotFound() bool    { return e != nil && e.kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e != nil && e.kind == kindConflict }
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

func classify(code codes.Code) errorKind {
	switch code {
	case codes.NotFound:
		return kindNotFound
	// Aborted is what a transaction returns after exhausting its attempts on contention.
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return kindConflict
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.DeadlineExceeded:
		return kindUnavailable
	}
	return kindUnknown
}

// classified matches errors that already carry a repository classification, such as the ones a
// transaction body returns.
type classified interface {
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// WrapError tags err with op and its classification. Context errors, including their gRPC
// equivalents, come back as the plain context sentinel so callers can match them with errors.Is.
// An error that is already an *Error keeps its classification; any other classified error is
// returned unchanged.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := status.Code(err)
	switch code {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	var existing *Error
	if errors.As(err, &existing) {
		if existing.op == "" {
			existing.op = op
		}
		return existing
	}
	var other classified
	if errors.As(err, &other) {
		return err
	}
	return &Error{op: op, kind: classify(code), err: err}
}
