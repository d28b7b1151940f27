package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	// txTimeout bounds a transaction when the caller's context allows longer.
	txTimeout = 15 * time.Second
)

// TxFunc is the body of a transaction. It may be invoked more than once on contention.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption tunes RunTransaction.
type TxOption func(*txSettings)

type txSettings struct {
	attempts int
}

// WithTxAttempts overrides how many times a contended transaction is retried.
func WithTxAttempts(attempts int) TxOption {
	return func(s *txSettings) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// RunTransaction runs fn in a read-write transaction on client. Errors returned by fn are passed
// through WrapError, so a classified error raised inside fn keeps its classification.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil || fn == nil {
		return errors.New("firestore: transaction requires a client and a function")
	}
	settings := txSettings{attempts: defaultTxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > txTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, txTimeout)
		defer cancel()
	}

	err := client.RunTransaction(ctx, fn, firestore.MaxAttempts(settings.attempts))
	return WrapError("transaction", err)
}
