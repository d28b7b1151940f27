package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/repositories"
)

const (
	defaultOrphanLookback = 24 * time.Hour
	defaultOrphanGrace    = 15 * time.Minute
	defaultOrphanLimit    = 500

	orphanReasonUntrackedPaid = "paid_without_order"
)

type sessionSweeper interface {
	ListCheckoutSessions(ctx context.Context, paymentCtx payments.PaymentContext, req payments.SessionListRequest) ([]payments.SessionDetails, error)
	ExpireCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, sessionID string) error
}

// OrphanReconcilerDeps wires the dependencies required by the orphan reconciler.
type OrphanReconcilerDeps struct {
	Orders   repositories.OrderRepository
	Payments sessionSweeper
	Reporter OrphanReporter
	// Lookback is how far back sessions are scanned. Grace skips sessions young enough that
	// checkout may still be persisting their order.
	Lookback time.Duration
	Grace    time.Duration
	Limit    int
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// OrphanReport summarises one reconciliation pass.
type OrphanReport struct {
	Scanned int
	Matched int
	Expired int
	Alerted int
	// Repeated counts paid orphans already alerted by an earlier pass.
	Repeated int
	Ignored  int
	Failed   int
}

// OrphanReconciler compensates for gateway sessions whose order was never stored. Open sessions
// are expired so nobody can pay them; paid ones are reported to operators.
type OrphanReconciler struct {
	orders   repositories.OrderRepository
	payments sessionSweeper
	reporter OrphanReporter
	lookback time.Duration
	grace    time.Duration
	limit    int
	now      func() time.Time
	logger   func(ctx context.Context, event string, fields map[string]any)

	mu sync.Mutex
	// alerted holds paid session ids until they leave the lookback window.
	alerted map[string]time.Time
}

// NewOrphanReconciler constructs an OrphanReconciler validating required dependencies.
func NewOrphanReconciler(deps OrphanReconcilerDeps) (*OrphanReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("orphan reconciler: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("orphan reconciler: payment manager is required")
	}
	lookback := deps.Lookback
	if lookback <= 0 {
		lookback = defaultOrphanLookback
	}
	grace := deps.Grace
	if grace < 0 {
		grace = 0
	} else if grace == 0 {
		grace = defaultOrphanGrace
	}
	if grace >= lookback {
		return nil, fmt.Errorf("orphan reconciler: grace %s must be shorter than lookback %s", grace, lookback)
	}
	limit := deps.Limit
	if limit <= 0 {
		limit = defaultOrphanLimit
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OrphanReconciler{
		orders:   deps.Orders,
		payments: deps.Payments,
		reporter: deps.Reporter,
		lookback: lookback,
		grace:    grace,
		limit:    limit,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:  logger,
		alerted: make(map[string]time.Time),
	}, nil
}

// Run scans sessions created in [now-lookback, now-grace]. Failures on individual sessions do
// not stop the pass; they are counted and returned together.
func (r *OrphanReconciler) Run(ctx context.Context) (OrphanReport, error) {
	now := r.now()
	sessions, err := r.payments.ListCheckoutSessions(ctx, payments.PaymentContext{}, payments.SessionListRequest{
		CreatedFrom: now.Add(-r.lookback),
		CreatedTo:   now.Add(-r.grace),
		Limit:       r.limit,
	})
	if err != nil {
		return OrphanReport{}, fmt.Errorf("orphan reconciler: list sessions: %w", err)
	}
	r.forgetAlerts(now)

	var (
		report OrphanReport
		errs   error
	)
	for _, session := range sessions {
		if ctx.Err() != nil {
			errs = multierr.Append(errs, ctx.Err())
			break
		}
		report.Scanned++
		if err := r.reconcile(ctx, session, now, &report); err != nil {
			report.Failed++
			errs = multierr.Append(errs, fmt.Errorf("session %s: %w", session.ID, err))
		}
	}

	r.logger(ctx, "reconciler.completed", map[string]any{
		"scanned":  report.Scanned,
		"matched":  report.Matched,
		"expired":  report.Expired,
		"alerted":  report.Alerted,
		"repeated": report.Repeated,
		"ignored":  report.Ignored,
		"failed":   report.Failed,
	})
	return report, errs
}

func (r *OrphanReconciler) reconcile(ctx context.Context, session payments.SessionDetails, now time.Time, report *OrphanReport) error {
	orderID := strings.TrimSpace(session.Metadata["order_id"])
	if orderID == "" {
		// Not created by checkout.
		report.Ignored++
		return nil
	}

	_, err := r.orders.FindBySessionID(ctx, session.ID)
	switch {
	case err == nil:
		report.Matched++
		return nil
	case !repositories.IsNotFound(err):
		return fmt.Errorf("lookup order: %w", err)
	}

	orphan := OrphanedSession{
		SessionID:     session.ID,
		Provider:      session.Provider,
		OrderID:       orderID,
		Status:        session.Status,
		PaymentStatus: session.PaymentStatus,
		AmountTotal:   session.AmountTotal,
		Currency:      session.Currency,
		CreatedAt:     session.CreatedAt,
		DetectedAt:    now,
	}

	switch {
	case session.Paid() || session.Status == payments.SessionStatusComplete:
		if r.alreadyAlerted(session.ID) {
			report.Repeated++
			return nil
		}
		orphan.Reason = orphanReasonUntrackedPaid
		r.logger(ctx, "reconciler.orphan_paid", map[string]any{
			"sessionID": session.ID,
			"orderID":   orderID,
			"amount":    session.AmountTotal,
		})
		if r.reporter != nil {
			if err := r.reporter.ReportOrphanedSession(ctx, orphan); err != nil {
				return fmt.Errorf("report orphan: %w", err)
			}
		}
		r.markAlerted(session, now)
		report.Alerted++
	case session.Status == payments.SessionStatusOpen:
		if err := r.payments.ExpireCheckoutSession(ctx, payments.PaymentContext{PreferredProvider: session.Provider}, session.ID); err != nil {
			return fmt.Errorf("expire session: %w", err)
		}
		r.logger(ctx, "reconciler.orphan_expired", map[string]any{
			"sessionID": session.ID,
			"orderID":   orderID,
		})
		report.Expired++
	default:
		report.Ignored++
	}
	return nil
}

func (r *OrphanReconciler) alreadyAlerted(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.alerted[sessionID]
	return ok
}

// markAlerted remembers a session until it can no longer be listed by a pass.
func (r *OrphanReconciler) markAlerted(session payments.SessionDetails, now time.Time) {
	created := session.CreatedAt
	if created.IsZero() {
		created = now
	}
	r.mu.Lock()
	r.alerted[session.ID] = created.Add(r.lookback)
	r.mu.Unlock()
}

func (r *OrphanReconciler) forgetAlerts(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, until := range r.alerted {
		if now.After(until) {
			delete(r.alerted, id)
		}
	}
}
