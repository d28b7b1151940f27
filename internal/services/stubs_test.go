package services

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	domain "github.com/meem-store/checkout-api/internal/domain"
	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/repositories"
)

type stubOrderRepository struct {
	insertFunc       func(ctx context.Context, order domain.Order) (domain.Order, error)
	findByIDFunc     func(ctx context.Context, id string) (domain.Order, error)
	findBySessionFn  func(ctx context.Context, sessionID string) (domain.Order, error)
	findByKeyFunc    func(ctx context.Context, key string) (domain.Order, error)
	listFunc         func(ctx context.Context, filter domain.OrderListFilter) (domain.OrderPage, error)
	updateStatusFunc func(ctx context.Context, id string, expected, next domain.OrderStatus, now time.Time) (domain.Order, error)
}

var _ repositories.OrderRepository = (*stubOrderRepository)(nil)

func stubNotFound(op string) error {
	return repositories.NewOrderError(op, repositories.OrderErrorNotFound, "order not found", nil)
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) (domain.Order, error) {
	if s.insertFunc != nil {
		return s.insertFunc(ctx, order)
	}
	return order, nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	if s.findByIDFunc != nil {
		return s.findByIDFunc(ctx, id)
	}
	return domain.Order{}, stubNotFound("orders.findByID")
}

func (s *stubOrderRepository) FindBySessionID(ctx context.Context, sessionID string) (domain.Order, error) {
	if s.findBySessionFn != nil {
		return s.findBySessionFn(ctx, sessionID)
	}
	return domain.Order{}, stubNotFound("orders.findBySessionID")
}

func (s *stubOrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Order, error) {
	if s.findByKeyFunc != nil {
		return s.findByKeyFunc(ctx, key)
	}
	return domain.Order{}, stubNotFound("orders.findByIdempotencyKey")
}

func (s *stubOrderRepository) List(ctx context.Context, filter domain.OrderListFilter) (domain.OrderPage, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, filter)
	}
	return domain.OrderPage{}, nil
}

func (s *stubOrderRepository) UpdateStatus(ctx context.Context, id string, expected, next domain.OrderStatus, now time.Time) (domain.Order, error) {
	if s.updateStatusFunc != nil {
		return s.updateStatusFunc(ctx, id, expected, next, now)
	}
	return domain.Order{}, stubNotFound("orders.updateStatus")
}

type stubPayments struct {
	mu         sync.Mutex
	createCall int
	lastCreate payments.CheckoutSessionRequest
	expired    []string
	// byKey mirrors the gateway's idempotency: same key and parameters replay, different parameters fail.
	byKey map[string]payments.CheckoutSessionRequest

	createFunc func(ctx context.Context, pCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	lookupFunc func(ctx context.Context, pCtx payments.PaymentContext, sessionID string) (payments.SessionDetails, error)
	listFunc   func(ctx context.Context, pCtx payments.PaymentContext, req payments.SessionListRequest) ([]payments.SessionDetails, error)
	expireFunc func(ctx context.Context, pCtx payments.PaymentContext, sessionID string) error
}

func (s *stubPayments) CreateCheckoutSession(ctx context.Context, pCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.mu.Lock()
	s.createCall++
	s.lastCreate = req
	if req.IdempotencyKey != "" {
		if prev, ok := s.byKey[req.IdempotencyKey]; ok && !reflect.DeepEqual(prev, req) {
			s.mu.Unlock()
			return payments.CheckoutSession{}, fmt.Errorf("%w: keys for idempotent requests can only be used with the same parameters they were first used with", payments.ErrGatewayFailure)
		}
		if s.byKey == nil {
			s.byKey = map[string]payments.CheckoutSessionRequest{}
		}
		s.byKey[req.IdempotencyKey] = req
	}
	s.mu.Unlock()
	if s.createFunc != nil {
		return s.createFunc(ctx, pCtx, req)
	}
	return payments.CheckoutSession{
		ID:          "cs_" + req.ClientReferenceID,
		Provider:    "stripe",
		RedirectURL: "https://checkout.stripe.test/" + req.ClientReferenceID,
	}, nil
}

func (s *stubPayments) LookupCheckoutSession(ctx context.Context, pCtx payments.PaymentContext, sessionID string) (payments.SessionDetails, error) {
	if s.lookupFunc != nil {
		return s.lookupFunc(ctx, pCtx, sessionID)
	}
	return payments.SessionDetails{}, payments.ErrSessionNotFound
}

func (s *stubPayments) ListCheckoutSessions(ctx context.Context, pCtx payments.PaymentContext, req payments.SessionListRequest) ([]payments.SessionDetails, error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, pCtx, req)
	}
	return nil, nil
}

func (s *stubPayments) ExpireCheckoutSession(ctx context.Context, pCtx payments.PaymentContext, sessionID string) error {
	s.mu.Lock()
	s.expired = append(s.expired, sessionID)
	s.mu.Unlock()
	if s.expireFunc != nil {
		return s.expireFunc(ctx, pCtx, sessionID)
	}
	return nil
}

func (s *stubPayments) creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCall
}

type stubOrphanReporter struct {
	reported []OrphanedSession
	err      error
}

func (s *stubOrphanReporter) ReportOrphanedSession(_ context.Context, orphan OrphanedSession) error {
	s.reported = append(s.reported, orphan)
	return s.err
}

type recordedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{name: event, fields: fields})
}

func (r *eventRecorder) find(name string) (recordedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return e, true
		}
	}
	return recordedEvent{}, false
}
