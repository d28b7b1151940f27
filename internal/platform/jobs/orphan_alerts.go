package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/meem-store/checkout-api/internal/services"
)

const (
	orphanEventType       = "checkout.session.orphaned"
	orphanSchemaVersion   = 1
	defaultPublishTimeout = 5 * time.Second
)

// orphanEnvelope is the message body consumers decode. Session fields are kept nested so the
// envelope can grow without breaking them.
type orphanEnvelope struct {
	Type    string                   `json:"type"`
	Version int                      `json:"version"`
	Session services.OrphanedSession `json:"session"`
}

// OrphanAlerts reports paid checkout sessions that have no matching order. Every alert is logged;
// when a topic is configured it is also published so an operator workflow can refund or backfill.
type OrphanAlerts struct {
	topic   *pubsub.Topic
	logger  *zap.Logger
	timeout time.Duration
}

var _ services.OrphanReporter = (*OrphanAlerts)(nil)

type OrphanAlertsOption func(*OrphanAlerts)

// WithPublishTopic publishes alerts to topic in addition to logging them.
func WithPublishTopic(topic *pubsub.Topic) OrphanAlertsOption {
	return func(a *OrphanAlerts) { a.topic = topic }
}

// WithPublishTimeout bounds the wait for the Pub/Sub acknowledgement.
func WithPublishTimeout(timeout time.Duration) OrphanAlertsOption {
	return func(a *OrphanAlerts) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

func NewOrphanAlerts(logger *zap.Logger, opts ...OrphanAlertsOption) *OrphanAlerts {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &OrphanAlerts{logger: logger, timeout: defaultPublishTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

func (a *OrphanAlerts) ReportOrphanedSession(ctx context.Context, orphan services.OrphanedSession) error {
	a.logger.Warn("orphaned checkout session",
		zap.String("sessionId", orphan.SessionID),
		zap.String("orderId", orphan.OrderID),
		zap.String("reason", orphan.Reason),
		zap.String("paymentStatus", string(orphan.PaymentStatus)),
		zap.Int64("amountTotal", orphan.AmountTotal),
		zap.String("currency", orphan.Currency),
	)
	if a.topic == nil {
		return nil
	}

	data, err := json.Marshal(orphanEnvelope{Type: orphanEventType, Version: orphanSchemaVersion, Session: orphan})
	if err != nil {
		return fmt.Errorf("encode orphan alert: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: alertAttributes(orphan)}
	if a.topic.EnableMessageOrdering {
		msg.OrderingKey = orphan.SessionID
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	id, err := a.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		// A failed ordered publish pauses the key until resumed.
		if msg.OrderingKey != "" {
			a.topic.ResumePublish(msg.OrderingKey)
		}
		return fmt.Errorf("publish orphan alert for %s: %w", orphan.SessionID, err)
	}
	a.logger.Debug("orphan alert published", zap.String("sessionId", orphan.SessionID), zap.String("messageId", id))
	return nil
}

// alertAttributes exposes the fields subscriptions filter on.
func alertAttributes(orphan services.OrphanedSession) map[string]string {
	attrs := map[string]string{"eventType": orphanEventType}
	for key, value := range map[string]string{
		"sessionId":     orphan.SessionID,
		"orderId":       orphan.OrderID,
		"provider":      orphan.Provider,
		"reason":        orphan.Reason,
		"paymentStatus": string(orphan.PaymentStatus),
	} {
		if v := strings.TrimSpace(value); v != "" {
			attrs[key] = v
		}
	}
	return attrs
}
