package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meem-store/checkout-api/internal/payments"
	"github.com/meem-store/checkout-api/internal/services"
)

func paidOrphan() services.OrphanedSession {
	return services.OrphanedSession{
		SessionID:     "cs_live_a1b2",
		Provider:      "stripe",
		Status:        payments.SessionStatusComplete,
		PaymentStatus: payments.PaymentStatusPaid,
		AmountTotal:   4250,
		Currency:      "eur",
		Reason:        "order_create_failed",
		DetectedAt:    time.Date(2025, time.June, 14, 18, 30, 0, 0, time.UTC),
	}
}

func fakeTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "meem-test",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "checkout-orphans")
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	topic.EnableMessageOrdering = true
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestOrphanAlertsPublishesEnvelope(t *testing.T) {
	srv, topic := fakeTopic(t)
	alerts := NewOrphanAlerts(zap.NewNop(), WithPublishTopic(topic), WithPublishTimeout(2*time.Second))

	orphan := paidOrphan()
	if err := alerts.ReportOrphanedSession(context.Background(), orphan); err != nil {
		t.Fatalf("report: %v", err)
	}

	msgs := srv.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	var env struct {
		Type    string                   `json:"type"`
		Version int                      `json:"version"`
		Session services.OrphanedSession `json:"session"`
	}
	if err := json.Unmarshal(msgs[0].Data, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != orphanEventType || env.Version != 1 {
		t.Fatalf("unexpected envelope header %s/%d", env.Type, env.Version)
	}
	if env.Session.SessionID != orphan.SessionID || env.Session.AmountTotal != 4250 || !env.Session.DetectedAt.Equal(orphan.DetectedAt) {
		t.Fatalf("unexpected session %+v", env.Session)
	}
	if msgs[0].OrderingKey != orphan.SessionID {
		t.Fatalf("expected ordering by session, got %q", msgs[0].OrderingKey)
	}

	attrs := msgs[0].Attributes
	if attrs["eventType"] != orphanEventType || attrs["reason"] != "order_create_failed" || attrs["paymentStatus"] != "paid" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if _, ok := attrs["orderId"]; ok {
		t.Fatalf("empty order id should not become an attribute")
	}
}

func TestOrphanAlertsLogsWithoutTopic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	alerts := NewOrphanAlerts(zap.New(core))

	if err := alerts.ReportOrphanedSession(context.Background(), paidOrphan()); err != nil {
		t.Fatalf("report: %v", err)
	}

	entries := logs.FilterMessage("orphaned checkout session").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warning, got %d entries", logs.Len())
	}
	if got := entries[0].ContextMap()["sessionId"]; got != "cs_live_a1b2" {
		t.Fatalf("unexpected sessionId field %v", got)
	}
}
