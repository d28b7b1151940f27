package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestMemoryStoreReserveLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	claim := Claim{Key: "key|user-1", Fingerprint: "fp-1", Requester: "user-1", Route: "POST /api/checkout/create-session"}

	res, err := store.Reserve(ctx, claim, fixedTime, time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected new reservation, got %+v err=%v", res, err)
	}
	if res.Record.Route != claim.Route || res.Record.Requester != "user-1" {
		t.Fatalf("expected claim metadata on record, got %+v", res.Record)
	}

	res, err = store.Reserve(ctx, claim, fixedTime.Add(time.Second), time.Hour)
	if err != nil || res.State != ReservationStatePending {
		t.Fatalf("expected pending reservation, got %+v err=%v", res, err)
	}

	other := claim
	other.Fingerprint = "fp-2"
	if _, err := store.Reserve(ctx, other, fixedTime, time.Hour); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected fingerprint mismatch, got %v", err)
	}

	resp := Response{Status: http.StatusOK, Headers: http.Header{"Content-Type": {"application/json"}, "Content-Length": {"9"}}, Body: []byte(`{"url":1}`)}
	if err := store.SaveResponse(ctx, claim, resp, fixedTime.Add(2*time.Second), time.Hour); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}
	res, err = store.Reserve(ctx, claim, fixedTime.Add(3*time.Second), time.Hour)
	if err != nil || res.State != ReservationStateCompleted {
		t.Fatalf("expected completed reservation, got %+v err=%v", res, err)
	}
	if _, ok := res.Record.ResponseHeaders["Content-Length"]; ok {
		t.Fatal("hop-by-hop headers must not be stored")
	}
	if string(res.Record.ResponseBody) != `{"url":1}` {
		t.Fatalf("unexpected body %s", res.Record.ResponseBody)
	}
}

func TestMemoryStoreStalePendingIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	claim := Claim{Key: "k", Fingerprint: "fp"}

	if _, err := store.Reserve(ctx, claim, fixedTime, time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res, err := store.Reserve(ctx, claim, fixedTime.Add(StalePendingAfter), time.Hour)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected stale reservation to be reissued, got %+v err=%v", res, err)
	}
}

func TestMemoryStoreExpiredRecordIsReissued(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	claim := Claim{Key: "k", Fingerprint: "fp"}
	if err := store.SaveResponse(ctx, claim, Response{Status: http.StatusOK}, fixedTime, time.Minute); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}

	changed := Claim{Key: "k", Fingerprint: "fp-new"}
	res, err := store.Reserve(ctx, changed, fixedTime.Add(time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("expected expired key to be reusable, got %+v err=%v", res, err)
	}
}

func TestMemoryStoreCleanupExpiredHonoursLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i, key := range []string{"a", "b", "c"} {
		claim := Claim{Key: key, Fingerprint: "fp"}
		if _, err := store.Reserve(ctx, claim, fixedTime.Add(time.Duration(i)*time.Minute), time.Minute); err != nil {
			t.Fatalf("Reserve %s: %v", key, err)
		}
	}

	removed, err := store.CleanupExpired(ctx, fixedTime.Add(10*time.Minute), 2)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d err=%v", removed, err)
	}
	res, err := store.Reserve(ctx, Claim{Key: "c", Fingerprint: "other"}, fixedTime.Add(10*time.Minute), time.Minute)
	if err != nil || res.State != ReservationStateNew {
		t.Fatalf("latest-expiring record should remain but be expired: %+v err=%v", res, err)
	}
	if removed, _ := store.CleanupExpired(ctx, fixedTime.Add(10*time.Minute), 0); removed != 0 {
		t.Fatalf("expected nothing left to clean, got %d", removed)
	}
}
