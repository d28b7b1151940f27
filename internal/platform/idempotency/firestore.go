package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/meem-store/checkout-api/internal/platform/firestore"
)

const (
	defaultCollection  = "checkout_idempotency"
	defaultMaxAttempts = 5
	defaultCleanupSize = 100
)

// FirestoreOption customises a FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection holding reservations.
func WithCollection(name string) FirestoreOption {
	return func(store *FirestoreStore) {
		if name != "" {
			store.collection = name
		}
	}
}

// WithMaxAttempts configures transaction retries.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(store *FirestoreStore) {
		if attempts > 0 {
			store.maxAttempts = attempts
		}
	}
}

// FirestoreStore keeps reservations in Firestore so replays survive restarts and work across
// instances. Reserve and SaveResponse run in transactions keyed by the hashed scoped key.
type FirestoreStore struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
}

// NewFirestoreStore constructs a Firestore-backed store.
func NewFirestoreStore(client *firestore.Client, opts ...FirestoreOption) *FirestoreStore {
	store := &FirestoreStore{
		client:      client,
		collection:  defaultCollection,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

func (s *FirestoreStore) doc(claim Claim) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(claim.id())
}

func (s *FirestoreStore) Reserve(ctx context.Context, claim Claim, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(claim)

	var result Reservation
	err := pfirestore.RunTransaction(ctx, s.client, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := loadRecord(tx, ref)
		if err != nil {
			return err
		}
		res, write, err := reserve(existing, found, claim, now, ttl)
		if err != nil {
			return err
		}
		if write {
			if err := tx.Set(ref, newFirestoreRecord(res.Record)); err != nil {
				return err
			}
		}
		result = res
		return nil
	}, pfirestore.WithTxAttempts(s.maxAttempts))
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

func (s *FirestoreStore) SaveResponse(ctx context.Context, claim Claim, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ref := s.doc(claim)

	return pfirestore.RunTransaction(ctx, s.client, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := loadRecord(tx, ref)
		if err != nil {
			return err
		}
		record, err := complete(existing, found, claim, resp, now, ttl)
		if err != nil {
			return err
		}
		return tx.Set(ref, newFirestoreRecord(record))
	}, pfirestore.WithTxAttempts(s.maxAttempts))
}

// Release deletes the reservation. A missing document is not an error.
func (s *FirestoreStore) Release(ctx context.Context, claim Claim) error {
	_, err := s.doc(claim).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return pfirestore.WrapError("idempotency.release", err)
}

// CleanupExpired deletes up to limit records whose expiry has passed.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupSize
	}
	docs, err := s.client.Collection(s.collection).
		Where("expires_at", "<=", now.UTC()).
		OrderBy("expires_at", firestore.Asc).
		Limit(limit).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	batch := s.client.Batch()
	for _, doc := range docs {
		batch.Delete(doc.Ref)
	}
	if _, err := batch.Commit(ctx); err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	return len(docs), nil
}

func loadRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (Record, bool, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var doc firestoreRecord
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, false, err
	}
	return doc.toRecord(), true, nil
}

type firestoreRecord struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Requester       string              `firestore:"requester,omitempty"`
	Route           string              `firestore:"route,omitempty"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status,omitempty"`
	ResponseHeaders map[string][]string `firestore:"response_headers,omitempty"`
	ResponseBody    []byte              `firestore:"response_body,omitempty"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func newFirestoreRecord(r Record) firestoreRecord {
	return firestoreRecord{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Requester:       r.Requester,
		Route:           r.Route,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (r firestoreRecord) toRecord() Record {
	return Record{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Requester:       r.Requester,
		Route:           r.Route,
		Status:          Status(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}
