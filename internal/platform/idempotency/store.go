package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status represents the lifecycle state of a stored checkout attempt.
type Status string

const (
	// DefaultTTL is how long a replayable response is kept.
	DefaultTTL = 24 * time.Hour
	// StalePendingAfter is the age at which an unfinished reservation may be taken over. It is
	// well above the router's request timeout, so the original request has certainly ended.
	StalePendingAfter = 2 * time.Minute

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState describes the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request is still working on the key.
	ReservationStatePending
)

// Claim identifies one guarded submission: the requester-scoped key, a fingerprint of the request
// and where it came from.
type Claim struct {
	Key         string
	Fingerprint string
	Requester   string
	Route       string
}

func (c Claim) id() string {
	return sha256Hex([]byte(strings.TrimSpace(c.Key)))
}

// Reservation is the result of Reserve together with the stored record.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is what a store keeps per key.
type Record struct {
	Key             string
	Fingerprint     string
	Requester       string
	Route           string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func (r Record) stale(now time.Time) bool {
	return r.Status == StatusPending && now.Sub(r.UpdatedAt) >= StalePendingAfter
}

// Response is the HTTP response recorded for replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and replayable responses.
type Store interface {
	Reserve(ctx context.Context, claim Claim, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, claim Claim, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, claim Claim) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// reserve applies the reservation rules shared by every store. It returns the reservation and,
// when write is true, the record the store must persist.
func reserve(existing Record, found bool, claim Claim, now time.Time, ttl time.Duration) (res Reservation, write bool, err error) {
	if found && !existing.expired(now) {
		if existing.Fingerprint != claim.Fingerprint {
			return Reservation{}, false, ErrFingerprintMismatch
		}
		switch {
		case existing.Status == StatusCompleted:
			return Reservation{State: ReservationStateCompleted, Record: existing}, false, nil
		case !existing.stale(now):
			return Reservation{State: ReservationStatePending, Record: existing}, false, nil
		}
	}
	record := Record{
		Key:         claim.Key,
		Fingerprint: claim.Fingerprint,
		Requester:   claim.Requester,
		Route:       claim.Route,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	return Reservation{State: ReservationStateNew, Record: record}, true, nil
}

// complete folds resp into the record held for claim.
func complete(existing Record, found bool, claim Claim, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if found && existing.Fingerprint != claim.Fingerprint {
		return Record{}, ErrFingerprintMismatch
	}
	record := existing
	if !found {
		record = Record{Key: claim.Key, Fingerprint: claim.Fingerprint, Requester: claim.Requester, Route: claim.Route}
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = sanitizeHeaders(resp.Headers)
	record.ResponseBody = nil
	if len(resp.Body) > 0 {
		record.ResponseBody = append([]byte(nil), resp.Body...)
	}
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttl)
	return record, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sanitizeHeaders(header http.Header) map[string][]string {
	filtered := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if hopByHop(canonical) {
			continue
		}
		filtered[canonical] = append([]string(nil), values...)
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func hopByHop(name string) bool {
	switch name {
	case "Content-Length", "Date", "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailers", "Transfer-Encoding", "Upgrade", "X-Request-Id":
		return true
	}
	return false
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
