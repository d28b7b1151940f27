package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/meem-store/checkout-api/internal/platform/requestctx"
)

// Error is an API failure about to be rendered as the JSON error envelope.
type Error struct {
	Code    string
	Message string
	Status  int
	// Fields names the request fields that failed validation, if any.
	Fields []string
}

// NewError builds an Error. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: clip(code, 80), Message: clip(message, 512), Status: status}
}

// WithFields returns a copy of e listing the offending request fields.
func (e Error) WithFields(fields ...string) Error {
	e.Fields = append([]string(nil), fields...)
	return e
}

type envelope struct {
	Error     string   `json:"error"`
	Message   string   `json:"message"`
	Status    int      `json:"status"`
	Fields    []string `json:"fields,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	TraceID   string   `json:"trace_id,omitempty"`
}

// WriteError renders err. The chi request id and the active trace id are attached so a client
// report can be matched to server logs.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	body := envelope{
		Error:     err.Code,
		Message:   err.Message,
		Status:    status,
		Fields:    err.Fields,
		RequestID: clip(middleware.GetReqID(ctx), 80),
	}
	if info, ok := requestctx.Trace(ctx); ok {
		body.TraceID = info.TraceID
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func clip(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
