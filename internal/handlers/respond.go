package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/meem-store/checkout-api/internal/platform/httpx"
	"github.com/meem-store/checkout-api/internal/platform/requestctx"
	"github.com/meem-store/checkout-api/internal/services"
)

const maxJSONBodyBytes = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
	errTrailingData = errors.New("request body must contain a single JSON document")
)

// decodeStrictJSON reads a single JSON document into dst, rejecting unknown fields, trailing data
// and bodies larger than the limit.
func decodeStrictJSON(r *http.Request, limit int64, dst any) error {
	if r == nil || r.Body == nil {
		return errEmptyBody
	}
	if limit <= 0 {
		limit = maxJSONBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return errBodyTooLarge
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return errEmptyBody
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return describeJSONError(err)
	}
	if decoder.More() {
		return errTrailingData
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

func describeJSONError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("request body contains malformed JSON at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		if typeErr.Field != "" {
			return fmt.Errorf("field %q has an invalid type", typeErr.Field)
		}
		return errors.New("request body has an invalid type")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return fmt.Errorf("request body contains unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
	case errors.Is(err, io.ErrUnexpectedEOF):
		return errors.New("request body contains malformed JSON")
	default:
		return err
	}
}

func writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("validation_error", err.Error(), status))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeServiceError maps service errors onto the JSON error envelope. Only the safe message of
// domain errors reaches the client; everything else is logged and reported generically.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	code := services.ErrorCode(err)
	status := statusForCode(code)

	message := http.StatusText(status)
	var domainErr services.DomainError
	if errors.As(err, &domainErr) && domainErr.SafeMessage() != "" {
		message = domainErr.SafeMessage()
	}

	apiErr := httpx.NewError(code, message, status)
	var validationErr *services.ValidationError
	if errors.As(err, &validationErr) && len(validationErr.Fields) > 0 {
		apiErr = apiErr.WithFields(validationErr.Fields...)
	}

	if status >= http.StatusInternalServerError {
		requestctx.Logger(ctx).Error("request failed",
			zap.String("error_code", code),
			zap.Error(err),
		)
	}
	httpx.WriteError(ctx, w, apiErr)
}

func statusForCode(code string) int {
	switch code {
	case "validation_error":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "conflict", "payment_not_completed":
		return http.StatusConflict
	case "gateway_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
