package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ravigill3969/fitscan/backend/logger"
)

const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodePaymentRequired    = "PAYMENT_REQUIRED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeRateLimit          = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// APIResponse is the one envelope every endpoint writes. Remaining, Refunded and Reason
// are lifted to the top level for the credit endpoints whose clients read them there.
type APIResponse struct {
	Status      string            `json:"status"`
	OK          bool              `json:"ok"`
	Message     string            `json:"message,omitempty"`
	Data        interface{}       `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	Code        string            `json:"code,omitempty"`
	Remaining   *int              `json:"remaining,omitempty"`
	Refunded    *bool             `json:"refunded,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Field sets one promoted envelope field.
type Field func(*APIResponse)

func WithRemaining(n int) Field {
	return func(r *APIResponse) { r.Remaining = &n }
}

func WithRefund(refunded bool, reason string) Field {
	return func(r *APIResponse) {
		r.Refunded = &refunded
		r.Reason = reason
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		zap.L().Error("failed to encode response", zap.Int("status", statusCode), zap.Error(err))
	}
}

func normalizeData(data []interface{}) interface{} {
	switch len(data) {
	case 0:
		return nil
	case 1:
		return data[0]
	default:
		return data
	}
}

func codeFromStatus(statusCode int) string {
	switch {
	case statusCode >= 500:
		return ErrCodeInternalError
	case statusCode == http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case statusCode == http.StatusPaymentRequired:
		return ErrCodePaymentRequired
	case statusCode == http.StatusForbidden:
		return ErrCodeForbidden
	case statusCode == http.StatusNotFound:
		return ErrCodeNotFound
	case statusCode == http.StatusConflict:
		return ErrCodeConflict
	case statusCode == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case statusCode >= 400:
		return ErrCodeBadRequest
	default:
		return "OK"
	}
}

func RespondSuccess(w http.ResponseWriter, statusCode int, data ...interface{}) {
	Respond(w, statusCode, normalizeData(data))
}

// Respond writes a success envelope with optional promoted fields.
func Respond(w http.ResponseWriter, statusCode int, data interface{}, fields ...Field) {
	payload := APIResponse{
		Status:  "success",
		OK:      true,
		Message: http.StatusText(statusCode),
		Data:    data,
		Code:    codeFromStatus(statusCode),
	}
	for _, f := range fields {
		f(&payload)
	}
	writeJSON(w, statusCode, payload)
}

// error
func RespondError(w http.ResponseWriter, statusCode int, message string, fields ...Field) {
	payload := APIResponse{
		Status:  "error",
		OK:      false,
		Message: message,
		Error:   message,
		Code:    codeFromStatus(statusCode),
	}
	for _, f := range fields {
		f(&payload)
	}
	writeJSON(w, statusCode, payload)
}

// RespondInternal logs err with the request logger and sends only message to the client.
func RespondInternal(w http.ResponseWriter, r *http.Request, err error, message string) {
	logger.FromContext(r.Context()).Error("internal error",
		zap.String("message", message),
		zap.Error(err),
		zap.Stack("stack"))
	RespondError(w, http.StatusInternalServerError, message)
}

// RespondValidationError helps respond with multiple validation errors at once.
func RespondValidationError(w http.ResponseWriter, message string, fields []string) {
	if message == "" {
		message = "Validation failed"
	}
	if len(fields) > 0 {
		message = fmt.Sprintf("%s: %s", message, strings.Join(fields, ", "))
	}
	payload := APIResponse{
		Status:  "error",
		Message: message,
		Error:   message,
		Code:    ErrCodeValidation,
	}
	writeJSON(w, http.StatusBadRequest, payload)
}

// RespondFieldErrors returns validation errors with field-specific messages.
func RespondFieldErrors(w http.ResponseWriter, fieldErrors map[string]string) {
	payload := APIResponse{
		Status:      "error",
		Message:     "Validation failed",
		Error:       "Validation failed",
		FieldErrors: fieldErrors,
		Code:        ErrCodeValidation,
	}
	writeJSON(w, http.StatusBadRequest, payload)
}
