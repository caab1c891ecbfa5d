package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/p2pdesk/escrow/internal/domain"
)

// WriteJSON writes a JSON response with the given status code and data.
// Sets Content-Type to application/json before writing the status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Write error intentionally ignored in response helper
}

// errorResponse is the standard error response format.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a standard error response with the given status code,
// error code, and human-readable message.
func WriteError(w http.ResponseWriter, status int, errorCode, message string) {
	WriteJSON(w, status, errorResponse{
		Error:   errorCode,
		Message: message,
	})
}

// ParseJSON decodes the request body as JSON into v.
// It validates that the Content-Type header is application/json and
// returns an error for missing/incorrect content type or malformed JSON.
func ParseJSON(r *http.Request, v any) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(ct, "application/json") {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("Request body must be valid JSON with Content-Type: application/json")
	}

	return nil
}

var kindStatus = map[string]int{
	domain.KindValidation:         http.StatusBadRequest,
	domain.KindNotFound:           http.StatusNotFound,
	domain.KindUnauthorized:       http.StatusForbidden,
	domain.KindInvalidTransition:  http.StatusConflict,
	domain.KindInsufficientAmount: http.StatusConflict,
	domain.KindInvalidEscrowState: http.StatusConflict,
	domain.KindNoFeeTier:          http.StatusUnprocessableEntity,
}

// writeServiceError maps a service error to its kind and HTTP status.
// Internal errors never leak their message.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		WriteError(w, http.StatusInternalServerError, domain.KindInternal, "An unexpected error occurred")
		return
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, status, kind, validationErr.Message)
		return
	}
	WriteError(w, status, kind, err.Error())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(field string, s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, domain.NewValidationError(field + " must be a valid RFC 3339 timestamp")
	}
	return &t, nil
}

// parseDecimal reads an amount from a query parameter. Empty yields zero.
func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, domain.NewValidationError(field + " must be a decimal number")
	}
	return d, nil
}
