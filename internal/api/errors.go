// Package api provides HTTP handlers for the MaisonSwap payments API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/maisonswap/maisonswap/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeUnauthorized indicates missing or invalid authentication.
	ErrCodeUnauthorized = "unauthorized"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"
)

// Payment policy error codes. These are part of the client contract and use
// the upper-case form clients switch on.
const (
	// ErrCodeAccountNotValidated indicates the account has not passed
	// identity validation.
	ErrCodeAccountNotValidated = "ACCOUNT_NOT_VALIDATED"

	// ErrCodeUserBanned indicates the account is banned from purchasing.
	ErrCodeUserBanned = "USER_BANNED"

	// ErrCodeUnknownPlan indicates the requested pack does not exist.
	ErrCodeUnknownPlan = "UNKNOWN_PLAN"

	// ErrCodeRefundCooldownActive indicates a purchase is blocked by the
	// post-refund cooldown.
	ErrCodeRefundCooldownActive = "REFUND_COOLDOWN_ACTIVE"

	// ErrCodeMatchingInProgress indicates a refund is blocked while the
	// matching engine holds the processing lock.
	ErrCodeMatchingInProgress = "MATCHING_IN_PROGRESS"

	// ErrCodeNothingToRefund indicates no payment is eligible for refund.
	ErrCodeNothingToRefund = "NOTHING_TO_REFUND"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code, a human-readable message and optional
// machine-readable detail fields for policy errors.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// CooldownUntil accompanies REFUND_COOLDOWN_ACTIVE.
	CooldownUntil string `json:"cooldown_until,omitempty"`
	// RetryAfter accompanies MATCHING_IN_PROGRESS, in seconds.
	RetryAfter int `json:"retry_after,omitempty"`
}

// WriteError writes a standardized JSON error response.
// It writes the appropriate HTTP status code and returns a JSON error body.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error_code will be automatically logged by the logging middleware
// for all 4xx and 5xx responses if you call SetErrorCode on the context
// and pass the updated context to WriteError.
//
// Example:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "payment not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	WriteErrorDetail(w, ctx, status, ErrorDetail{Code: code, Message: message})
}

// WriteErrorDetail writes an error response with additional detail fields.
func WriteErrorDetail(w http.ResponseWriter, ctx context.Context, status int, detail ErrorDetail) {
	// Update the context in the response writer if supported (for logging middleware)
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{Error: detail}

	data, err := json.Marshal(errResp)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
// This is a convenience function to map error codes to HTTP status codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeUnknownPlan, ErrCodeNothingToRefund,
		ErrCodeRefundCooldownActive:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden, ErrCodeAccountNotValidated, ErrCodeUserBanned:
		return http.StatusForbidden
	case ErrCodeMatchingInProgress:
		return http.StatusConflict
	case ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
