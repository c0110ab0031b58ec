package api

import (
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// ErrorResponse is the envelope for every error the gateway returns.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one error.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	// ResetAt is set on quota errors: the instant the credit window renews.
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Message: message,
		Type:    errType,
	}})
}

func writeQuotaError(w http.ResponseWriter, resetAt time.Time) {
	retryAfter := time.Until(resetAt)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", formatSeconds(retryAfter))
	}
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: ErrorDetail{
		Message: "generation quota exhausted",
		Type:    "rate_limit_error",
		Code:    "quota_exhausted",
		ResetAt: &resetAt,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func formatSeconds(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
