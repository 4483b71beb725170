package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/chainbridge/gatekeeper/pkg/observability"
)

// Rejection codes, stable across releases. Clients branch on these, not
// on messages.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeInvalidGID       = "INVALID_GID"
	CodeGIDRequired      = "GID_REQUIRED"
	CodeLaneDenied       = "LANE_DENIED"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeMissingSignature = "MISSING_SIGNATURE"
	CodeMissingTimestamp = "MISSING_TIMESTAMP"
	CodeInvalidTimestamp = "INVALID_TIMESTAMP"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorBody is the JSON shape of every pipeline rejection.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// writeError emits a rejection response. The error field is the
// standard status text, the message is human-readable detail, and the
// code is machine-readable.
func writeError(w http.ResponseWriter, status int, code, message string) {
	observability.RejectionsTotal.WithLabelValues(code).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorBody{
		Error:   http.StatusText(status),
		Message: message,
		Code:    code,
	})
}
