package httpx

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the "code" field of error bodies.
const (
	codeUnauthenticated        = "unauthenticated"
	codeForbidden              = "forbidden"
	codeServiceUnavailable     = "service_unavailable"
	codeTemporarilyUnavailable = "temporarily_unavailable"
	codeBatchTooLarge          = "batch_too_large"
	codePayloadTooLarge        = "payload_too_large"
	codeInvalidEvent           = "invalid_event"
	codeInvalidBody            = "invalid_body"
	codeInvalidRange           = "invalid_range"
	codeInvalidParameter       = "invalid_parameter"
	codeRateLimited            = "rate_limited"
	codeMethodNotAllowed       = "method_not_allowed"
	codeNotFound               = "not_found"
	codeInternal               = "internal_error"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message with a machine-readable code.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": code})
}

// writeErrorFields is writeError with additional body fields.
func writeErrorFields(w http.ResponseWriter, status int, code, msg string, fields map[string]any) {
	body := map[string]any{"error": msg, "code": code}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}
