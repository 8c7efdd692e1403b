package codec

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Bliod-Cook/drome/internal/types"
)

// Failure codes produced by the decoders.
const (
	CodeVendorError        = "vendor_error"
	CodeRateLimited        = "rate_limited"
	CodeOverloaded         = "overloaded"
	CodeResponseIncomplete = "response_incomplete"
)

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, message string) {
	slog.Error("request failed", "status", status, "error", message)
	WriteJSON(w, status, map[string]any{"error": map[string]string{"message": message}})
}

// FormatUpstreamError formats an error from the upstream response.
func FormatUpstreamError(statusCode int, rawBody []byte) string {
	status := fmt.Sprintf("%d", statusCode)
	if text := http.StatusText(statusCode); text != "" {
		status = fmt.Sprintf("%d %s", statusCode, text)
	}
	if msg := ExtractUpstreamErrorMessage(rawBody); msg != "" {
		return fmt.Sprintf("Upstream returned HTTP %s: %s", status, msg)
	}
	if preview := compactBodyPreview(rawBody, 280); preview != "" {
		return fmt.Sprintf("Upstream returned HTTP %s with unparsed body: %s", status, preview)
	}
	return fmt.Sprintf("Upstream returned HTTP %s with empty error body", status)
}

// FormatUpstreamErrorWithHeaders includes request ID headers in the error.
func FormatUpstreamErrorWithHeaders(statusCode int, rawBody []byte, headers http.Header) string {
	msg := FormatUpstreamError(statusCode, rawBody)
	if headers == nil {
		return msg
	}
	reqID := RequestID(headers)
	if reqID == "" {
		return msg
	}
	return fmt.Sprintf("%s (request_id: %s)", msg, reqID)
}

// ExtractUpstreamErrorMessage extracts the error message from an upstream error body.
func ExtractUpstreamErrorMessage(rawBody []byte) string {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return ""
	}
	var payload any
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return ""
	}
	switch v := payload.(type) {
	case map[string]any:
		return extractErrorMessageFromMap(v)
	case []any:
		// Gemini wraps stream errors in a one-element array.
		for _, item := range v {
			if entry, ok := item.(map[string]any); ok {
				if msg := extractErrorMessageFromMap(entry); msg != "" {
					return msg
				}
			}
		}
	}
	return ""
}

func extractErrorMessageFromMap(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	for _, key := range []string{"message", "detail", "error_description", "title", "reason"} {
		if v, ok := payload[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if nested, ok := payload["error"].(map[string]any); ok {
		if msg := extractErrorMessageFromMap(nested); msg != "" {
			return msg
		}
	}
	if v, ok := payload["error"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if list, ok := payload["errors"].([]any); ok {
		for _, item := range list {
			if entry, ok := item.(map[string]any); ok {
				if msg := extractErrorMessageFromMap(entry); msg != "" {
					return msg
				}
			}
			if v, ok := item.(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func compactBodyPreview(rawBody []byte, maxLen int) string {
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return ""
	}
	clean := strings.Join(strings.Fields(trimmed), " ")
	if len(clean) <= maxLen {
		return clean
	}
	return clean[:maxLen] + "..."
}

// RequestID returns the vendor request id from response headers.
func RequestID(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, key := range []string{"x-request-id", "request-id", "x-openai-request-id", "openai-request-id", "x-goog-request-id", "cf-ray"} {
		if v := strings.TrimSpace(headers.Get(key)); v != "" {
			return v
		}
	}
	return ""
}

// IsTransient reports whether a vendor error code, type or status names a
// rate-limit or temporary condition.
func IsTransient(indicators ...string) bool {
	for _, s := range indicators {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		switch s {
		case "429", "500", "502", "503", "504", "529":
			return true
		}
		for _, marker := range []string{"rate_limit", "ratelimit", "overloaded", "server_error", "unavailable", "resource_exhausted", "timeout", "internal", "api_error"} {
			if strings.Contains(s, marker) {
				return true
			}
		}
	}
	return false
}

// failureCode picks a stable failure code for a vendor error.
func failureCode(indicators ...string) string {
	joined := strings.ToLower(strings.Join(indicators, " "))
	switch {
	case strings.Contains(joined, "rate_limit"), strings.Contains(joined, "resource_exhausted"), strings.Contains(joined, "429"):
		return CodeRateLimited
	case strings.Contains(joined, "overloaded"), strings.Contains(joined, "529"), strings.Contains(joined, "unavailable"):
		return CodeOverloaded
	}
	return CodeVendorError
}

// openAIErrorEvent maps an OpenAI-style error object to a Failed event.
func openAIErrorEvent(errObj gjson.Result) types.Event {
	if errObj.Type == gjson.String {
		return types.Failed(CodeVendorError, errObj.String(), false)
	}
	code := errObj.Get("code").String()
	kind := errObj.Get("type").String()
	msg := errObj.Get("message").String()
	if msg == "" {
		msg = "vendor reported an error"
	}
	return types.Failed(failureCode(code, kind), msg, IsTransient(code, kind))
}
