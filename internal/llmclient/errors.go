package llmclient

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// ErrRateLimited marks a provider-side throttle. Callers inside this package
// retry it with exponential backoff; it only escapes after the retry budget.
var ErrRateLimited = errors.New("llm rate limited")

// ErrEmptyResponse marks a structurally valid reply with no usable content.
var ErrEmptyResponse = errors.New("llm returned empty response")

// isRateLimit classifies a provider error as a throttle signal.
func isRateLimit(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests
	}
	// Some transports stringify the status before we see it.
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(strings.ToLower(msg), "resource_exhausted")
}
