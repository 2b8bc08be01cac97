// Package errclass classifies provider errors and drives retry policy.
// Classification works on error message text because provider failures
// reach us in many shapes: HTTP status lines, vendor JSON bodies, and
// plain transport errors.
package errclass

import (
	"strings"
	"time"
)

// Kind is the classification of a provider error.
type Kind string

const (
	KindRateLimit      Kind = "rate_limit"
	KindAuthError      Kind = "auth_error"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindInvalidRequest Kind = "invalid_request"
	KindServerError    Kind = "server_error"
	KindNetworkError   Kind = "network_error"
	KindUnknown        Kind = "unknown"
)

// Classification is the result of classifying one error.
type Classification struct {
	Kind      Kind
	Retryable bool
}

// maxRawErrorLen caps how much raw vendor output is carried into
// user-facing messages.
const maxRawErrorLen = 400

// Provider-specific patterns checked before the generic rules.
// Keys are matched as lowercase substrings.
var anthropicPatterns = []patternRule{
	{"usage_limits", KindQuotaExceeded},
	{"overloaded", KindServerError},
	{"authentication", KindAuthError},
	{"invalid api key", KindAuthError},
	{"429", KindRateLimit},
}

var openaiPatterns = []patternRule{
	{"rate_limit", KindRateLimit},
	{"quota_limit", KindQuotaExceeded},
	{"401", KindAuthError},
	{"invalid_auth_header", KindAuthError},
	{"502", KindServerError},
	{"service_unavailable", KindServerError},
}

var googlePatterns = []patternRule{
	{"permission_denied", KindAuthError},
	{"resource_exhausted", KindQuotaExceeded},
	{"deadline_exceeded", KindNetworkError},
	{"unavailable", KindServerError},
}

type patternRule struct {
	substr string
	kind   Kind
}

// billingPatterns mark exhausted-credit errors. These are never retryable
// even when the same body also matches a rate-limit pattern: some vendors
// return 429 for out-of-credit accounts and retrying those just burns the
// fallback budget.
var billingPatterns = []string{
	"insufficient_quota",
	"exceeded your current quota",
	"resource_exhausted",
	"billing",
	"quota esaurita",
}

// Classify classifies an error message. provider selects a
// vendor-specific pattern table ("anthropic", "openai", "google");
// anything else uses only the generic rules.
func Classify(errMsg, provider string) Classification {
	msg := strings.ToLower(errMsg)

	if isBilling(msg) {
		return Classification{Kind: KindQuotaExceeded, Retryable: false}
	}

	kind := classifyKind(msg, provider)
	return Classification{Kind: kind, Retryable: retryable(kind)}
}

func classifyKind(msg, provider string) Kind {
	var patterns []patternRule
	switch provider {
	case "anthropic":
		patterns = anthropicPatterns
	case "openai":
		patterns = openaiPatterns
	case "google", "gemini":
		patterns = googlePatterns
	}
	for _, p := range patterns {
		if strings.Contains(msg, p.substr) {
			return p.kind
		}
	}

	// Generic rules. Order matters: rate limit before auth, auth before
	// the bare status-code checks further down.
	switch {
	case containsAny(msg, "429", "too many requests", "rate limit", "ratelimit"):
		return KindRateLimit
	case containsAny(msg, "401", "403", "unauthorized", "invalid api key", "authentication failed"):
		return KindAuthError
	case containsAny(msg, "500", "502", "503", "internal server error", "bad gateway", "service unavailable"):
		return KindServerError
	case containsAny(msg, "timeout", "connection"):
		return KindNetworkError
	case containsAny(msg, "quota", "usage limit", "monthly limit"):
		return KindQuotaExceeded
	case containsAny(msg, "400", "invalid"):
		return KindInvalidRequest
	}
	return KindUnknown
}

func isBilling(msg string) bool {
	return containsAny(msg, billingPatterns...)
}

func retryable(k Kind) bool {
	switch k {
	case KindRateLimit, KindServerError, KindNetworkError:
		return true
	}
	return false
}

func containsAny(msg string, substrs ...string) bool {
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// BackoffDelay returns how long to wait before retry attempt (0-indexed).
// Exponential with the exponent capped at 5.
func BackoffDelay(kind Kind, attempt int) time.Duration {
	var base time.Duration
	switch kind {
	case KindRateLimit:
		base = 2 * time.Second
	case KindServerError:
		base = time.Second
	case KindNetworkError:
		base = 500 * time.Millisecond
	default:
		base = time.Second
	}
	if attempt > 5 {
		attempt = 5
	}
	return base * (1 << attempt)
}

// MaxRetries returns the retry budget for an error kind.
func MaxRetries(kind Kind) int {
	switch kind {
	case KindRateLimit:
		return 3
	case KindServerError, KindNetworkError:
		return 2
	case KindAuthError, KindQuotaExceeded, KindInvalidRequest:
		return 0
	default:
		return 1
	}
}

// Truncate caps raw vendor error text before it is surfaced to users
// or logs. Vendor bodies can carry entire HTML error pages.
func Truncate(raw string) string {
	if len(raw) <= maxRawErrorLen {
		return raw
	}
	return raw[:maxRawErrorLen] + "..."
}
