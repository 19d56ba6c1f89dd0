package failover

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass buckets a model failure for cooldown policy.
type ErrorClass string

const (
	ClassRateLimit       ErrorClass = "rate_limit"
	ClassTimeout         ErrorClass = "timeout"
	ClassOverloaded      ErrorClass = "overloaded"
	ClassAuth            ErrorClass = "auth"
	ClassTransport       ErrorClass = "transport"
	ClassInvalidResponse ErrorClass = "invalid_response"
	ClassContextOverflow ErrorClass = "context_overflow"
	ClassAborted         ErrorClass = "aborted"
	ClassNonRetryable    ErrorClass = "non_retryable"
	ClassOther           ErrorClass = "other"
)

// Classify maps a run error to its failure class. Matching is on error
// text because sandbox failures arrive as opaque agent output, not typed
// provider errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassAborted
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests"):
		return ClassRateLimit
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded"):
		return ClassTimeout
	case strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "capacity"):
		return ClassOverloaded
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return ClassAuth
	case strings.Contains(msg, "context length") ||
		strings.Contains(msg, "context window") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long") ||
		strings.Contains(msg, "too many tokens"):
		return ClassContextOverflow
	case strings.Contains(msg, "aborted") ||
		strings.Contains(msg, "canceled") ||
		strings.Contains(msg, "cancelled"):
		return ClassAborted
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake"):
		return ClassTransport
	case strings.Contains(msg, "invalid response") ||
		strings.Contains(msg, "malformed response") ||
		strings.Contains(msg, "parse response") ||
		strings.Contains(msg, "unexpected end of json"):
		return ClassInvalidResponse
	case strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "400") ||
		strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "unsupported"):
		return ClassNonRetryable
	default:
		return ClassOther
	}
}
