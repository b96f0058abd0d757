package tool

import (
	"errors"
	"net/http"
	"strings"

	"agentflow/internal/domain"
)

// retryableSentinels lists domain errors that indicate transient failures a
// later pass may not see.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrRateLimit,
	domain.ErrCircuitOpen,
}

// retryablePatterns are substrings in error messages that indicate transient failures.
// Checked case-insensitively.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"eof",
}

// retryableStatus lists HTTP statuses worth seeing again on the next pass.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	http.StatusInternalServerError: true,
}

// IsRetryable reports whether a failed invocation is transient. Returns false
// for nil, permanent, or unknown errors.
func IsRetryable(resp *domain.ToolResponse) bool {
	if resp == nil || resp.Err == nil {
		return false
	}
	if retryableStatus[resp.StatusCode] {
		return true
	}
	return classifyToolError(resp.Err)
}

func classifyToolError(err error) bool {
	if err == nil {
		return false
	}

	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}

	// String-based fallback for transport errors without sentinel wrapping.
	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// countsAsBreakerFailure reports whether a response should trip the circuit.
// Client errors (4xx) mean the endpoint is up and answering.
func countsAsBreakerFailure(resp *domain.ToolResponse) bool {
	if resp == nil || resp.Err == nil {
		return false
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return false
	}
	if errors.Is(resp.Err, domain.ErrSSRFBlocked) {
		return false
	}
	return true
}
