package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes for the
// outbound tool and weather calls.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRemoteCode classifies error codes reported by the remote
// speech service. Retryable errors keep the session alive; the client may
// simply try the operation again. Anything unknown is treated as fatal.
func IsRetryableRemoteCode(code string) bool {
	switch strings.ToLower(code) {
	case "rate_limit_exceeded", "rate_limited", "server_error",
		"service_unavailable", "session_busy":
		return true
	default:
		return false
	}
}

// IsFatalRemoteCode reports codes that must tear the session down
// immediately rather than be surfaced as a recoverable error frame.
func IsFatalRemoteCode(code string) bool {
	switch strings.ToLower(code) {
	case "invalid_api_key", "unauthorized", "session_expired",
		"invalid_session", "quota_exceeded":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
