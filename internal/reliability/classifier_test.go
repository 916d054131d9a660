package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should not be retryable", code)
		}
	}
}

func TestRemoteCodeClassification(t *testing.T) {
	if !IsRetryableRemoteCode("rate_limit_exceeded") {
		t.Fatalf("rate_limit_exceeded should be retryable")
	}
	if !IsRetryableRemoteCode("Server_Error") {
		t.Fatalf("classification should be case-insensitive")
	}
	if IsRetryableRemoteCode("invalid_api_key") {
		t.Fatalf("invalid_api_key should not be retryable")
	}
	if !IsFatalRemoteCode("session_expired") {
		t.Fatalf("session_expired should be fatal")
	}
	if IsFatalRemoteCode("rate_limited") {
		t.Fatalf("rate_limited should not be fatal")
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second
	if got := ExponentialBackoff(0, base, cap); got != base {
		t.Fatalf("attempt 0 = %v", got)
	}
	if got := ExponentialBackoff(2, base, cap); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v", got)
	}
	if got := ExponentialBackoff(10, base, cap); got != cap {
		t.Fatalf("attempt 10 = %v, want cap", got)
	}
}
