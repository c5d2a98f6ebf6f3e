package reliability

import (
	"errors"
	"time"
)

// Remedy is the user-facing action suggested for a failure.
type Remedy string

const (
	RemedyNone             Remedy = ""
	RemedyRetry            Remedy = "retry"
	RemedyCheckPermissions Remedy = "check_permissions"
	RemedyCheckDevice      Remedy = "check_device"
	RemedyCheckCredentials Remedy = "check_credentials"
	RemedySwitchToBatch    Remedy = "switch_to_batch_mode"
)

// Remedier is implemented by errors that know their remedial action.
type Remedier interface {
	Remedy() Remedy
}

// RemedyFor walks err's chain for a Remedier. Unknown failures suggest
// falling back to the non-streaming mode.
func RemedyFor(err error) Remedy {
	if err == nil {
		return RemedyNone
	}
	var r Remedier
	if errors.As(err, &r) {
		return r.Remedy()
	}
	return RemedySwitchToBatch
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeErrorCode classifies upstream realtime error codes that
// clear up on their own.
func IsRetryableRealtimeErrorCode(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "session_expired", "internal_error":
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
