package vlm

import (
	"errors"
	"fmt"
)

// Kind classifies analyze failures.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindInvalidResponse Kind = "invalid_response"
	KindHTTPStatus      Kind = "http_status"
	KindNetwork         Kind = "network"
)

// AnalyzeError describes a failed analysis after all retries.
type AnalyzeError struct {
	Kind       Kind
	StatusCode int
	// Quota is set when the provider reports an exhausted quota rather than
	// a transient rate limit.
	Quota    bool
	Attempts int
	Err      error
}

func (e *AnalyzeError) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		return fmt.Sprintf("vlm %s: %v", msg, e.Err)
	}
	return "vlm " + msg
}

func (e *AnalyzeError) Unwrap() error { return e.Err }

// KindOf returns the AnalyzeError kind in err's chain, or "".
func KindOf(err error) Kind {
	var ae *AnalyzeError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// IsQuotaExceeded reports whether err is an exhausted-quota rate limit.
func IsQuotaExceeded(err error) bool {
	var ae *AnalyzeError
	return errors.As(err, &ae) && ae.Quota
}

func (e *AnalyzeError) retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindInvalidResponse:
		return true
	case KindRateLimited:
		return !e.Quota
	case KindHTTPStatus:
		return e.StatusCode >= 500
	}
	return false
}
