package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an upstream failure that is safe to retry (5xx,
// timeout, connection-level failures).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// QuotaError wraps a quota-exhausted upstream response (429 or the
// provider's RESOURCE_EXHAUSTED status). Quota errors are surfaced
// immediately and never retried: retrying spends more of a quota that is
// already gone.
type QuotaError struct {
	Err        error
	StatusCode int
}

func (e *QuotaError) Error() string { return e.Err.Error() }
func (e *QuotaError) Unwrap() error { return e.Err }

// NewQuotaError wraps an error as a quota exhaustion.
func NewQuotaError(err error, statusCode int) *QuotaError {
	return &QuotaError{Err: err, StatusCode: statusCode}
}

// IsQuota returns true if the error chain contains a QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common network-level transient patterns. Quota
// errors are never transient.
func IsTransient(err error) bool {
	if err == nil || IsQuota(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry. 429 is deliberately
// excluded: it maps to QuotaError, not TransientError.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
