package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("server overloaded"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("gateway timeout"), 504)
	wrapped := fmt.Errorf("api call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_QuotaError(t *testing.T) {
	err := NewQuotaError(errors.New("quota exceeded"), 429)
	if IsTransient(err) {
		t.Error("quota error must never be transient")
	}
	wrapped := fmt.Errorf("api call failed: %w", err)
	if IsTransient(wrapped) {
		t.Error("wrapped quota error must never be transient")
	}
}

func TestIsQuota(t *testing.T) {
	err := NewQuotaError(errors.New("quota exceeded"), 429)
	if !IsQuota(err) {
		t.Error("expected QuotaError to be quota")
	}
	if !IsQuota(fmt.Errorf("wrapped: %w", err)) {
		t.Error("expected wrapped QuotaError to be quota")
	}
	if IsQuota(NewTransientError(errors.New("overloaded"), 503)) {
		t.Error("transient error is not quota")
	}
	if IsQuota(nil) {
		t.Error("nil is not quota")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("expected ECONNRESET to be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"read: connection reset by peer", true},
		{"tls handshake timeout", true},
		{"dial tcp: i/o timeout", true},
		{"lookup host: no such host", true},
		{"permission denied", false},
		{"invalid api key", false},
	}
	for _, tt := range tests {
		if got := IsTransient(errors.New(tt.msg)); got != tt.want {
			t.Errorf("IsTransient(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	// 429 is quota, not transient; client errors are terminal.
	notTransient := []int{200, 400, 401, 403, 404, 429}
	for _, code := range notTransient {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to not be transient", code)
		}
	}
}
