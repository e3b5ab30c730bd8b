package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrNotConfigured = errors.New("provider is not configured")

// ProviderError is a failed delivery submission. Transient marks failures
// worth a fast retry on the next provider; every failure still consumes an
// attempt.
type ProviderError struct {
	Provider   Type
	StatusCode int
	Code       string
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	if e.Provider != "" {
		parts = append(parts, e.Provider.String())
	} else {
		parts = append(parts, "provider error")
	}

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if code := strings.TrimSpace(e.Code); code != "" {
		parts = append(parts, "code="+code)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error looks like a temporary upstream
// condition rather than a rejected request.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// ErrorCode extracts the provider specific error code, if any.
func ErrorCode(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		if code := strings.TrimSpace(providerErr.Code); code != "" {
			return code
		}
		if providerErr.StatusCode > 0 {
			return fmt.Sprintf("http_%d", providerErr.StatusCode)
		}
	}
	return ""
}
