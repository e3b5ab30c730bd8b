package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")

	// ErrConfigurationDrift means the provider list frozen on a record is no
	// longer a subset of the providers this instance considers eligible.
	ErrConfigurationDrift = errors.New("inconsistent provider configuration between instances")

	ErrRerequestWindowClosed = errors.New("attestation can no longer be rerequested")
	ErrAttemptsExceeded      = errors.New("delivery attempts exceeded")
)

// IsPolicyRejection reports whether err is a re-request policy rejection.
func IsPolicyRejection(err error) bool {
	return errors.Is(err, ErrRerequestWindowClosed) || errors.Is(err, ErrAttemptsExceeded)
}
