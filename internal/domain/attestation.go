package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxErrorLength caps a single entry of the attestation error log.
const DefaultMaxErrorLength = 255

// AttestationKey identifies one verification flow.
type AttestationKey struct {
	Account    string
	Identifier string
	Issuer     string
}

func (k AttestationKey) Validate() error {
	if strings.TrimSpace(k.Account) == "" {
		return fmt.Errorf("%w: account is required", ErrValidation)
	}
	if strings.TrimSpace(k.Identifier) == "" {
		return fmt.Errorf("%w: identifier is required", ErrValidation)
	}
	if strings.TrimSpace(k.Issuer) == "" {
		return fmt.Errorf("%w: issuer is required", ErrValidation)
	}
	if err := CheckLength("account", k.Account, MaxAccountLength); err != nil {
		return err
	}
	if err := CheckLength("identifier", k.Identifier, MaxIdentifierLength); err != nil {
		return err
	}
	return CheckLength("issuer", k.Issuer, MaxIssuerLength)
}

func (k AttestationKey) String() string {
	return k.Account + "/" + k.Identifier + "/" + k.Issuer
}

// ErrorEntry is one line of the append-only attestation error log.
type ErrorEntry struct {
	ProviderType string    `json:"provider,omitempty"`
	Attempt      int       `json:"attempt"`
	Message      string    `json:"error"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// Attestation is the persisted unit of work for one delivery flow.
type Attestation struct {
	ID                string
	Key               AttestationKey
	PhoneNumber       string
	CountryCode       string
	Message           string
	SecurityCode      *string
	AttestationCode   *string
	AppSignature      *string
	Language          *string
	Providers         []string
	Attempt           int
	Status            Status
	OngoingDeliveryID *string
	Errors            []ErrorEntry
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy so stores can hand out records without sharing
// slices or pointers.
func (a *Attestation) Clone() *Attestation {
	if a == nil {
		return nil
	}

	c := *a
	c.SecurityCode = cloneString(a.SecurityCode)
	c.AttestationCode = cloneString(a.AttestationCode)
	c.AppSignature = cloneString(a.AppSignature)
	c.Language = cloneString(a.Language)
	c.OngoingDeliveryID = cloneString(a.OngoingDeliveryID)
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		c.CompletedAt = &t
	}
	if a.Providers != nil {
		c.Providers = append([]string(nil), a.Providers...)
	}
	if a.Errors != nil {
		c.Errors = append([]ErrorEntry(nil), a.Errors...)
	}
	return &c
}

// CurrentProvider returns the provider type the next attempt uses.
func (a *Attestation) CurrentProvider() string {
	if a == nil || len(a.Providers) == 0 {
		return ""
	}
	return a.Providers[a.Attempt%len(a.Providers)]
}

// RecordError appends to the error log. The message is cut to maxLen runes.
func (a *Attestation) RecordError(providerType string, message string, maxLen int, now time.Time) {
	if maxLen <= 0 {
		maxLen = DefaultMaxErrorLength
	}
	if runes := []rune(message); len(runes) > maxLen {
		message = string(runes[:maxLen])
	}

	a.Errors = append(a.Errors, ErrorEntry{
		ProviderType: providerType,
		Attempt:      a.Attempt,
		Message:      message,
		RecordedAt:   now.UTC(),
	})
}

func (a *Attestation) DeliveryID() string {
	if a == nil || a.OngoingDeliveryID == nil {
		return ""
	}
	return *a.OngoingDeliveryID
}

func (a *Attestation) MarkCompleted(now time.Time) {
	if a.CompletedAt != nil {
		return
	}
	t := now.UTC()
	a.CompletedAt = &t
}

func (a *Attestation) Outcome() Outcome {
	switch {
	case a.Status == StatusDelivered:
		return OutcomeDelivered
	case a.CompletedAt != nil && len(a.Providers) == 0:
		return OutcomeUnableToServe
	case a.CompletedAt != nil:
		return OutcomeFailed
	case a.Status.AwaitingConfirmation():
		return OutcomeSent
	default:
		return OutcomePending
	}
}

// LastError returns the most recent error log message, if any.
func (a *Attestation) LastError() string {
	if a == nil || len(a.Errors) == 0 {
		return ""
	}
	return a.Errors[len(a.Errors)-1].Message
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns nil for blank input.
func StringPtr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
