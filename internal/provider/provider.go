package provider

import (
	"context"
	"net/url"
	"strings"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

// Type identifies a delivery provider implementation.
type Type string

const (
	TypeTwilioMessaging Type = "twiliomessaging"
	TypeTwilioVerify    Type = "twilioverify"
	TypeNexmo           Type = "nexmo"
	TypeSNS             Type = "sns"
	TypeWebhook         Type = "webhook"

	// aliasTwilio expands to both Twilio products, verify first.
	aliasTwilio = "twilio"
)

func (t Type) String() string { return string(t) }

func (t Type) IsValid() bool {
	switch t {
	case TypeTwilioMessaging, TypeTwilioVerify, TypeNexmo, TypeSNS, TypeWebhook:
		return true
	}
	return false
}

// Provider is the outbound SMS delivery port.
type Provider interface {
	Type() Type
	// SendSMS submits the attestation message and returns the provider's
	// delivery id.
	SendSMS(ctx context.Context, attestation *domain.Attestation) (string, error)
	CanServe(countryCode string) bool
	UnsupportedRegions() []string
	SupportsDeliveryStatus() bool
}

// DeliveryReport is a provider status callback normalized to the shared
// status vocabulary.
type DeliveryReport struct {
	DeliveryID string
	Status     domain.Status
	ErrorCode  *string
}

// DeliveryStatusParser is implemented by providers that accept delivery
// status webhooks.
type DeliveryStatusParser interface {
	ParseDeliveryStatus(form url.Values, body []byte) (DeliveryReport, error)
}

// DeliveryStatusPath is the webhook route registered for a provider type.
func DeliveryStatusPath(t Type) string {
	return "/delivery_status_" + t.String()
}

// ParseTypes splits a comma separated provider list, dropping blanks and
// expanding the twilio alias. Names are lowercased but not validated.
func ParseTypes(raw string) []Type {
	parts := strings.Split(raw, ",")
	types := make([]Type, 0, len(parts))
	for _, part := range parts {
		name := strings.ToLower(strings.TrimSpace(part))
		switch name {
		case "":
			continue
		case aliasTwilio:
			types = append(types, TypeTwilioVerify, TypeTwilioMessaging)
		default:
			types = append(types, Type(name))
		}
	}
	return types
}

// regionDenylist implements CanServe for providers configured with
// unsupported region codes.
type regionDenylist map[string]struct{}

func newRegionDenylist(codes []string) regionDenylist {
	denied := make(regionDenylist, len(codes))
	for _, code := range codes {
		normalized := strings.ToUpper(strings.TrimSpace(code))
		if normalized != "" {
			denied[normalized] = struct{}{}
		}
	}
	return denied
}

func (d regionDenylist) CanServe(countryCode string) bool {
	_, denied := d[strings.ToUpper(strings.TrimSpace(countryCode))]
	return !denied
}

func (d regionDenylist) UnsupportedRegions() []string {
	codes := make([]string, 0, len(d))
	for code := range d {
		codes = append(codes, code)
	}
	return codes
}

func callbackURL(base string, t Type) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return ""
	}
	return trimmed + DeliveryStatusPath(t)
}
