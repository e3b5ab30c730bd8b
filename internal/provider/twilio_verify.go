package provider

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

const defaultTwilioVerifyBaseURL = "https://verify.twilio.com"

type TwilioVerifyConfig struct {
	AccountSID         string
	AuthToken          string
	ServiceSID         string
	BaseURL            string
	UnsupportedRegions []string
}

// TwilioVerifyProvider sends the security code through a Verify service.
// Verify does not report per-message delivery status.
type TwilioVerifyProvider struct {
	regionDenylist
	client *resty.Client
	cfg    TwilioVerifyConfig
}

func NewTwilioVerifyProvider(cfg TwilioVerifyConfig) (*TwilioVerifyProvider, error) {
	return NewTwilioVerifyProviderWithClient(cfg, newRestyClient(0))
}

func NewTwilioVerifyProviderWithClient(cfg TwilioVerifyConfig, client *resty.Client) (*TwilioVerifyProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("%w: twilio account sid and auth token are required", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.ServiceSID) == "" {
		return nil, fmt.Errorf("%w: twilio verify service sid is required", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultTwilioVerifyBaseURL
	}

	client = prepareClient(client)
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	return &TwilioVerifyProvider{
		regionDenylist: newRegionDenylist(cfg.UnsupportedRegions),
		client:         client,
		cfg:            cfg,
	}, nil
}

func (p *TwilioVerifyProvider) Type() Type { return TypeTwilioVerify }

func (p *TwilioVerifyProvider) SupportsDeliveryStatus() bool { return false }

func (p *TwilioVerifyProvider) SendSMS(ctx context.Context, attestation *domain.Attestation) (string, error) {
	if attestation.SecurityCode == nil {
		return "", &ProviderError{Provider: TypeTwilioVerify, Message: "security code is required for verify delivery"}
	}

	form := map[string]string{
		"To":         attestation.PhoneNumber,
		"Channel":    "sms",
		"CustomCode": *attestation.SecurityCode,
	}
	if attestation.Language != nil {
		form["Locale"] = *attestation.Language
	}
	if attestation.AppSignature != nil {
		form["AppHash"] = *attestation.AppSignature
	}

	var parsed twilioMessageResponse
	var failure twilioErrorResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&parsed).
		SetError(&failure).
		Post("/v2/Services/" + url.PathEscape(p.cfg.ServiceSID) + "/Verifications")
	if err != nil {
		return "", requestFailure(TypeTwilioVerify, err)
	}
	if !isSuccess(response) {
		return "", statusFailure(TypeTwilioVerify, response, twilioCode(failure))
	}
	if strings.TrimSpace(parsed.SID) == "" {
		return "", &ProviderError{Provider: TypeTwilioVerify, StatusCode: response.StatusCode(), Message: "response carried no verification sid"}
	}

	return parsed.SID, nil
}
