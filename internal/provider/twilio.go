package provider

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

const defaultTwilioBaseURL = "https://api.twilio.com"

type TwilioConfig struct {
	AccountSID          string
	AuthToken           string
	MessagingServiceSID string
	From                string
	BaseURL             string
	CallbackBaseURL     string
	UnsupportedRegions  []string
}

type twilioMessageResponse struct {
	SID string `json:"sid"`
}

type twilioErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TwilioMessagingProvider sends through the Programmable Messaging API.
type TwilioMessagingProvider struct {
	regionDenylist
	client      *resty.Client
	cfg         TwilioConfig
	callbackURL string
}

func NewTwilioMessagingProvider(cfg TwilioConfig) (*TwilioMessagingProvider, error) {
	return NewTwilioMessagingProviderWithClient(cfg, newRestyClient(0))
}

func NewTwilioMessagingProviderWithClient(cfg TwilioConfig, client *resty.Client) (*TwilioMessagingProvider, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("%w: twilio account sid and auth token are required", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.MessagingServiceSID) == "" && strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("%w: twilio messaging service sid or sender is required", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}

	client = prepareClient(client)
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)

	return &TwilioMessagingProvider{
		regionDenylist: newRegionDenylist(cfg.UnsupportedRegions),
		client:         client,
		cfg:            cfg,
		callbackURL:    callbackURL(cfg.CallbackBaseURL, TypeTwilioMessaging),
	}, nil
}

func (p *TwilioMessagingProvider) Type() Type { return TypeTwilioMessaging }

func (p *TwilioMessagingProvider) SupportsDeliveryStatus() bool { return true }

func (p *TwilioMessagingProvider) SendSMS(ctx context.Context, attestation *domain.Attestation) (string, error) {
	form := map[string]string{
		"To":   attestation.PhoneNumber,
		"Body": attestation.Message,
	}
	if p.cfg.MessagingServiceSID != "" {
		form["MessagingServiceSid"] = p.cfg.MessagingServiceSID
	} else {
		form["From"] = p.cfg.From
	}
	if p.callbackURL != "" {
		form["StatusCallback"] = p.callbackURL
	}

	var parsed twilioMessageResponse
	var failure twilioErrorResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&parsed).
		SetError(&failure).
		Post("/2010-04-01/Accounts/" + url.PathEscape(p.cfg.AccountSID) + "/Messages.json")
	if err != nil {
		return "", requestFailure(TypeTwilioMessaging, err)
	}
	if !isSuccess(response) {
		return "", statusFailure(TypeTwilioMessaging, response, twilioCode(failure))
	}
	if strings.TrimSpace(parsed.SID) == "" {
		return "", &ProviderError{Provider: TypeTwilioMessaging, StatusCode: response.StatusCode(), Message: "response carried no message sid"}
	}

	return parsed.SID, nil
}

// ParseDeliveryStatus reads Twilio's form encoded status callback.
func (p *TwilioMessagingProvider) ParseDeliveryStatus(form url.Values, _ []byte) (DeliveryReport, error) {
	sid := strings.TrimSpace(form.Get("MessageSid"))
	if sid == "" {
		sid = strings.TrimSpace(form.Get("SmsSid"))
	}
	if sid == "" {
		return DeliveryReport{}, fmt.Errorf("%w: MessageSid is required", domain.ErrValidation)
	}

	rawStatus := form.Get("MessageStatus")
	if rawStatus == "" {
		rawStatus = form.Get("SmsStatus")
	}

	return DeliveryReport{
		DeliveryID: sid,
		Status:     twilioStatus(rawStatus),
		ErrorCode:  domain.StringPtr(form.Get("ErrorCode")),
	}, nil
}

func twilioStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "queued", "scheduled":
		return domain.StatusQueued
	case "sending", "sent":
		return domain.StatusUpstream
	case "delivered", "read":
		return domain.StatusDelivered
	case "failed", "undelivered", "canceled":
		return domain.StatusFailed
	default:
		return domain.StatusOther
	}
}

func twilioCode(failure twilioErrorResponse) string {
	if failure.Code == 0 {
		return ""
	}
	return strconv.Itoa(failure.Code)
}
