package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

const defaultNexmoBaseURL = "https://rest.nexmo.com"

type NexmoConfig struct {
	APIKey             string
	APISecret          string
	From               string
	BaseURL            string
	CallbackBaseURL    string
	UnsupportedRegions []string
}

type nexmoSendRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	Type      string `json:"type"`
	Callback  string `json:"callback,omitempty"`
}

type nexmoSendResponse struct {
	Messages []struct {
		Status    string `json:"status"`
		MessageID string `json:"message-id"`
		ErrorText string `json:"error-text"`
	} `json:"messages"`
}

type nexmoReceipt struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	ErrCode   string `json:"err-code"`
}

// NexmoProvider sends through the Vonage (Nexmo) SMS API.
type NexmoProvider struct {
	regionDenylist
	client      *resty.Client
	cfg         NexmoConfig
	callbackURL string
}

func NewNexmoProvider(cfg NexmoConfig) (*NexmoProvider, error) {
	return NewNexmoProviderWithClient(cfg, newRestyClient(0))
}

func NewNexmoProviderWithClient(cfg NexmoConfig, client *resty.Client) (*NexmoProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("%w: nexmo api key and secret are required", ErrNotConfigured)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultNexmoBaseURL
	}

	client = prepareClient(client)
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))

	return &NexmoProvider{
		regionDenylist: newRegionDenylist(cfg.UnsupportedRegions),
		client:         client,
		cfg:            cfg,
		callbackURL:    callbackURL(cfg.CallbackBaseURL, TypeNexmo),
	}, nil
}

func (p *NexmoProvider) Type() Type { return TypeNexmo }

func (p *NexmoProvider) SupportsDeliveryStatus() bool { return true }

func (p *NexmoProvider) SendSMS(ctx context.Context, attestation *domain.Attestation) (string, error) {
	var parsed nexmoSendResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(nexmoSendRequest{
			APIKey:    p.cfg.APIKey,
			APISecret: p.cfg.APISecret,
			From:      p.cfg.From,
			To:        strings.TrimPrefix(attestation.PhoneNumber, "+"),
			Text:      attestation.Message,
			Type:      "unicode",
			Callback:  p.callbackURL,
		}).
		SetResult(&parsed).
		Post("/sms/json")
	if err != nil {
		return "", requestFailure(TypeNexmo, err)
	}
	if !isSuccess(response) {
		return "", statusFailure(TypeNexmo, response, "")
	}
	if len(parsed.Messages) == 0 {
		return "", &ProviderError{Provider: TypeNexmo, StatusCode: response.StatusCode(), Message: "response carried no messages"}
	}

	msg := parsed.Messages[0]
	if msg.Status != "0" {
		return "", &ProviderError{
			Provider:  TypeNexmo,
			Code:      msg.Status,
			Message:   msg.ErrorText,
			Transient: msg.Status == "1",
		}
	}

	return msg.MessageID, nil
}

// ParseDeliveryStatus accepts delivery receipts either as JSON or as
// query/form parameters.
func (p *NexmoProvider) ParseDeliveryStatus(form url.Values, body []byte) (DeliveryReport, error) {
	receipt := nexmoReceipt{
		MessageID: form.Get("messageId"),
		Status:    form.Get("status"),
		ErrCode:   form.Get("err-code"),
	}
	if receipt.MessageID == "" && len(body) > 0 {
		if err := json.Unmarshal(body, &receipt); err != nil {
			return DeliveryReport{}, fmt.Errorf("%w: invalid nexmo receipt", domain.ErrValidation)
		}
	}

	id := strings.TrimSpace(receipt.MessageID)
	if id == "" {
		return DeliveryReport{}, fmt.Errorf("%w: messageId is required", domain.ErrValidation)
	}

	var errorCode *string
	if code := strings.TrimSpace(receipt.ErrCode); code != "" && code != "0" {
		errorCode = &code
	}

	return DeliveryReport{
		DeliveryID: id,
		Status:     nexmoStatus(receipt.Status),
		ErrorCode:  errorCode,
	}, nil
}

func nexmoStatus(raw string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "delivered":
		return domain.StatusDelivered
	case "failed", "rejected", "expired":
		return domain.StatusFailed
	case "accepted":
		return domain.StatusUpstream
	case "buffered":
		return domain.StatusQueued
	default:
		return domain.StatusOther
	}
}
