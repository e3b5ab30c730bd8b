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

type webhookRequest struct {
	To            string  `json:"to"`
	Content       string  `json:"content"`
	AttestationID string  `json:"attestationId"`
	Language      *string `json:"language,omitempty"`
	CallbackURL   string  `json:"callbackUrl,omitempty"`
}

type webhookResponse struct {
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

type webhookStatusReport struct {
	MessageID string  `json:"messageId"`
	Status    string  `json:"status"`
	ErrorCode *string `json:"errorCode"`
}

// WebhookProvider posts messages to a generic HTTP gateway and accepts its
// status callbacks in the shared status vocabulary.
type WebhookProvider struct {
	regionDenylist
	client      *resty.Client
	endpoint    string
	callbackURL string
}

func NewWebhookProvider(endpoint, callbackBaseURL string, unsupportedRegions []string) (*WebhookProvider, error) {
	return NewWebhookProviderWithClient(endpoint, callbackBaseURL, unsupportedRegions, newRestyClient(0))
}

func NewWebhookProviderWithClient(endpoint, callbackBaseURL string, unsupportedRegions []string, client *resty.Client) (*WebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("%w: webhook endpoint is required", ErrNotConfigured)
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}

	return &WebhookProvider{
		regionDenylist: newRegionDenylist(unsupportedRegions),
		client:         prepareClient(client),
		endpoint:       trimmedEndpoint,
		callbackURL:    callbackURL(callbackBaseURL, TypeWebhook),
	}, nil
}

func (p *WebhookProvider) Type() Type { return TypeWebhook }

func (p *WebhookProvider) SupportsDeliveryStatus() bool { return true }

func (p *WebhookProvider) SendSMS(ctx context.Context, attestation *domain.Attestation) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("provider is not initialized")
	}

	var parsed webhookResponse
	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookRequest{
			To:            attestation.PhoneNumber,
			Content:       attestation.Message,
			AttestationID: attestation.ID,
			Language:      attestation.Language,
			CallbackURL:   p.callbackURL,
		}).
		SetResult(&parsed).
		Post(p.endpoint)
	if err != nil {
		return "", requestFailure(TypeWebhook, err)
	}
	if !isSuccess(response) {
		return "", statusFailure(TypeWebhook, response, "")
	}

	if id := firstNonEmpty(parsed.MessageID, parsed.ID, headerMessageID(response)); id != "" {
		return id, nil
	}
	return "", &ProviderError{Provider: TypeWebhook, StatusCode: response.StatusCode(), Message: "response carried no message id"}
}

func (p *WebhookProvider) ParseDeliveryStatus(_ url.Values, body []byte) (DeliveryReport, error) {
	var report webhookStatusReport
	if err := json.Unmarshal(body, &report); err != nil {
		return DeliveryReport{}, fmt.Errorf("%w: invalid webhook status payload", domain.ErrValidation)
	}
	if strings.TrimSpace(report.MessageID) == "" {
		return DeliveryReport{}, fmt.Errorf("%w: messageId is required", domain.ErrValidation)
	}

	status, err := domain.ParseStatusFromString(report.Status)
	if err != nil {
		return DeliveryReport{}, err
	}

	return DeliveryReport{
		DeliveryID: strings.TrimSpace(report.MessageID),
		Status:     status,
		ErrorCode:  report.ErrorCode,
	}, nil
}

func headerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
