package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

// SNSPublisher abstracts the AWS SNS Publish call for testability.
type SNSPublisher interface {
	Publish(ctx context.Context, phoneNumber, message string) (messageID string, err error)
}

// SNSProvider sends through AWS SNS direct-to-phone publishing. SNS offers
// no per-message delivery webhook.
type SNSProvider struct {
	regionDenylist
	publisher SNSPublisher
}

func NewSNSProvider(publisher SNSPublisher, unsupportedRegions []string) *SNSProvider {
	return &SNSProvider{
		regionDenylist: newRegionDenylist(unsupportedRegions),
		publisher:      publisher,
	}
}

func (p *SNSProvider) Type() Type { return TypeSNS }

func (p *SNSProvider) SupportsDeliveryStatus() bool { return false }

func (p *SNSProvider) SendSMS(ctx context.Context, attestation *domain.Attestation) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("provider is not initialized")
	}

	messageID, err := p.publisher.Publish(ctx, attestation.PhoneNumber, attestation.Message)
	if err != nil {
		return "", &ProviderError{
			Provider:  TypeSNS,
			Message:   "publish failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if strings.TrimSpace(messageID) == "" {
		return "", &ProviderError{Provider: TypeSNS, Message: "publish returned no message id"}
	}

	return messageID, nil
}

type snsPublisherAdapter struct {
	client *sns.Client
}

// NewSNSPublisher builds a publisher from the default AWS credential chain.
func NewSNSPublisher(ctx context.Context, region string) (SNSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &snsPublisherAdapter{client: sns.NewFromConfig(cfg)}, nil
}

func (a *snsPublisherAdapter) Publish(ctx context.Context, phoneNumber, message string) (string, error) {
	out, err := a.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(phoneNumber),
		Message:     aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.MessageId), nil
}
