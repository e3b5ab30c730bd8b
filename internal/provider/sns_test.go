package provider

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSNSPublisher struct {
	publishFunc func(ctx context.Context, phoneNumber, message string) (string, error)
}

func (m *mockSNSPublisher) Publish(ctx context.Context, phoneNumber, message string) (string, error) {
	return m.publishFunc(ctx, phoneNumber, message)
}

func TestSNSSendSuccess(t *testing.T) {
	t.Parallel()

	mock := &mockSNSPublisher{
		publishFunc: func(ctx context.Context, phoneNumber, message string) (string, error) {
			assert.Equal(t, "+14155552671", phoneNumber)
			assert.Equal(t, "code: 123", message)
			return "sns-msg-id-abc", nil
		},
	}

	p := NewSNSProvider(mock, []string{"cn"})
	id, err := p.SendSMS(context.Background(), testAttestation())
	require.NoError(t, err)
	assert.Equal(t, "sns-msg-id-abc", id)
	assert.False(t, p.SupportsDeliveryStatus())
	assert.False(t, p.CanServe("CN"))
	assert.Equal(t, []string{"CN"}, p.UnsupportedRegions())
}

func TestSNSSendError(t *testing.T) {
	t.Parallel()

	mock := &mockSNSPublisher{
		publishFunc: func(ctx context.Context, phoneNumber, message string) (string, error) {
			return "", fmt.Errorf("AccessDeniedException: not authorized")
		},
	}

	p := NewSNSProvider(mock, nil)
	_, err := p.SendSMS(context.Background(), testAttestation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sns")
	assert.Contains(t, err.Error(), "AccessDeniedException")
	assert.True(t, IsTransient(err))
}

func TestSNSSendEmptyMessageID(t *testing.T) {
	t.Parallel()

	mock := &mockSNSPublisher{
		publishFunc: func(context.Context, string, string) (string, error) { return "", nil },
	}

	_, err := NewSNSProvider(mock, nil).SendSMS(context.Background(), testAttestation())
	require.Error(t, err)
}

func TestProvidersImplementInterfaces(t *testing.T) {
	var _ Provider = (*SNSProvider)(nil)
	var _ Provider = (*TwilioMessagingProvider)(nil)
	var _ Provider = (*TwilioVerifyProvider)(nil)
	var _ Provider = (*NexmoProvider)(nil)
	var _ Provider = (*WebhookProvider)(nil)
	var _ DeliveryStatusParser = (*TwilioMessagingProvider)(nil)
	var _ DeliveryStatusParser = (*NexmoProvider)(nil)
	var _ DeliveryStatusParser = (*WebhookProvider)(nil)
}
