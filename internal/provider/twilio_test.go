package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

func TestTwilioMessagingSendSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+14155552671", r.PostForm.Get("To"))
		assert.Equal(t, "code: 123", r.PostForm.Get("Body"))
		assert.Equal(t, "MG1", r.PostForm.Get("MessagingServiceSid"))
		assert.Empty(t, r.PostForm.Get("From"))
		assert.Equal(t, "https://attest.example.com/delivery_status_twiliomessaging", r.PostForm.Get("StatusCallback"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer server.Close()

	p, err := NewTwilioMessagingProvider(TwilioConfig{
		AccountSID:          "AC123",
		AuthToken:           "secret",
		MessagingServiceSID: "MG1",
		BaseURL:             server.URL,
		CallbackBaseURL:     "https://attest.example.com",
	})
	require.NoError(t, err)

	id, err := p.SendSMS(context.Background(), testAttestation())
	require.NoError(t, err)
	assert.Equal(t, "SM1", id)
}

func TestTwilioMessagingSendErrorCarriesCode(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number."}`))
	}))
	defer server.Close()

	p, err := NewTwilioMessagingProvider(TwilioConfig{AccountSID: "AC123", AuthToken: "secret", From: "+15005550006", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = p.SendSMS(context.Background(), testAttestation())
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, "21211", ErrorCode(err))
	assert.Contains(t, err.Error(), "twiliomessaging")
}

func TestNewTwilioMessagingRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := NewTwilioMessagingProvider(TwilioConfig{AccountSID: "AC123", AuthToken: "secret"})
	assert.True(t, errors.Is(err, ErrNotConfigured))

	_, err = NewTwilioMessagingProvider(TwilioConfig{From: "+15005550006"})
	assert.True(t, errors.Is(err, ErrNotConfigured))
}

func TestTwilioMessagingParseDeliveryStatus(t *testing.T) {
	t.Parallel()

	p, err := NewTwilioMessagingProvider(TwilioConfig{AccountSID: "AC123", AuthToken: "secret", From: "+15005550006"})
	require.NoError(t, err)

	tests := []struct {
		raw  string
		want domain.Status
	}{
		{raw: "queued", want: domain.StatusQueued},
		{raw: "accepted", want: domain.StatusQueued},
		{raw: "sending", want: domain.StatusUpstream},
		{raw: "sent", want: domain.StatusUpstream},
		{raw: "delivered", want: domain.StatusDelivered},
		{raw: "undelivered", want: domain.StatusFailed},
		{raw: "failed", want: domain.StatusFailed},
		{raw: "receiving", want: domain.StatusOther},
	}

	for _, tt := range tests {
		report, err := p.ParseDeliveryStatus(url.Values{"MessageSid": {"SM1"}, "MessageStatus": {tt.raw}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "SM1", report.DeliveryID)
		assert.Equal(t, tt.want, report.Status, "status %q", tt.raw)
		assert.Nil(t, report.ErrorCode)
	}

	report, err := p.ParseDeliveryStatus(url.Values{"SmsSid": {"SM2"}, "SmsStatus": {"failed"}, "ErrorCode": {"30006"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "SM2", report.DeliveryID)
	require.NotNil(t, report.ErrorCode)
	assert.Equal(t, "30006", *report.ErrorCode)

	_, err = p.ParseDeliveryStatus(url.Values{"MessageStatus": {"sent"}}, nil)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestTwilioVerifySendsSecurityCode(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/Services/VA1/Verifications", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "sms", r.PostForm.Get("Channel"))
		assert.Equal(t, "123", r.PostForm.Get("CustomCode"))
		assert.Equal(t, "es", r.PostForm.Get("Locale"))
		assert.Equal(t, "hash", r.PostForm.Get("AppHash"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"VE1"}`))
	}))
	defer server.Close()

	p, err := NewTwilioVerifyProvider(TwilioVerifyConfig{AccountSID: "AC123", AuthToken: "secret", ServiceSID: "VA1", BaseURL: server.URL})
	require.NoError(t, err)
	assert.False(t, p.SupportsDeliveryStatus())

	attestation := testAttestation()
	attestation.Language = domain.StringPtr("es")
	attestation.AppSignature = domain.StringPtr("hash")

	id, err := p.SendSMS(context.Background(), attestation)
	require.NoError(t, err)
	assert.Equal(t, "VE1", id)
}

func TestTwilioVerifyRequiresSecurityCode(t *testing.T) {
	t.Parallel()

	p, err := NewTwilioVerifyProvider(TwilioVerifyConfig{AccountSID: "AC123", AuthToken: "secret", ServiceSID: "VA1", BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	attestation := testAttestation()
	attestation.SecurityCode = nil

	_, err = p.SendSMS(context.Background(), attestation)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
