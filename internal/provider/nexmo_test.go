package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
)

func newNexmoTestServer(t *testing.T, response string, check func(nexmoSendRequest)) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sms/json", r.URL.Path)

		var body nexmoSendRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(body)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
}

func TestNexmoSendSuccess(t *testing.T) {
	t.Parallel()

	server := newNexmoTestServer(t, `{"message-count":"1","messages":[{"status":"0","message-id":"NX1"}]}`, func(body nexmoSendRequest) {
		assert.Equal(t, "14155552671", body.To)
		assert.Equal(t, "key", body.APIKey)
		assert.Equal(t, "code: 123", body.Text)
		assert.Equal(t, "https://attest.example.com/delivery_status_nexmo", body.Callback)
	})
	defer server.Close()

	p, err := NewNexmoProvider(NexmoConfig{APIKey: "key", APISecret: "secret", From: "Attest", BaseURL: server.URL, CallbackBaseURL: "https://attest.example.com"})
	require.NoError(t, err)

	id, err := p.SendSMS(context.Background(), testAttestation())
	require.NoError(t, err)
	assert.Equal(t, "NX1", id)
}

func TestNexmoSendRejectedStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		response      string
		wantCode      string
		wantTransient bool
	}{
		{name: "throttled", response: `{"messages":[{"status":"1","error-text":"Throttled"}]}`, wantCode: "1", wantTransient: true},
		{name: "invalid credentials", response: `{"messages":[{"status":"4","error-text":"Bad Credentials"}]}`, wantCode: "4"},
		{name: "no messages", response: `{"messages":[]}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := newNexmoTestServer(t, tt.response, nil)
			defer server.Close()

			p, err := NewNexmoProvider(NexmoConfig{APIKey: "key", APISecret: "secret", BaseURL: server.URL})
			require.NoError(t, err)

			_, err = p.SendSMS(context.Background(), testAttestation())
			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, IsTransient(err))
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, ErrorCode(err))
			}
		})
	}
}

func TestNexmoParseDeliveryStatus(t *testing.T) {
	t.Parallel()

	p, err := NewNexmoProvider(NexmoConfig{APIKey: "key", APISecret: "secret"})
	require.NoError(t, err)

	report, err := p.ParseDeliveryStatus(url.Values{"messageId": {"NX1"}, "status": {"delivered"}, "err-code": {"0"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DeliveryReport{DeliveryID: "NX1", Status: domain.StatusDelivered}, report)

	report, err = p.ParseDeliveryStatus(url.Values{}, []byte(`{"messageId":"NX2","status":"rejected","err-code":"6"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, report.Status)
	require.NotNil(t, report.ErrorCode)
	assert.Equal(t, "6", *report.ErrorCode)

	for raw, want := range map[string]domain.Status{
		"accepted": domain.StatusUpstream,
		"buffered": domain.StatusQueued,
		"expired":  domain.StatusFailed,
		"unknown":  domain.StatusOther,
	} {
		report, err := p.ParseDeliveryStatus(url.Values{"messageId": {"NX3"}, "status": {raw}}, nil)
		require.NoError(t, err)
		assert.Equal(t, want, report.Status, "status %q", raw)
	}

	_, err = p.ParseDeliveryStatus(url.Values{}, []byte(`{"status":"delivered"}`))
	assert.True(t, errors.Is(err, domain.ErrValidation))
}
