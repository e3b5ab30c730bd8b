package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultHTTPTimeout = 10 * time.Second

func newRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)
	return client
}

func prepareClient(client *resty.Client) *resty.Client {
	if client == nil {
		return newRestyClient(0)
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultHTTPTimeout)
	}
	client.SetRetryCount(0)
	return client
}

func requestFailure(t Type, err error) error {
	return &ProviderError{
		Provider:  t,
		Message:   "provider request failed",
		Transient: !errors.Is(err, context.Canceled),
		Cause:     err,
	}
}

func statusFailure(t Type, response *resty.Response, code string) error {
	if response == nil {
		return &ProviderError{Provider: t, Message: "provider returned empty response", Transient: true}
	}

	statusCode := response.StatusCode()
	return &ProviderError{
		Provider:   t,
		StatusCode: statusCode,
		Code:       code,
		Message:    providerErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isSuccess(response *resty.Response) bool {
	if response == nil {
		return false
	}
	code := response.StatusCode()
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
