package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/attestation-engine/internal/provider"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	RetryBackendTimer    = "timer"
	RetryBackendRabbitMQ = "rabbitmq"

	overridePrefix = "SMS_PROVIDERS_"
)

type TwilioConfig struct {
	AccountSID          string   `env:"TWILIO_ACCOUNT_SID"`
	AuthToken           string   `env:"TWILIO_AUTH_TOKEN"`
	MessagingServiceSID string   `env:"TWILIO_MESSAGING_SERVICE_SID"`
	From                string   `env:"TWILIO_FROM"`
	BaseURL             string   `env:"TWILIO_BASE_URL"`
	VerifyServiceSID    string   `env:"TWILIO_VERIFY_SERVICE_SID"`
	VerifyBaseURL       string   `env:"TWILIO_VERIFY_BASE_URL"`
	UnsupportedRegions  []string `env:"TWILIO_UNSUPPORTED_REGIONS,separator=,"`
}

type NexmoConfig struct {
	APIKey             string   `env:"NEXMO_KEY"`
	APISecret          string   `env:"NEXMO_SECRET"`
	From               string   `env:"NEXMO_FROM"`
	BaseURL            string   `env:"NEXMO_BASE_URL"`
	UnsupportedRegions []string `env:"NEXMO_UNSUPPORTED_REGIONS,separator=,"`
}

type SNSConfig struct {
	Region             string   `env:"SNS_REGION"`
	UnsupportedRegions []string `env:"SNS_UNSUPPORTED_REGIONS,separator=,"`
}

type WebhookConfig struct {
	Endpoint           string   `env:"WEBHOOK_ENDPOINT"`
	UnsupportedRegions []string `env:"WEBHOOK_UNSUPPORTED_REGIONS,separator=,"`
}

type Config struct {
	StoreDriver     string        `env:"STORE_DRIVER,default=postgres"`
	DatabaseDSN     string        `env:"DATABASE_DSN"`
	DBMaxOpenConns  int           `env:"DB_MAX_OPEN_CONNS,default=20"`
	DBMaxIdleConns  int           `env:"DB_MAX_IDLE_CONNS,default=5"`
	DBConnLifetime  time.Duration `env:"DB_CONN_MAX_LIFETIME,default=30m"`
	RedisURL        string        `env:"REDIS_URL"`
	RetryBackend    string        `env:"RETRY_BACKEND,default=timer"`
	RabbitMQURL     string        `env:"RABBITMQ_URL"`
	RetryPrefetch   int           `env:"RETRY_CONSUMER_PREFETCH,default=16"`
	APIPort         int           `env:"API_PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	SMSProviders           string `env:"SMS_PROVIDERS,required=true"`
	SMSProvidersRandomized bool   `env:"SMS_PROVIDERS_RANDOMIZED,default=false"`

	MaxDeliveryAttempts      int           `env:"MAX_DELIVERY_ATTEMPTS,default=3"`
	MaxRerequestMins         int           `env:"MAX_REREQUEST_MINS,default=55"`
	MaxErrorLength           int           `env:"MAX_ERROR_LENGTH,default=255"`
	MaxSyncBackoff           time.Duration `env:"MAX_SYNC_BACKOFF,default=30s"`
	AsyncBackoffMultiplier   float64       `env:"ASYNC_BACKOFF_MULTIPLIER,default=1"`
	ProviderRateLimitPerSec  int           `env:"PROVIDER_RATE_LIMIT_PER_SEC,default=0"`
	ProviderRateLimits       []string      `env:"PROVIDER_RATE_LIMITS,separator=,"`
	ProviderRateLimitMaxWait time.Duration `env:"PROVIDER_RATE_LIMIT_MAX_WAIT,default=2s"`
	DBRecordExpiryMins       int           `env:"DB_RECORD_EXPIRY_MINS,default=0"`
	ExternalCallbackBaseURL  string        `env:"EXTERNAL_CALLBACK_BASE_URL"`

	Twilio  TwilioConfig
	Nexmo   NexmoConfig
	SNS     SNSConfig
	Webhook WebhookConfig

	overrides ProviderOverrides
}

func Load() (*Config, error) {
	var cfg Config
	remaining, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.overrides = parseOverrides(remaining)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.RetryBackend {
	case RetryBackendTimer:
	case RetryBackendRabbitMQ:
		if strings.TrimSpace(c.RabbitMQURL) == "" {
			return fmt.Errorf("RABBITMQ_URL is required for the rabbitmq retry backend")
		}
	default:
		return fmt.Errorf("unsupported RETRY_BACKEND %q", c.RetryBackend)
	}

	types := provider.ParseTypes(c.SMSProviders)
	if len(types) == 0 {
		return fmt.Errorf("SMS_PROVIDERS must list at least one provider")
	}
	for _, t := range types {
		if !t.IsValid() {
			return fmt.Errorf("SMS_PROVIDERS: %w: %s", provider.ErrUnknownProvider, t)
		}
	}
	for cc, list := range c.overrides {
		for _, t := range list {
			if !t.IsValid() {
				return fmt.Errorf("%s%s: %w: %s", overridePrefix, cc, provider.ErrUnknownProvider, t)
			}
		}
	}

	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("MAX_DELIVERY_ATTEMPTS must be at least 1")
	}
	if c.AsyncBackoffMultiplier <= 0 {
		return fmt.Errorf("ASYNC_BACKOFF_MULTIPLIER must be positive")
	}
	if c.ProviderRateLimitMaxWait <= 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT_MAX_WAIT must be positive")
	}
	if c.ProviderRateLimitPerSec < 0 || c.DBRecordExpiryMins < 0 {
		return fmt.Errorf("PROVIDER_RATE_LIMIT_PER_SEC and DB_RECORD_EXPIRY_MINS must not be negative")
	}
	if c.ProviderRateLimitPerSec > 0 && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required when PROVIDER_RATE_LIMIT_PER_SEC is set")
	}
	if _, err := c.ProviderRateLimitOverrides(); err != nil {
		return err
	}
	return nil
}

// ProviderRateLimitOverrides parses PROVIDER_RATE_LIMITS entries of the
// form type=perSecond. The twilio alias sets both twilio providers.
func (c *Config) ProviderRateLimitOverrides() (map[string]int, error) {
	limits := make(map[string]int, len(c.ProviderRateLimits))
	for _, entry := range c.ProviderRateLimits {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name, raw, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("PROVIDER_RATE_LIMITS: malformed entry %q", entry)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("PROVIDER_RATE_LIMITS: limit for %q must be a positive integer", name)
		}

		types := provider.ParseTypes(name)
		if len(types) == 0 {
			return nil, fmt.Errorf("PROVIDER_RATE_LIMITS: provider is required in %q", entry)
		}
		for _, t := range types {
			if !t.IsValid() {
				return nil, fmt.Errorf("PROVIDER_RATE_LIMITS: %w: %s", provider.ErrUnknownProvider, t)
			}
			limits[t.String()] = limit
		}
	}
	return limits, nil
}

func (c *Config) RerequestWindow() time.Duration {
	return time.Duration(c.MaxRerequestMins) * time.Minute
}

// AsyncBackoffUnit scales the one second base delay of scheduled retries.
func (c *Config) AsyncBackoffUnit() time.Duration {
	return time.Duration(c.AsyncBackoffMultiplier * float64(time.Second))
}

// RecordExpiry is zero when retention purging is disabled.
func (c *Config) RecordExpiry() time.Duration {
	return time.Duration(c.DBRecordExpiryMins) * time.Minute
}

func (c *Config) Overrides() ProviderOverrides {
	return c.overrides
}

func (c *Config) ProviderSettings() provider.Settings {
	twilioRegions := normalizeRegions(c.Twilio.UnsupportedRegions)

	return provider.Settings{
		CallbackBaseURL: strings.TrimRight(strings.TrimSpace(c.ExternalCallbackBaseURL), "/"),
		UnsupportedRegions: map[provider.Type][]string{
			provider.TypeTwilioMessaging: twilioRegions,
			provider.TypeTwilioVerify:    twilioRegions,
			provider.TypeNexmo:           normalizeRegions(c.Nexmo.UnsupportedRegions),
			provider.TypeSNS:             normalizeRegions(c.SNS.UnsupportedRegions),
			provider.TypeWebhook:         normalizeRegions(c.Webhook.UnsupportedRegions),
		},
		Twilio: provider.TwilioConfig{
			AccountSID:          c.Twilio.AccountSID,
			AuthToken:           c.Twilio.AuthToken,
			MessagingServiceSID: c.Twilio.MessagingServiceSID,
			From:                c.Twilio.From,
			BaseURL:             c.Twilio.BaseURL,
		},
		TwilioVerify: provider.TwilioVerifyConfig{
			AccountSID: c.Twilio.AccountSID,
			AuthToken:  c.Twilio.AuthToken,
			ServiceSID: c.Twilio.VerifyServiceSID,
			BaseURL:    c.Twilio.VerifyBaseURL,
		},
		Nexmo: provider.NexmoConfig{
			APIKey:    c.Nexmo.APIKey,
			APISecret: c.Nexmo.APISecret,
			From:      c.Nexmo.From,
			BaseURL:   c.Nexmo.BaseURL,
		},
		SNSRegion:       c.SNS.Region,
		WebhookEndpoint: c.Webhook.Endpoint,
	}
}

// ProviderOverrides maps an upper case region code to the provider list
// configured for it through SMS_PROVIDERS_<CC>.
type ProviderOverrides map[string][]provider.Type

func (o ProviderOverrides) ProvidersFor(countryCode string) ([]provider.Type, bool) {
	list, ok := o[strings.ToUpper(strings.TrimSpace(countryCode))]
	if !ok {
		return nil, false
	}
	return append([]provider.Type(nil), list...), true
}

// Countries returns the overridden region codes in sorted order.
func (o ProviderOverrides) Countries() []string {
	out := make([]string, 0, len(o))
	for cc := range o {
		out = append(out, cc)
	}
	sort.Strings(out)
	return out
}

func parseOverrides(vars env.EnvSet) ProviderOverrides {
	overrides := ProviderOverrides{}
	for key, value := range vars {
		if !strings.HasPrefix(key, overridePrefix) {
			continue
		}
		cc := strings.TrimPrefix(key, overridePrefix)
		if len(cc) != 2 {
			continue
		}
		overrides[strings.ToUpper(cc)] = provider.ParseTypes(value)
	}
	return overrides
}

func normalizeRegions(regions []string) []string {
	out := make([]string, 0, len(regions))
	for _, r := range regions {
		if r = strings.ToUpper(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}
