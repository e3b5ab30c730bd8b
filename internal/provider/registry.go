package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoProviders       = errors.New("no SMS providers configured")
	ErrDuplicateProvider = errors.New("duplicate SMS provider")
	ErrUnknownProvider   = errors.New("unknown SMS provider")
)

// Registry holds the configured providers in configuration order. It is
// immutable once built.
type Registry struct {
	ordered []Provider
	byType  map[Type]Provider
}

func NewRegistry(providers ...Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	r := &Registry{
		ordered: make([]Provider, 0, len(providers)),
		byType:  make(map[Type]Provider, len(providers)),
	}
	for _, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("nil provider")
		}
		if _, exists := r.byType[p.Type()]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, p.Type())
		}
		r.byType[p.Type()] = p
		r.ordered = append(r.ordered, p)
	}
	return r, nil
}

// All returns the providers in configuration order. The slice is a copy.
func (r *Registry) All() []Provider {
	return append([]Provider(nil), r.ordered...)
}

func (r *Registry) Get(t Type) (Provider, bool) {
	p, ok := r.byType[t]
	return p, ok
}

func (r *Registry) Types() []Type {
	types := make([]Type, 0, len(r.ordered))
	for _, p := range r.ordered {
		types = append(types, p.Type())
	}
	return types
}

// WithDeliveryStatus returns providers that accept status webhooks.
func (r *Registry) WithDeliveryStatus() []Provider {
	out := make([]Provider, 0, len(r.ordered))
	for _, p := range r.ordered {
		if !p.SupportsDeliveryStatus() {
			continue
		}
		if _, ok := p.(DeliveryStatusParser); ok {
			out = append(out, p)
		}
	}
	return out
}

// Settings carries the per-variant configuration the factory needs.
type Settings struct {
	CallbackBaseURL    string
	UnsupportedRegions map[Type][]string

	Twilio          TwilioConfig
	TwilioVerify    TwilioVerifyConfig
	Nexmo           NexmoConfig
	SNSRegion       string
	WebhookEndpoint string
}

// Factory constructs the provider for one configured type.
type Factory func(ctx context.Context, t Type) (Provider, error)

// NewFactory returns the Factory backed by real vendor clients.
func NewFactory(settings Settings) Factory {
	return func(ctx context.Context, t Type) (Provider, error) {
		regions := settings.UnsupportedRegions[t]

		switch t {
		case TypeTwilioMessaging:
			cfg := settings.Twilio
			cfg.CallbackBaseURL = settings.CallbackBaseURL
			cfg.UnsupportedRegions = regions
			return NewTwilioMessagingProvider(cfg)
		case TypeTwilioVerify:
			cfg := settings.TwilioVerify
			cfg.UnsupportedRegions = regions
			return NewTwilioVerifyProvider(cfg)
		case TypeNexmo:
			cfg := settings.Nexmo
			cfg.CallbackBaseURL = settings.CallbackBaseURL
			cfg.UnsupportedRegions = regions
			return NewNexmoProvider(cfg)
		case TypeSNS:
			if strings.TrimSpace(settings.SNSRegion) == "" {
				return nil, fmt.Errorf("%w: sns region is required", ErrNotConfigured)
			}
			publisher, err := NewSNSPublisher(ctx, settings.SNSRegion)
			if err != nil {
				return nil, err
			}
			return NewSNSProvider(publisher, regions), nil
		case TypeWebhook:
			return NewWebhookProvider(settings.WebhookEndpoint, settings.CallbackBaseURL, regions)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, t)
		}
	}
}

// BuildRegistry parses a comma separated provider list and constructs each
// entry through factory.
func BuildRegistry(ctx context.Context, raw string, factory Factory) (*Registry, error) {
	types := ParseTypes(raw)
	if len(types) == 0 {
		return nil, ErrNoProviders
	}

	seen := make(map[Type]struct{}, len(types))
	providers := make([]Provider, 0, len(types))
	for _, t := range types {
		if _, dup := seen[t]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProvider, t)
		}
		seen[t] = struct{}{}

		if !t.IsValid() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, t)
		}

		p, err := factory(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("init provider %s: %w", t, err)
		}
		providers = append(providers, p)
	}

	return NewRegistry(providers...)
}
