package provider

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type staticOverrides map[string][]Type

func (s staticOverrides) ProvidersFor(countryCode string) ([]Type, bool) {
	types, ok := s[countryCode]
	return types, ok
}

func mustRegistry(t *testing.T, providers ...Provider) *Registry {
	t.Helper()

	registry, err := NewRegistry(providers...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return registry
}

func reverseShuffle(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
}

func TestSelectorEligibleProviders(t *testing.T) {
	t.Parallel()

	a := newFakeProvider(TypeTwilioMessaging)
	b := newFakeProvider(TypeNexmo)
	c := newFakeProvider(TypeSNS, "US")

	tests := []struct {
		name        string
		overrides   staticOverrides
		randomize   bool
		countryCode string
		want        []string
	}{
		{name: "global order", countryCode: "GB", want: []string{"twiliomessaging", "nexmo", "sns"}},
		{name: "denylist drops provider", countryCode: "US", want: []string{"twiliomessaging", "nexmo"}},
		{name: "country code case insensitive", countryCode: "us", want: []string{"twiliomessaging", "nexmo"}},
		{name: "randomized global list", randomize: true, countryCode: "GB", want: []string{"sns", "nexmo", "twiliomessaging"}},
		{
			name:        "override used exactly",
			overrides:   staticOverrides{"US": {TypeNexmo}},
			randomize:   true,
			countryCode: "US",
			want:        []string{"nexmo"},
		},
		{
			name:        "override order kept and never shuffled",
			overrides:   staticOverrides{"DE": {TypeSNS, TypeTwilioMessaging}},
			randomize:   true,
			countryCode: "DE",
			want:        []string{"sns", "twiliomessaging"},
		},
		{
			name:        "override still denylist filtered",
			overrides:   staticOverrides{"US": {TypeSNS, TypeNexmo}},
			countryCode: "US",
			want:        []string{"nexmo"},
		},
		{
			name:        "override with unconfigured provider",
			overrides:   staticOverrides{"FR": {TypeWebhook}},
			countryCode: "FR",
			want:        []string{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			selector := NewSelector(mustRegistry(t, a, b, c), tt.overrides, tt.randomize, zap.NewNop())
			selector.shuffle = reverseShuffle

			got := TypeNames(selector.EligibleProviders(tt.countryCode, "+14155552671"))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("EligibleProviders(%q) = %v, want %v", tt.countryCode, got, tt.want)
			}
		})
	}
}

func TestSelectorEligibleProvidersDoesNotMutateRegistry(t *testing.T) {
	t.Parallel()

	registry := mustRegistry(t, newFakeProvider(TypeTwilioMessaging, "US"), newFakeProvider(TypeNexmo))
	selector := NewSelector(registry, nil, true, zap.NewNop())
	selector.shuffle = reverseShuffle

	_ = selector.EligibleProviders("US", "+14155552671")

	if got := registry.Types(); !reflect.DeepEqual(got, []Type{TypeTwilioMessaging, TypeNexmo}) {
		t.Fatalf("registry order changed to %v", got)
	}
}

func TestSelectorLogsWhenNothingEligible(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	selector := NewSelector(mustRegistry(t, newFakeProvider(TypeNexmo, "US")), nil, false, zap.New(core))

	if got := selector.EligibleProviders("US", "+14155552671"); len(got) != 0 {
		t.Fatalf("EligibleProviders() = %v, want empty", TypeNames(got))
	}
	if logs.FilterMessage("no provider can serve number").Len() != 1 {
		t.Fatalf("expected one warning, got %d entries", logs.Len())
	}
}

func TestSelectorValidatedSubsetFor(t *testing.T) {
	t.Parallel()

	a := newFakeProvider(TypeTwilioMessaging)
	b := newFakeProvider(TypeNexmo)
	selector := NewSelector(mustRegistry(t, a, b), nil, true, zap.NewNop())
	selector.shuffle = reverseShuffle

	record := &domain.Attestation{CountryCode: "US", PhoneNumber: "+14155552671", Providers: []string{"twiliomessaging", "nexmo"}}

	got, err := selector.ValidatedSubsetFor(record)
	if err != nil {
		t.Fatalf("ValidatedSubsetFor() error = %v", err)
	}
	if names := TypeNames(got); !reflect.DeepEqual(names, record.Providers) {
		t.Fatalf("ValidatedSubsetFor() = %v, want frozen order %v", names, record.Providers)
	}
}

func TestSelectorValidatedSubsetForDetectsDrift(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		registry  []Provider
		overrides staticOverrides
	}{
		{name: "provider removed", registry: []Provider{newFakeProvider(TypeTwilioMessaging)}},
		{name: "provider now denylisted", registry: []Provider{newFakeProvider(TypeTwilioMessaging), newFakeProvider(TypeNexmo, "US")}},
		{
			name:      "override narrowed",
			registry:  []Provider{newFakeProvider(TypeTwilioMessaging), newFakeProvider(TypeNexmo)},
			overrides: staticOverrides{"US": {TypeTwilioMessaging}},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			selector := NewSelector(mustRegistry(t, tt.registry...), tt.overrides, false, zap.NewNop())
			record := &domain.Attestation{CountryCode: "US", Providers: []string{"twiliomessaging", "nexmo"}}

			_, err := selector.ValidatedSubsetFor(record)
			if !errors.Is(err, domain.ErrConfigurationDrift) {
				t.Fatalf("ValidatedSubsetFor() error = %v, want ErrConfigurationDrift", err)
			}
			if !strings.Contains(err.Error(), "inconsistent provider configuration") {
				t.Fatalf("error = %q, want drift message", err.Error())
			}
		})
	}
}

func TestOnly(t *testing.T) {
	t.Parallel()

	providers := []Provider{newFakeProvider(TypeTwilioMessaging), newFakeProvider(TypeNexmo)}

	if got := TypeNames(Only(providers, "")); len(got) != 2 {
		t.Fatalf("Only(blank) = %v, want all", got)
	}
	if got := TypeNames(Only(providers, TypeNexmo)); !reflect.DeepEqual(got, []string{"nexmo"}) {
		t.Fatalf("Only(nexmo) = %v", got)
	}
	if got := Only(providers, TypeSNS); len(got) != 0 {
		t.Fatalf("Only(sns) = %v, want empty", TypeNames(got))
	}
}
