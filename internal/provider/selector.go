package provider

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/kursadbilgin/attestation-engine/internal/domain"
	"go.uber.org/zap"
)

// OverrideLookup resolves a per-country provider list.
type OverrideLookup interface {
	ProvidersFor(countryCode string) ([]Type, bool)
}

// Selector derives the ordered eligible provider list for a number.
type Selector struct {
	registry  *Registry
	overrides OverrideLookup
	randomize bool
	shuffle   func(n int, swap func(i, j int))
	logger    *zap.Logger
}

func NewSelector(registry *Registry, overrides OverrideLookup, randomize bool, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Selector{
		registry:  registry,
		overrides: overrides,
		randomize: randomize,
		shuffle:   rand.Shuffle,
		logger:    logger,
	}
}

// EligibleProviders returns the country override list verbatim when one is
// configured, otherwise the global list (shuffled when randomization is on).
// Providers denying the country are dropped. An empty result is legal.
func (s *Selector) EligibleProviders(countryCode, phoneNumber string) []Provider {
	cc := strings.ToUpper(strings.TrimSpace(countryCode))

	var candidates []Provider
	if types, ok := s.override(cc); ok {
		candidates = make([]Provider, 0, len(types))
		for _, t := range types {
			p, found := s.registry.Get(t)
			if !found {
				s.logger.Warn("override names unconfigured provider",
					zap.String("country_code", cc),
					zap.String("provider", t.String()),
				)
				continue
			}
			candidates = append(candidates, p)
		}
	} else {
		candidates = s.registry.All()
		if s.randomize && len(candidates) > 1 {
			s.shuffle(len(candidates), func(i, j int) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			})
		}
	}

	eligible := candidates[:0]
	for _, p := range candidates {
		if p.CanServe(cc) {
			eligible = append(eligible, p)
		}
	}

	if len(eligible) == 0 {
		s.logger.Warn("no provider can serve number",
			zap.String("country_code", cc),
			zap.Int("phone_length", len(phoneNumber)),
		)
	}
	return eligible
}

// ValidatedSubsetFor returns the record's frozen provider list in frozen
// order. Any frozen provider that is no longer eligible is a configuration
// drift between instances.
func (s *Selector) ValidatedSubsetFor(attestation *domain.Attestation) ([]Provider, error) {
	current := make(map[Type]Provider)
	for _, p := range s.EligibleProviders(attestation.CountryCode, attestation.PhoneNumber) {
		current[p.Type()] = p
	}

	subset := make([]Provider, 0, len(attestation.Providers))
	for _, name := range attestation.Providers {
		p, ok := current[Type(name)]
		if !ok {
			return nil, fmt.Errorf("%w: Detected inconsistent provider configuration between instances (provider %s)",
				domain.ErrConfigurationDrift, name)
		}
		subset = append(subset, p)
	}
	return subset, nil
}

// Only keeps the provider of type t, preserving order. A blank t keeps all.
func Only(providers []Provider, t Type) []Provider {
	if t == "" {
		return providers
	}
	out := make([]Provider, 0, 1)
	for _, p := range providers {
		if p.Type() == t {
			out = append(out, p)
		}
	}
	return out
}

// TypeNames renders providers as the persisted frozen list.
func TypeNames(providers []Provider) []string {
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Type().String())
	}
	return names
}

func (s *Selector) override(countryCode string) ([]Type, bool) {
	if s.overrides == nil || countryCode == "" {
		return nil, false
	}
	return s.overrides.ProvidersFor(countryCode)
}
