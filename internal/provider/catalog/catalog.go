// Package catalog is the default table of free Solana market data APIs.
// Adding a provider means adding one spec constructor with its normalizer
// and listing it in Specs.
package catalog

import (
	"github.com/trenchcoat/enricher/internal/provider"
	"go.uber.org/zap"
)

// Specs returns the built-in providers in fan-out order
func Specs() []provider.Spec {
	return []provider.Spec{
		dexScreener(),
		rugCheck(),
		birdeye(),
		jupiter(),
		solscan(),
		geckoTerminal(),
		raydium(),
		moralis(),
		lunarCrush(),
		coinGecko(),
		pumpFun(),
	}
}

// Override adjusts one built-in provider from configuration
type Override struct {
	Disabled  bool
	BaseURL   string
	RateLimit *provider.RateLimit
	Priority  *int
}

// Options configures Build
type Options struct {
	// Keys maps provider name to API key. Providers that require a key and
	// have none are skipped for the lifetime of the registry.
	Keys      map[string]string
	Overrides map[string]Override
}

// Build registers the built-in providers that can run with the given
// options and returns the names that were skipped.
func Build(opts Options, logger *zap.Logger) (*provider.Registry, []string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := provider.NewRegistry()
	var skipped []string

	for _, spec := range Specs() {
		ov := opts.Overrides[spec.Name]
		if ov.Disabled {
			logger.Info("provider disabled by config", zap.String("provider", spec.Name))
			skipped = append(skipped, spec.Name)
			continue
		}
		if spec.RequiresKey && opts.Keys[spec.Name] == "" {
			logger.Warn("provider skipped: no api key configured", zap.String("provider", spec.Name))
			skipped = append(skipped, spec.Name)
			continue
		}

		if ov.BaseURL != "" {
			spec.BaseURL = ov.BaseURL
		}
		if ov.RateLimit != nil {
			spec.RateLimit = *ov.RateLimit
		}
		if ov.Priority != nil {
			spec.Priority = *ov.Priority
		}

		if err := reg.Register(spec); err != nil {
			return nil, nil, err
		}
	}

	logger.Debug("provider catalog built",
		zap.Strings("providers", reg.Names()),
		zap.Strings("skipped", skipped),
	)
	return reg, skipped, nil
}

// Names lists the built-in provider names in fan-out order
func Names() []string {
	specs := Specs()
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Lookup returns the built-in spec for name
func Lookup(name string) (provider.Spec, bool) {
	for _, s := range Specs() {
		if s.Name == name {
			return s, true
		}
	}
	return provider.Spec{}, false
}
