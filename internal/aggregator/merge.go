package aggregator

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

// DefaultPriceSpreadThreshold flags prices that disagree by more than 5%
const DefaultPriceSpreadThreshold = 0.05

// Merge combines per-provider partial records into one record. For each
// tracked field the providers are consulted in priority order and the first
// one holding a value wins. The result depends only on the contents of
// partials, never on the order responses arrived in.
func Merge(reg *provider.Registry, partials map[string]core.Fields, tracked []core.Field, threshold float64) core.UnifiedRecord {
	rec := core.UnifiedRecord{
		Tracked:          append([]core.Field(nil), tracked...),
		Provenance:       make(map[core.Field]string),
		Sources:          []string{},
		PriceConsistency: core.PriceUnknown,
	}

	for _, field := range tracked {
		for _, spec := range reg.ForCapability(field) {
			partial, ok := partials[spec.Name]
			if !ok || !partial.Has(field) {
				continue
			}
			rec.Take(&partial, field)
			rec.Provenance[field] = spec.Name
			break
		}
	}

	for _, spec := range reg.All() {
		if partial, ok := partials[spec.Name]; ok && contributes(spec, &partial) {
			rec.Sources = append(rec.Sources, spec.Name)
		}
	}

	rec.PriceConsistency, rec.PriceSpread = priceConsistency(reg, partials, threshold)
	rec.Completeness = rec.ComputeCompleteness()
	return rec
}

// contributes reports whether the partial sets any field the provider declares
func contributes(spec provider.Spec, partial *core.Fields) bool {
	for _, field := range spec.Capabilities {
		if partial.Has(field) {
			return true
		}
	}
	return false
}

// priceConsistency compares the prices of providers that declare one.
// Fewer than two prices cannot be checked.
func priceConsistency(reg *provider.Registry, partials map[string]core.Fields, threshold float64) (core.PriceConsistency, float64) {
	var (
		n        int
		min, max float64
	)
	for _, spec := range reg.ForCapability(core.FieldPrice) {
		partial, ok := partials[spec.Name]
		if !ok || partial.Price == nil || *partial.Price <= 0 {
			continue
		}
		p := *partial.Price
		if n == 0 || p < min {
			min = p
		}
		if n == 0 || p > max {
			max = p
		}
		n++
	}

	if n < 2 {
		return core.PriceUnknown, 0
	}
	spread := (max - min) / min
	if spread > threshold {
		return core.PriceInconsistent, spread
	}
	return core.PriceConsistent, spread
}
