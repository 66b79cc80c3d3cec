package catalog

import (
	"github.com/tidwall/gjson"
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func jupiter() provider.Spec {
	return provider.Spec{
		Name:    "jupiter",
		BaseURL: "https://lite-api.jup.ag",
		Request: provider.RequestTemplate{
			Path:  "/price/v2",
			Query: map[string]string{"ids": "{address}"},
		},
		RateLimit:    provider.RateLimit{RequestsPerSecond: 10, Burst: 10},
		Capabilities: []core.Field{core.FieldPrice},
		Priority:     4,
		Normalize:    normalizeJupiter,
	}
}

// The response is keyed by mint: {"data": {"<mint>": {"price": "0.1"}}}.
// Unknown mints map to null.
func normalizeJupiter(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}

	data, ok := r.object(r.doc, "data")
	if !ok {
		return core.Fields{}, r.err
	}

	var out core.Fields
	data.ForEach(func(_, entry gjson.Result) bool {
		if entry.IsObject() {
			out.Price = positive(r.float(entry, "price"))
		}
		return false
	})
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
