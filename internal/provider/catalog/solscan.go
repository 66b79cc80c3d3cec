package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func solscan() provider.Spec {
	return provider.Spec{
		Name:    "solscan",
		BaseURL: "https://pro-api.solscan.io/v2.0",
		Request: provider.RequestTemplate{
			Path:       "/token/meta",
			Query:      map[string]string{"address": "{address}"},
			AuthHeader: "token",
		},
		RateLimit: provider.RateLimit{RequestsPerSecond: 2, Burst: 2},
		Capabilities: []core.Field{
			core.FieldHolderCount, core.FieldPrice, core.FieldMarketCap, core.FieldVolume24h,
		},
		Priority:    5,
		Normalize:   normalizeSolscan,
		RequiresKey: true,
	}
}

func normalizeSolscan(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}
	r.requireTrue("success")

	data, ok := r.object(r.doc, "data")
	if !ok {
		return core.Fields{}, r.err
	}

	out := core.Fields{
		HolderCount: r.int(data, "holder"),
		Price:       positive(r.float(data, "price")),
		MarketCap:   positive(r.float(data, "market_cap")),
		Volume24h:   r.float(data, "volume_24h"),
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
