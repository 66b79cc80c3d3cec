package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func raydium() provider.Spec {
	return provider.Spec{
		Name:    "raydium",
		BaseURL: "https://api-v3.raydium.io",
		Request: provider.RequestTemplate{
			Path: "/pools/info/mint",
			Query: map[string]string{
				"mint1":         "{address}",
				"poolType":      "all",
				"poolSortField": "liquidity",
				"sortType":      "desc",
				"pageSize":      "1",
				"page":          "1",
			},
		},
		RateLimit:    provider.RateLimit{RequestsPerSecond: 5, Burst: 5},
		Capabilities: []core.Field{core.FieldLiquidity, core.FieldVolume24h},
		Priority:     7,
		Normalize:    normalizeRaydium,
	}
}

// Pool prices are quoted against the pair's other mint, so only TVL and
// volume are taken from here.
func normalizeRaydium(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}
	r.requireTrue("success")

	pools, ok := r.array(r.doc, "data.data")
	if !ok || len(pools) == 0 {
		return core.Fields{}, r.err
	}

	out := core.Fields{
		Liquidity: r.float(pools[0], "tvl"),
		Volume24h: r.float(pools[0], "day.volume"),
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
