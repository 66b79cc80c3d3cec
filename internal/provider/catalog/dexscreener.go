package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func dexScreener() provider.Spec {
	return provider.Spec{
		Name:    "dexscreener",
		BaseURL: "https://api.dexscreener.com",
		Request: provider.RequestTemplate{
			Path: "/latest/dex/tokens/{address}",
		},
		RateLimit:    provider.RateLimit{RequestsPerSecond: 5, Burst: 5},
		Capabilities: []core.Field{core.FieldPrice, core.FieldVolume24h, core.FieldLiquidity, core.FieldMarketCap},
		Priority:     1,
		Normalize:    normalizeDexScreener,
	}
}

// normalizeDexScreener reads the deepest pool from
// {"pairs": [{"priceUsd": "0.00002", "volume": {"h24": 1}, "liquidity": {"usd": 2}, "marketCap": 3, "fdv": 4}]}
func normalizeDexScreener(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}

	pairs, ok := r.array(r.doc, "pairs")
	if !ok || len(pairs) == 0 {
		return core.Fields{}, r.err
	}

	best := pairs[0]
	bestLiq := r.float(best, "liquidity.usd")
	for _, p := range pairs[1:] {
		liq := r.float(p, "liquidity.usd")
		if liq != nil && (bestLiq == nil || *liq > *bestLiq) {
			best, bestLiq = p, liq
		}
	}

	out := core.Fields{
		Price:     positive(r.float(best, "priceUsd")),
		Volume24h: r.float(best, "volume.h24"),
		Liquidity: bestLiq,
		MarketCap: positive(r.float(best, "marketCap")),
	}
	if out.MarketCap == nil {
		out.MarketCap = positive(r.float(best, "fdv"))
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
