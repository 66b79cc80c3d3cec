package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func geckoTerminal() provider.Spec {
	return provider.Spec{
		Name:    "geckoterminal",
		BaseURL: "https://api.geckoterminal.com/api/v2",
		Request: provider.RequestTemplate{
			Path:    "/networks/solana/tokens/{address}",
			Headers: map[string]string{"Accept": "application/json;version=20230302"},
		},
		RateLimit:    provider.RateLimit{RequestsPerSecond: 0.5, Burst: 2},
		Capabilities: []core.Field{core.FieldPrice, core.FieldVolume24h, core.FieldLiquidity, core.FieldMarketCap},
		Priority:     6,
		Normalize:    normalizeGeckoTerminal,
	}
}

// All numbers arrive as strings under data.attributes.
func normalizeGeckoTerminal(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}

	attrs, ok := r.object(r.doc, "data.attributes")
	if !ok {
		return core.Fields{}, r.err
	}

	out := core.Fields{
		Price:     positive(r.float(attrs, "price_usd")),
		Volume24h: r.float(attrs, "volume_usd.h24"),
		Liquidity: r.float(attrs, "total_reserve_in_usd"),
		MarketCap: positive(r.float(attrs, "market_cap_usd")),
	}
	if out.MarketCap == nil {
		out.MarketCap = positive(r.float(attrs, "fdv_usd"))
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
