package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func coinGecko() provider.Spec {
	return provider.Spec{
		Name:    "coingecko",
		BaseURL: "https://api.coingecko.com/api/v3",
		Request: provider.RequestTemplate{
			Path: "/coins/solana/contract/{address}",
			// Demo keys are optional; without one the public quota applies.
			AuthHeader: "x-cg-demo-api-key",
			Headers:    map[string]string{"Accept": "application/json"},
		},
		RateLimit: provider.RateLimit{RequestsPerSecond: 0.5, Burst: 1},
		Capabilities: []core.Field{
			core.FieldPrice, core.FieldVolume24h, core.FieldMarketCap, core.FieldSocialFollowers,
		},
		Priority:  10,
		Normalize: normalizeCoinGecko,
	}
}

func normalizeCoinGecko(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}

	var out core.Fields
	if md, ok := r.object(r.doc, "market_data"); ok {
		out.Price = positive(r.float(md, "current_price.usd"))
		out.Volume24h = r.float(md, "total_volume.usd")
		out.MarketCap = positive(r.float(md, "market_cap.usd"))
	}
	if cd, ok := r.object(r.doc, "community_data"); ok {
		out.SocialFollowers = r.int(cd, "twitter_followers")
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
