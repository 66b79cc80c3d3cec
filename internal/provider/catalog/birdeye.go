package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func birdeye() provider.Spec {
	return provider.Spec{
		Name:    "birdeye",
		BaseURL: "https://public-api.birdeye.so",
		Request: provider.RequestTemplate{
			Path:       "/defi/token_overview",
			Query:      map[string]string{"address": "{address}"},
			Headers:    map[string]string{"x-chain": "solana"},
			AuthHeader: "X-API-KEY",
		},
		RateLimit: provider.RateLimit{RequestsPerSecond: 1, Burst: 1},
		Capabilities: []core.Field{
			core.FieldPrice, core.FieldVolume24h, core.FieldLiquidity,
			core.FieldMarketCap, core.FieldHolderCount,
		},
		Priority:    3,
		Normalize:   normalizeBirdeye,
		RequiresKey: true,
	}
}

func normalizeBirdeye(payload []byte) (core.Fields, error) {
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
		Price:       positive(r.float(data, "price")),
		Volume24h:   r.float(data, "v24hUSD"),
		Liquidity:   r.float(data, "liquidity"),
		MarketCap:   positive(r.float(data, "marketCap")),
		HolderCount: r.int(data, "holder"),
	}
	if out.MarketCap == nil {
		out.MarketCap = positive(r.float(data, "mc"))
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
