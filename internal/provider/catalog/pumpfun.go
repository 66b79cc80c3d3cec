package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func pumpFun() provider.Spec {
	return provider.Spec{
		Name:    "pumpfun",
		BaseURL: "https://frontend-api-v3.pump.fun",
		Request: provider.RequestTemplate{
			Path: "/coins/{address}",
		},
		RateLimit:    provider.RateLimit{RequestsPerSecond: 1, Burst: 2},
		Capabilities: []core.Field{core.FieldMarketCap, core.FieldSocialMentions},
		Priority:     11,
		Normalize:    normalizePumpFun,
	}
}

// Only bonding-curve tokens are known to pump.fun; other mints come back
// as null.
func normalizePumpFun(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}
	if !r.doc.IsObject() {
		return core.Fields{}, nil
	}

	out := core.Fields{
		MarketCap:      positive(r.float(r.doc, "usd_market_cap")),
		SocialMentions: r.int(r.doc, "reply_count"),
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
