package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func moralis() provider.Spec {
	return provider.Spec{
		Name:    "moralis",
		BaseURL: "https://solana-gateway.moralis.io",
		Request: provider.RequestTemplate{
			Path:       "/token/mainnet/{address}/price",
			AuthHeader: "X-API-Key",
		},
		RateLimit:    provider.RateLimit{RequestsPerSecond: 2, Burst: 2},
		Capabilities: []core.Field{core.FieldPrice},
		Priority:     8,
		Normalize:    normalizeMoralis,
		RequiresKey:  true,
	}
}

func normalizeMoralis(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}

	out := core.Fields{Price: positive(r.float(r.doc, "usdPrice"))}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
