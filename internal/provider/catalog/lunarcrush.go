package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

func lunarCrush() provider.Spec {
	return provider.Spec{
		Name:    "lunarcrush",
		BaseURL: "https://lunarcrush.com/api4",
		Request: provider.RequestTemplate{
			Path:       "/public/coins/{symbol}/v1",
			AuthHeader: "Authorization",
			AuthPrefix: "Bearer ",
		},
		RateLimit:      provider.RateLimit{RequestsPerSecond: 0.1, Burst: 1},
		Capabilities:   []core.Field{core.FieldSocialMentions, core.FieldSocialFollowers},
		Priority:       9,
		Normalize:      normalizeLunarCrush,
		RequiresKey:    true,
		RequiresSymbol: true,
	}
}

func normalizeLunarCrush(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}

	data, ok := r.object(r.doc, "data")
	if !ok {
		return core.Fields{}, r.err
	}

	out := core.Fields{
		SocialMentions:  r.int(data, "interactions_24h"),
		SocialFollowers: r.int(data, "social_contributors"),
	}
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
