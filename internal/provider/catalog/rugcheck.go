package catalog

import (
	"github.com/trenchcoat/enricher/internal/core"
	"github.com/trenchcoat/enricher/internal/provider"
)

// topHolderWindow is how many of the largest holders count toward concentration
const topHolderWindow = 10

func rugCheck() provider.Spec {
	return provider.Spec{
		Name:    "rugcheck",
		BaseURL: "https://api.rugcheck.xyz",
		Request: provider.RequestTemplate{
			Path: "/v1/tokens/{address}/report",
		},
		RateLimit:    provider.RateLimit{RequestsPerSecond: 1, Burst: 2},
		Capabilities: []core.Field{core.FieldRiskFlags, core.FieldTopHolderPct, core.FieldHolderCount},
		Priority:     2,
		Normalize:    normalizeRugCheck,
	}
}

// normalizeRugCheck reads {"risks": [{"name": "..."}], "topHolders": [{"pct": 12.5}], "totalHolders": 100}
func normalizeRugCheck(payload []byte) (core.Fields, error) {
	r, err := parse(payload)
	if err != nil {
		return core.Fields{}, err
	}

	var out core.Fields
	if risks, ok := r.array(r.doc, "risks"); ok {
		out.RiskFlags = make([]string, 0, len(risks))
		for _, risk := range risks {
			if name := risk.Get("name").String(); name != "" {
				out.RiskFlags = append(out.RiskFlags, name)
			}
		}
	}

	if holders, ok := r.array(r.doc, "topHolders"); ok && len(holders) > 0 {
		var sum float64
		for i, h := range holders {
			if i == topHolderWindow {
				break
			}
			if pct := r.float(h, "pct"); pct != nil {
				sum += *pct
			}
		}
		out.TopHolderPct = &sum
	}

	out.HolderCount = r.int(r.doc, "totalHolders")
	if r.err != nil {
		return core.Fields{}, r.err
	}
	return out, nil
}
