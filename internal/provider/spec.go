package provider

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/trenchcoat/enricher/internal/core"
)

// Normalizer turns one provider's raw payload into the canonical fields it
// knows about. It must be pure and must return an error (never panic) for
// payloads it cannot read.
type Normalizer func(payload []byte) (core.Fields, error)

// RequestTemplate describes how to build the GET request for a token.
// Path and Query values may contain {address} and {symbol} placeholders.
type RequestTemplate struct {
	Path       string
	Query      map[string]string
	Headers    map[string]string
	AuthHeader string // header carrying the API key, e.g. "X-API-KEY"
	AuthPrefix string // e.g. "Bearer "
}

// RateLimit is a token bucket configuration
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Spec is the static description of one external data provider
type Spec struct {
	Name           string
	BaseURL        string
	Request        RequestTemplate
	RateLimit      RateLimit
	Capabilities   []core.Field
	Priority       int // lower wins conflicts
	Normalize      Normalizer
	RequiresKey    bool
	RequiresSymbol bool
}

// Supports reports whether the provider claims to populate field
func (s Spec) Supports(field core.Field) bool {
	return slices.Contains(s.Capabilities, field)
}

// Validate checks the spec for configuration bugs
func (s Spec) Validate() error {
	var problem string
	switch {
	case strings.TrimSpace(s.Name) == "":
		problem = "name is required"
	case s.BaseURL == "":
		problem = "base url is required"
	case s.RateLimit.RequestsPerSecond <= 0:
		problem = fmt.Sprintf("rate must be positive, got %f", s.RateLimit.RequestsPerSecond)
	case s.RateLimit.Burst < 1:
		problem = fmt.Sprintf("burst must be at least 1, got %d", s.RateLimit.Burst)
	case len(s.Capabilities) == 0:
		problem = "at least one capability is required"
	case s.Normalize == nil:
		problem = "normalizer is required"
	}
	if problem == "" {
		if _, err := url.Parse(s.BaseURL); err != nil {
			problem = fmt.Sprintf("base url: %v", err)
		}
	}
	if problem != "" {
		return core.WrapError(core.ErrProviderInvalid, fmt.Errorf("%s: %s", s.Name, problem))
	}
	return nil
}

// Build resolves the request path and query for a token
func (t RequestTemplate) Build(address, symbol string) (string, map[string]string) {
	r := strings.NewReplacer(
		"{address}", url.PathEscape(address),
		"{symbol}", url.PathEscape(symbol),
	)
	path := r.Replace(t.Path)

	var params map[string]string
	if len(t.Query) > 0 {
		qr := strings.NewReplacer("{address}", address, "{symbol}", symbol)
		params = make(map[string]string, len(t.Query))
		for k, v := range t.Query {
			params[k] = qr.Replace(v)
		}
	}
	return path, params
}

func (s Spec) clone() Spec {
	c := s
	c.Capabilities = slices.Clone(s.Capabilities)
	c.Request.Query = cloneMap(s.Request.Query)
	c.Request.Headers = cloneMap(s.Request.Headers)
	return c
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
