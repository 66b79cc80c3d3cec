package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Field names one canonical attribute of an enriched token
type Field string

const (
	FieldPrice           Field = "price"
	FieldVolume24h       Field = "volume_24h"
	FieldLiquidity       Field = "liquidity"
	FieldMarketCap       Field = "market_cap"
	FieldHolderCount     Field = "holder_count"
	FieldTopHolderPct    Field = "top_holder_pct"
	FieldRiskFlags       Field = "risk_flags"
	FieldSocialFollowers Field = "social_followers"
	FieldSocialMentions  Field = "social_mentions"
)

// CanonicalFields lists every field a UnifiedRecord can carry, in display order
var CanonicalFields = []Field{
	FieldPrice,
	FieldVolume24h,
	FieldLiquidity,
	FieldMarketCap,
	FieldHolderCount,
	FieldTopHolderPct,
	FieldRiskFlags,
	FieldSocialFollowers,
	FieldSocialMentions,
}

// ParseField converts a config string into a Field
func ParseField(s string) (Field, error) {
	for _, f := range CanonicalFields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown field: %q", s)
}

// Fields holds the canonical values. A nil pointer (or nil slice for
// RiskFlags) means the value is unknown; an empty non-nil RiskFlags means a
// provider reported the token as clean.
type Fields struct {
	Price           *float64 `json:"price"`
	Volume24h       *float64 `json:"volume_24h"`
	Liquidity       *float64 `json:"liquidity"`
	MarketCap       *float64 `json:"market_cap"`
	HolderCount     *int64   `json:"holder_count"`
	TopHolderPct    *float64 `json:"top_holder_pct"`
	RiskFlags       []string `json:"risk_flags"`
	SocialFollowers *int64   `json:"social_followers"`
	SocialMentions  *int64   `json:"social_mentions"`
}

// Has reports whether the given field carries a value
func (f *Fields) Has(field Field) bool {
	switch field {
	case FieldPrice:
		return f.Price != nil
	case FieldVolume24h:
		return f.Volume24h != nil
	case FieldLiquidity:
		return f.Liquidity != nil
	case FieldMarketCap:
		return f.MarketCap != nil
	case FieldHolderCount:
		return f.HolderCount != nil
	case FieldTopHolderPct:
		return f.TopHolderPct != nil
	case FieldRiskFlags:
		return f.RiskFlags != nil
	case FieldSocialFollowers:
		return f.SocialFollowers != nil
	case FieldSocialMentions:
		return f.SocialMentions != nil
	}
	return false
}

// Take copies one field from src. Values are copied, not aliased, so a
// merged record never shares memory with a provider's partial record.
func (f *Fields) Take(src *Fields, field Field) {
	switch field {
	case FieldPrice:
		f.Price = cloneFloat(src.Price)
	case FieldVolume24h:
		f.Volume24h = cloneFloat(src.Volume24h)
	case FieldLiquidity:
		f.Liquidity = cloneFloat(src.Liquidity)
	case FieldMarketCap:
		f.MarketCap = cloneFloat(src.MarketCap)
	case FieldHolderCount:
		f.HolderCount = cloneInt(src.HolderCount)
	case FieldTopHolderPct:
		f.TopHolderPct = cloneFloat(src.TopHolderPct)
	case FieldRiskFlags:
		if src.RiskFlags != nil {
			f.RiskFlags = append([]string{}, src.RiskFlags...)
		} else {
			f.RiskFlags = nil
		}
	case FieldSocialFollowers:
		f.SocialFollowers = cloneInt(src.SocialFollowers)
	case FieldSocialMentions:
		f.SocialMentions = cloneInt(src.SocialMentions)
	}
}

// Count returns how many of the tracked fields carry a value
func (f *Fields) Count(tracked []Field) int {
	n := 0
	for _, field := range tracked {
		if f.Has(field) {
			n++
		}
	}
	return n
}

// Empty reports whether no canonical field is set
func (f *Fields) Empty() bool {
	return f.Count(CanonicalFields) == 0
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int64) *int64 { return &v }

// FetchSource tells where a FetchResult payload came from
type FetchSource string

const (
	SourceNetwork FetchSource = "network"
	SourceCache   FetchSource = "cache"
)

// FetchErrorKind classifies a failed provider fetch
type FetchErrorKind string

const (
	FetchErrNone        FetchErrorKind = ""
	FetchErrHTTPStatus  FetchErrorKind = "http_status"
	FetchErrRateLimited FetchErrorKind = "rate_limited"
	FetchErrCooldown    FetchErrorKind = "cooldown"
	FetchErrNetwork     FetchErrorKind = "network"
	FetchErrTimeout     FetchErrorKind = "timeout"
	FetchErrDecode      FetchErrorKind = "decode"
	FetchErrCircuitOpen FetchErrorKind = "circuit_open"
	FetchErrCancelled   FetchErrorKind = "cancelled"
	FetchErrMalformed   FetchErrorKind = "malformed"
)

// FetchResult is the outcome of one provider request
type FetchResult struct {
	Provider  string
	Payload   json.RawMessage
	OK        bool
	Status    int
	ErrKind   FetchErrorKind
	Err       string
	Source    FetchSource
	FetchedAt time.Time
}

// PriceConsistency reports whether providers agreed on the price
type PriceConsistency string

const (
	PriceUnknown      PriceConsistency = "unknown"
	PriceConsistent   PriceConsistency = "consistent"
	PriceInconsistent PriceConsistency = "inconsistent"
)

// UnifiedRecord is the merged enrichment output for one token
type UnifiedRecord struct {
	TokenID string `json:"token_id"`
	Symbol  string `json:"symbol,omitempty"`
	Fields

	Sources          []string                  `json:"sources"`
	Provenance       map[Field]string          `json:"provenance"`
	Tracked          []Field                   `json:"tracked_fields"`
	Completeness     float64                   `json:"completeness"`
	PriceConsistency PriceConsistency          `json:"price_consistency"`
	PriceSpread      float64                   `json:"price_spread"`
	Failures         map[string]FetchErrorKind `json:"failures,omitempty"`
	EnrichedAt       time.Time                 `json:"enriched_at"`
}

// ComputeCompleteness derives the score from the record's current fields
func (r *UnifiedRecord) ComputeCompleteness() float64 {
	if len(r.Tracked) == 0 {
		return 0
	}
	return float64(r.Count(r.Tracked)) / float64(len(r.Tracked))
}

// Enriched reports whether at least one tracked field was filled
func (r *UnifiedRecord) Enriched() bool {
	return r.Completeness > 0
}

// TaskStatus is the lifecycle state of an EnrichmentTask
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether no further transitions are expected
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// EnrichmentTask is one work-queue entry
type EnrichmentTask struct {
	TokenID     string     `json:"token_id" db:"token_id"`
	Symbol      string     `json:"symbol,omitempty" db:"symbol"`
	Tier        int        `json:"tier" db:"tier"`
	Retries     int        `json:"retries" db:"retries"`
	LastAttempt time.Time  `json:"last_attempt" db:"last_attempt"`
	Status      TaskStatus `json:"status" db:"status"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// RateLimiterState is a snapshot of one provider's token bucket
type RateLimiterState struct {
	Provider      string    `json:"provider"`
	Available     float64   `json:"available"`
	LastRefill    time.Time `json:"last_refill"`
	Rate          float64   `json:"rate"`
	Burst         int       `json:"burst"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// BatchStats tracks progress of one orchestrator run
type BatchStats struct {
	RunID        string        `json:"run_id"`
	Total        int           `json:"total"`
	Processed    int           `json:"processed"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	Retries      int           `json:"retries"`
	FailedTokens []string      `json:"failed_tokens,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Done reports whether every task reached a terminal state
func (s BatchStats) Done() bool {
	return s.Processed >= s.Total
}
