package advisor

import (
	"fmt"
	"slices"
)

// Source names the upstream data provider in every response.
const Source = "mempool.space"

// Recommendation is the externally visible result of the pipeline. It is a
// value type: the With* methods return modified copies and never share slices
// with the receiver.
type Recommendation struct {
	Priority       Priority `json:"priority"`
	Mode           Mode     `json:"mode"`
	BaseFee        float64  `json:"base_fee_sat_vb"`
	RecommendedFee float64  `json:"recommended_fee_sat_vb"`
	InputFee       *float64 `json:"input_fee_sat_vb"`
	ETABlocksMin   int      `json:"eta_blocks_min"`
	ETABlocksMax   int      `json:"eta_blocks_max"`
	ETAMinutesMin  int      `json:"eta_minutes_min"`
	ETAMinutesMax  int      `json:"eta_minutes_max"`
	RiskLevel      Level    `json:"risk_level"`
	MempoolTxCount int64    `json:"mempool_tx_count"`
	Explanation    []string `json:"explanation"`
	AgentSummary   string   `json:"agent_summary"`
	WhatIfHint     *string  `json:"what_if_hint"`
	Signals        Signals  `json:"signals_used"`
	Rules          []Rule   `json:"rules_fired"`
	Confidence     Level    `json:"confidence"`
	CacheUsed      bool     `json:"cache_used"`
	Degraded       bool     `json:"degraded"`
	Source         string   `json:"source"`
	LLMExplanation *string  `json:"llm_explanation"`
}

// Recommend runs observe, decide and explain for a preset priority.
func Recommend(priority Priority, in Inputs) Recommendation {
	obs := Observe(priority, in)
	return build(obs, Decide(obs))
}

// Estimate classifies a user-supplied fee. It fails only for a fee that is not
// a positive finite number.
func Estimate(fee float64, in Inputs) (Recommendation, error) {
	if !validFee(fee) {
		return Recommendation{}, fmt.Errorf("%w: %v", ErrInvalidFee, fee)
	}
	obs := ObserveEstimate(fee, in)
	return build(obs, Decide(obs)), nil
}

func build(obs Observation, dec Decision) Recommendation {
	rec := Recommendation{
		Priority:       obs.Priority,
		Mode:           obs.Mode,
		BaseFee:        obs.BaseFee,
		RecommendedFee: dec.RecommendedFee,
		ETABlocksMin:   dec.ETA.BlocksMin,
		ETABlocksMax:   dec.ETA.BlocksMax,
		ETAMinutesMin:  dec.ETA.MinutesMin,
		ETAMinutesMax:  dec.ETA.MinutesMax,
		RiskLevel:      dec.Risk,
		MempoolTxCount: obs.MempoolTxCount,
		Explanation:    Explain(obs, dec),
		Signals:        obs.Signals,
		Rules:          dec.Rules,
		Confidence:     dec.Confidence,
		CacheUsed:      obs.CacheUsed,
		Degraded:       obs.Degraded,
		Source:         Source,
	}
	if obs.Mode == ModeEstimate {
		fee := obs.InputFee
		rec.InputFee = &fee
	}
	return rec
}

// Clone returns a deep copy of r.
func (r Recommendation) Clone() Recommendation {
	out := r
	out.Explanation = slices.Clone(r.Explanation)
	out.Rules = slices.Clone(r.Rules)
	out.InputFee = clonePtr(r.InputFee)
	out.WhatIfHint = clonePtr(r.WhatIfHint)
	out.LLMExplanation = clonePtr(r.LLMExplanation)
	if r.Signals.RecommendedFees != nil {
		levels := *r.Signals.RecommendedFees
		levels.Fastest = clonePtr(levels.Fastest)
		levels.HalfHour = clonePtr(levels.HalfHour)
		levels.Hour = clonePtr(levels.Hour)
		levels.Economy = clonePtr(levels.Economy)
		levels.Minimum = clonePtr(levels.Minimum)
		out.Signals.RecommendedFees = &levels
	}
	out.Signals.InputFee = clonePtr(r.Signals.InputFee)
	out.Signals.ReferenceFeeFast = clonePtr(r.Signals.ReferenceFeeFast)
	out.Signals.ReferenceFeeMedium = clonePtr(r.Signals.ReferenceFeeMedium)
	out.Signals.ReferenceFeeSlow = clonePtr(r.Signals.ReferenceFeeSlow)
	return out
}

// WithLLMExplanation returns a copy carrying text; an empty text clears it.
func (r Recommendation) WithLLMExplanation(text string) Recommendation {
	out := r.Clone()
	out.LLMExplanation = nil
	if text != "" {
		out.LLMExplanation = &text
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
