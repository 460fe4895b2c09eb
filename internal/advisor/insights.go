package advisor

import (
	"fmt"
)

// NetworkState is a coarse reading of the network for user-facing hints.
type NetworkState string

const (
	StateUnknown   NetworkState = ""
	StateCalm      NetworkState = "calm"
	StateModerate  NetworkState = "moderate"
	StateCongested NetworkState = "congested"
)

func (s NetworkState) String() string {
	if s == StateUnknown {
		return "unknown"
	}
	return string(s)
}

const (
	calmMempoolLimit     = 120_000
	moderateMempoolLimit = 250_000
	calmSpreadLimit      = 2
	moderateSpreadLimit  = 8
)

// ClassifyNetworkState buckets the network by mempool depth and the spread
// between the fastest and economy fees.
func ClassifyNetworkState(in Inputs) (NetworkState, string) {
	fees := ParseFeeSignal(in.Fees)
	count, _ := MempoolCount(in.Mempool)
	fastest := fees.firstNonZero(KeyFastest, KeyHalfHour)
	economy := fees.firstNonZero(KeyEconomy, KeyMinimum)
	spread := max(0, fastest-economy)

	switch {
	case count < calmMempoolLimit && spread <= calmSpreadLimit:
		return StateCalm, "Network is calm; fee differences may have limited impact on speed."
	case count < moderateMempoolLimit && spread <= moderateSpreadLimit:
		return StateModerate, "Network is moderately congested; higher fees might gain speed."
	default:
		return StateCongested, "Network is congested; low fees may cause significant delays."
	}
}

// firstNonZero returns the first present, parseable, non-zero value of keys,
// or 0.
func (f FeeSignal) firstNonZero(keys ...string) float64 {
	for _, key := range keys {
		v, ok, err := f.Rate(key)
		if ok && err == nil && v != 0 {
			return v
		}
	}
	return 0
}

// WithAgentMessages returns a copy of r carrying the deterministic summary and
// what-if hint for the given network state.
func (r Recommendation) WithAgentMessages(state NetworkState, in Inputs) Recommendation {
	out := r.Clone()
	out.AgentSummary = fmt.Sprintf("Network state: %s. ETA %d-%d blocks (~%d-%d min). Risk: %s.",
		state, r.ETABlocksMin, r.ETABlocksMax, r.ETAMinutesMin, r.ETAMinutesMax, r.RiskLevel)
	out.WhatIfHint = whatIfHint(r, state, ParseFeeSignal(in.Fees))
	return out
}

func whatIfHint(r Recommendation, state NetworkState, fees FeeSignal) *string {
	var hint string
	switch r.Mode {
	case ModeEstimate:
		economy := fees.firstNonZero(KeyEconomy, KeyMinimum)
		if economy > 0 && r.InputFee != nil && *r.InputFee < economy {
			hint = fmt.Sprintf("Fee is below economy level (%s sat/vB); trying that or medium threshold will shorten confirmation time.",
				formatFee(economy))
		}
	default:
		switch {
		case state == StateCalm && r.Priority == PriorityFast:
			hint = "Network is calm; medium fee might offer similar speed with cost savings."
		case state == StateCongested && r.Priority == PrioritySlow:
			hint = "Network is congested; choosing slow may cause severe delays, consider medium or fast."
		}
	}
	if hint == "" {
		return nil
	}
	return &hint
}

const (
	insightMinRecords = 5
	noRecordsInsight  = "No records yet."
)

// HistoryInsight summarizes which priorities were requested recently in the
// light of the current network state.
func HistoryInsight(priorities []string, state NetworkState) string {
	if len(priorities) == 0 {
		return noRecordsInsight
	}

	counts := make(map[string]int, len(priorities))
	var top string
	for _, p := range priorities {
		counts[p]++
	}
	// Ties go to the priority seen first.
	for _, p := range priorities {
		if counts[p] > counts[top] {
			top = p
		}
	}

	if total := len(priorities); total >= insightMinRecords {
		share := float64(counts[top]) / float64(total)
		switch {
		case state == StateCalm && (top == string(PrioritySlow) || top == string(PriorityMedium)) && share > 0.5:
			return "Recent records show a trend towards low/medium fees; logical since network is calm."
		case state == StateCalm && top == string(PriorityFast) && share > 0.5:
			return "Recent records show a trend towards fast fees; potential overpayment since network is calm."
		case state == StateCongested && top == string(PrioritySlow) && share > 0.4:
			return "Recent records show a trend towards slow fees in a congested network; confirmation times may increase."
		}
	}
	return fmt.Sprintf("Records are mixed; network state: %s.", state)
}
