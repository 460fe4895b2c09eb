package advisor

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const comparableSpread = 2

// Comparison holds the three presets side by side.
type Comparison struct {
	Fast           Recommendation `json:"fast"`
	Medium         Recommendation `json:"medium"`
	Slow           Recommendation `json:"slow"`
	OverpayPercent float64        `json:"overpay_percent_fast_vs_medium"`
	OverpayDelta   float64        `json:"overpay_delta_fast_vs_medium_sat_vb"`
	Note           string         `json:"note"`
	VerdictTitle   string         `json:"verdict_title"`
	VerdictText    string         `json:"verdict_text"`
}

// Recommendations returns the three presets in descending speed.
func (c Comparison) Recommendations() []Recommendation {
	return []Recommendation{c.Fast, c.Medium, c.Slow}
}

// Compare recommends every preset against the same inputs and quantifies what
// fast costs over medium.
func Compare(in Inputs, state NetworkState) Comparison {
	c := Comparison{
		Fast:   Recommend(PriorityFast, in).WithAgentMessages(state, in),
		Medium: Recommend(PriorityMedium, in).WithAgentMessages(state, in),
		Slow:   Recommend(PrioritySlow, in).WithAgentMessages(state, in),
	}

	if c.Medium.RecommendedFee != 0 {
		fast := decimal.NewFromFloat(c.Fast.RecommendedFee)
		medium := decimal.NewFromFloat(c.Medium.RecommendedFee)
		delta := decimal.Max(decimal.Zero, fast.Sub(medium))
		c.OverpayPercent = delta.Div(medium).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
		c.OverpayDelta = delta.Round(4).InexactFloat64()
	}

	if c.Fast.RecommendedFee-c.Slow.RecommendedFee <= comparableSpread {
		c.Note = "Fee differences may have limited impact right now."
	} else {
		c.Note = "Fast pays more, slow delays more."
	}
	c.VerdictTitle, c.VerdictText = compareVerdict(state, c.OverpayDelta, c.OverpayPercent)
	return c
}

func compareVerdict(state NetworkState, delta, percent float64) (string, string) {
	d, p := formatFee(delta), formatFee(percent)
	switch state {
	case StateCalm:
		return "Network Calm",
			fmt.Sprintf("Fee difference is small (+%s sat/vB, %s%%) and speed gain might be limited.", d, p)
	case StateCongested:
		return "Network Congested",
			fmt.Sprintf("Fast fee (+%s sat/vB, %s%%) can reduce delay risk; slow choice may cause severe delays.", d, p)
	default:
		return "Network Moderate",
			fmt.Sprintf("Difference between Fast and Medium is +%s sat/vB (%s%%); higher fee might reduce wait time in moderate congestion.", d, p)
	}
}
