package advisor

import (
	"math"

	"github.com/shopspring/decimal"
)

const (
	// MaxCongestionBonus is the fee uplift at full congestion.
	MaxCongestionBonus = 0.30
	// BlockIntervalMinutes is the assumed time between blocks.
	BlockIntervalMinutes = 10

	minRecommendFee = 1.0
	minEstimateFee  = 0.1
	feePrecision    = 3
)

// ETA is the expected confirmation window.
type ETA struct {
	BlocksMin  int
	BlocksMax  int
	MinutesMin int
	MinutesMax int
}

// Decision is the outcome of the decision stage.
type Decision struct {
	RecommendedFee       float64
	CongestionMultiplier float64
	Confidence           Level
	Risk                 Level
	ETA                  ETA
	Rules                []Rule
}

// Decide applies the congestion uplift, ETA scaling, confidence assignment and
// rule tagging to obs.
func Decide(obs Observation) Decision {
	multiplier := CongestionMultiplier(obs.CongestionRatio)

	fee, floor, lead := obs.BaseFee, minRecommendFee, priorityRule(obs.Priority)
	if obs.Mode == ModeEstimate {
		fee, floor, lead = obs.InputFee, minEstimateFee, obs.ClassificationRule
		if lead == "" {
			lead = RuleEstimateMedium
		}
	}

	rules := []Rule{lead, congestionRule(obs.CongestionLevel)}
	if obs.CacheUsed {
		rules = append(rules, RuleCacheUsed)
	}
	if obs.Degraded {
		rules = append(rules, RuleDegradedInput)
	}

	confidence := ConfidenceFromRatio(obs.CongestionRatio)
	if obs.Degraded {
		confidence = Downgrade(confidence)
	}

	blocksMin, blocksMax := ScaleETA(obs.BlocksMin, obs.BlocksMax, obs.CongestionRatio)

	return Decision{
		RecommendedFee:       applyMultiplier(fee, multiplier, floor),
		CongestionMultiplier: multiplier,
		Confidence:           confidence,
		Risk:                 obs.Risk,
		ETA: ETA{
			BlocksMin:  blocksMin,
			BlocksMax:  blocksMax,
			MinutesMin: blocksMin * BlockIntervalMinutes,
			MinutesMax: blocksMax * BlockIntervalMinutes,
		},
		Rules: rules,
	}
}

// CongestionMultiplier is 1 + 0.30*ratio with ratio clamped to [0,1].
func CongestionMultiplier(ratio float64) float64 {
	return 1 + MaxCongestionBonus*clamp01(ratio)
}

func applyMultiplier(fee, multiplier, floor float64) float64 {
	v := decimal.NewFromFloat(fee).
		Mul(decimal.NewFromFloat(multiplier)).
		Round(feePrecision)
	min := decimal.NewFromFloat(floor)
	if v.LessThan(min) {
		v = min
	}
	return v.InexactFloat64()
}

// ScaleETA stretches a preset window by a congestion factor. Bounds round to
// the nearest block (ties to even), min is at least 1 and max at least min.
func ScaleETA(blocksMin, blocksMax int, ratio float64) (int, int) {
	factor := 2.0
	switch {
	case ratio <= 0.33:
		factor = 1.0
	case ratio <= 0.66:
		factor = 1.5
	}
	scaledMin := max(1, int(math.RoundToEven(float64(blocksMin)*factor)))
	scaledMax := max(scaledMin, int(math.RoundToEven(float64(blocksMax)*factor)))
	return scaledMin, scaledMax
}

// ConfidenceFromRatio maps congestion onto confidence.
func ConfidenceFromRatio(ratio float64) Level {
	switch {
	case ratio < 0.33:
		return LevelHigh
	case ratio < 0.66:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Downgrade moves confidence exactly one step toward low. Unknown levels map
// to low.
func Downgrade(l Level) Level {
	switch l {
	case LevelHigh:
		return LevelMedium
	default:
		return LevelLow
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
