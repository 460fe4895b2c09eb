package advisor

import (
	"encoding/json"
	"math"
)

// Congestion thresholds on the mempool transaction count.
const (
	CongestionLowThreshold  = 50_000
	CongestionHighThreshold = 200_000
)

// Inputs are the raw upstream payloads a request works from.
type Inputs struct {
	Fees      json.RawMessage
	Mempool   json.RawMessage
	CacheUsed bool
}

// FeeLevels is the audit view of the fee percentiles; nil means unavailable.
type FeeLevels struct {
	Fastest  *float64 `json:"fastest"`
	HalfHour *float64 `json:"halfHour"`
	Hour     *float64 `json:"hour"`
	Economy  *float64 `json:"economy"`
	Minimum  *float64 `json:"minimum"`
}

// References are the per-priority base fees used to classify a user fee.
type References struct {
	Fast   float64
	Medium float64
	Slow   float64
}

// Signals is the audit bundle attached to a recommendation.
type Signals struct {
	MempoolTxCount     int64      `json:"mempool_tx_count"`
	CongestionLevel    Level      `json:"congestion_level"`
	RecommendedFees    *FeeLevels `json:"recommended_fees,omitempty"`
	InputFee           *float64   `json:"input_fee_sat_vb,omitempty"`
	ReferenceFeeFast   *float64   `json:"reference_fee_fast,omitempty"`
	ReferenceFeeMedium *float64   `json:"reference_fee_medium,omitempty"`
	ReferenceFeeSlow   *float64   `json:"reference_fee_slow,omitempty"`
}

// Observation is the normalized view of one request's inputs.
type Observation struct {
	Mode     Mode
	Priority Priority

	// BaseFee is the selected reference fee in recommend mode and the medium
	// reference in estimate mode.
	BaseFee    float64
	InputFee   float64
	References References

	BlocksMin int
	BlocksMax int
	Risk      Level

	MempoolTxCount  int64
	CongestionRatio float64
	CongestionLevel Level

	CacheUsed bool
	// Degraded marks unparseable inputs or data served from the snapshot cache.
	Degraded bool
	// ClassificationRule is set in estimate mode only.
	ClassificationRule Rule

	Signals Signals
}

// Observe builds a recommend-mode observation for priority.
func Observe(priority Priority, in Inputs) Observation {
	fees := ParseFeeSignal(in.Fees)
	preset := PresetFor(priority)
	base, feeDegraded := fees.BaseFee(priority)
	count, countDegraded := MempoolCount(in.Mempool)
	level := CongestionLevel(count)
	levels := fees.Levels()

	return Observation{
		Mode:            ModeRecommend,
		Priority:        priority,
		BaseFee:         base,
		BlocksMin:       preset.BlocksMin,
		BlocksMax:       preset.BlocksMax,
		Risk:            preset.Risk,
		MempoolTxCount:  count,
		CongestionRatio: CongestionRatio(count),
		CongestionLevel: level,
		CacheUsed:       in.CacheUsed,
		Degraded:        feeDegraded || countDegraded || in.CacheUsed,
		Signals: Signals{
			MempoolTxCount:  count,
			CongestionLevel: level,
			RecommendedFees: &levels,
		},
	}
}

// ObserveEstimate classifies a user-supplied fee against the current
// references. fee must already be validated as positive and finite.
func ObserveEstimate(fee float64, in Inputs) Observation {
	fees := ParseFeeSignal(in.Fees)
	count, countDegraded := MempoolCount(in.Mempool)
	level := CongestionLevel(count)

	fast, fastDegraded := fees.BaseFee(PriorityFast)
	medium, mediumDegraded := fees.BaseFee(PriorityMedium)
	slow, slowDegraded := fees.BaseFee(PrioritySlow)

	var (
		priority Priority
		preset   Preset
		rule     Rule
	)
	switch {
	case fee >= fast:
		priority, preset, rule = PriorityFast, presets[PriorityFast], RuleEstimateFast
	case fee >= medium:
		priority, preset, rule = PriorityMedium, presets[PriorityMedium], RuleEstimateMedium
	case fee >= slow:
		priority, preset, rule = PrioritySlow, presets[PrioritySlow], RuleEstimateSlow
	default:
		priority, preset, rule = PrioritySlow, belowSlowPreset, RuleEstimateBelowSlow
	}

	return Observation{
		Mode:               ModeEstimate,
		Priority:           priority,
		BaseFee:            medium,
		InputFee:           fee,
		References:         References{Fast: fast, Medium: medium, Slow: slow},
		BlocksMin:          preset.BlocksMin,
		BlocksMax:          preset.BlocksMax,
		Risk:               preset.Risk,
		MempoolTxCount:     count,
		CongestionRatio:    CongestionRatio(count),
		CongestionLevel:    level,
		CacheUsed:          in.CacheUsed,
		Degraded:           fastDegraded || mediumDegraded || slowDegraded || countDegraded || in.CacheUsed,
		ClassificationRule: rule,
		Signals: Signals{
			MempoolTxCount:     count,
			CongestionLevel:    level,
			InputFee:           &fee,
			ReferenceFeeFast:   &fast,
			ReferenceFeeMedium: &medium,
			ReferenceFeeSlow:   &slow,
		},
	}
}

// CongestionRatio maps the mempool count onto [0,1]: 0 at or below the low
// threshold, 1 at or above the high threshold, linear in between.
func CongestionRatio(count int64) float64 {
	switch {
	case count <= CongestionLowThreshold:
		return 0
	case count >= CongestionHighThreshold:
		return 1
	}
	return float64(count-CongestionLowThreshold) / float64(CongestionHighThreshold-CongestionLowThreshold)
}

// CongestionLevel buckets the mempool count with the same thresholds.
func CongestionLevel(count int64) Level {
	switch {
	case count <= CongestionLowThreshold:
		return LevelLow
	case count >= CongestionHighThreshold:
		return LevelHigh
	default:
		return LevelMedium
	}
}

func validFee(fee float64) bool {
	return fee > 0 && !math.IsNaN(fee) && !math.IsInf(fee, 0)
}
