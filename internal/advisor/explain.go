package advisor

import (
	"fmt"
	"strconv"
)

// ExplanationLines is the fixed length of every explanation.
const ExplanationLines = 4

// Explain renders obs and dec into exactly four statements: fee and priority,
// mempool count with multiplier, ETA range, data-quality flags.
func Explain(obs Observation, dec Decision) []string {
	var feeLine string
	if obs.Mode == ModeEstimate {
		feeLine = fmt.Sprintf("User fee: %s sat/vB classified as %s.", formatFee(obs.InputFee), obs.Priority)
	} else {
		feeLine = fmt.Sprintf("Base fee for %s priority: %s sat/vB.", obs.Priority, formatFee(obs.BaseFee))
	}

	return []string{
		feeLine,
		fmt.Sprintf("Mempool tx count %d gives congestion multiplier %.2f.", obs.MempoolTxCount, dec.CongestionMultiplier),
		fmt.Sprintf("ETA range: %d-%d blocks (~%d-%d minutes).",
			dec.ETA.BlocksMin, dec.ETA.BlocksMax, dec.ETA.MinutesMin, dec.ETA.MinutesMax),
		fmt.Sprintf("Cache used: %t. Degraded inputs: %t.", obs.CacheUsed, obs.Degraded),
	}
}

func formatFee(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
