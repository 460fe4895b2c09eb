// Package advisor turns fee and mempool signals into a fee recommendation
// through three pure stages: Observe, Decide and Explain.
package advisor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPriority is returned for a priority outside fast/medium/slow.
	ErrInvalidPriority = errors.New("advisor: invalid priority")
	// ErrInvalidFee is returned for a user fee that is not a positive finite number.
	ErrInvalidFee = errors.New("advisor: fee must be a positive number")
)

// Priority is a confirmation-speed preset.
type Priority string

const (
	PriorityFast   Priority = "fast"
	PriorityMedium Priority = "medium"
	PrioritySlow   Priority = "slow"
)

// Priorities lists the presets in descending speed.
var Priorities = []Priority{PriorityFast, PriorityMedium, PrioritySlow}

// ParsePriority validates user input. An empty string selects medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case "", PriorityMedium:
		return PriorityMedium, nil
	case PriorityFast:
		return PriorityFast, nil
	case PrioritySlow:
		return PrioritySlow, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
}

// Level is a three-step scale used for congestion, confidence and risk.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Mode distinguishes preset recommendations from user-fee estimates.
type Mode string

const (
	ModeRecommend Mode = "recommend"
	ModeEstimate  Mode = "estimate"
)

// Rule is a stable identifier recorded when a decision branch is taken.
type Rule string

const (
	RulePriorityFast   Rule = "R_PRIORITY_FAST"
	RulePriorityMedium Rule = "R_PRIORITY_MEDIUM"
	RulePrioritySlow   Rule = "R_PRIORITY_SLOW"

	RuleEstimateFast      Rule = "R_ESTIMATE_FAST"
	RuleEstimateMedium    Rule = "R_ESTIMATE_MEDIUM"
	RuleEstimateSlow      Rule = "R_ESTIMATE_SLOW"
	RuleEstimateBelowSlow Rule = "R_ESTIMATE_BELOW_SLOW"

	RuleCongestionLow    Rule = "R_CONGESTION_LOW"
	RuleCongestionMedium Rule = "R_CONGESTION_MEDIUM"
	RuleCongestionHigh   Rule = "R_CONGESTION_HIGH"

	RuleCacheUsed     Rule = "R_CACHE_USED"
	RuleDegradedInput Rule = "R_DEGRADED_INPUT"
)

// Preset is the default ETA window and risk tier of a priority.
type Preset struct {
	BlocksMin int
	BlocksMax int
	Risk      Level
}

var presets = map[Priority]Preset{
	PriorityFast:   {BlocksMin: 1, BlocksMax: 2, Risk: LevelLow},
	PriorityMedium: {BlocksMin: 3, BlocksMax: 6, Risk: LevelMedium},
	PrioritySlow:   {BlocksMin: 6, BlocksMax: 12, Risk: LevelHigh},
}

// belowSlowPreset applies to estimate fees under the slow reference.
var belowSlowPreset = Preset{
	BlocksMin: presets[PrioritySlow].BlocksMin + 2,
	BlocksMax: presets[PrioritySlow].BlocksMax + 4,
	Risk:      LevelHigh,
}

// PresetFor returns the preset of p, defaulting to medium.
func PresetFor(p Priority) Preset {
	if preset, ok := presets[p]; ok {
		return preset
	}
	return presets[PriorityMedium]
}

func priorityRule(p Priority) Rule {
	switch p {
	case PriorityFast:
		return RulePriorityFast
	case PrioritySlow:
		return RulePrioritySlow
	default:
		return RulePriorityMedium
	}
}

func congestionRule(l Level) Rule {
	switch l {
	case LevelLow:
		return RuleCongestionLow
	case LevelHigh:
		return RuleCongestionHigh
	default:
		return RuleCongestionMedium
	}
}
