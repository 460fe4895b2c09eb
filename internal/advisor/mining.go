package advisor

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/shopspring/decimal"
)

// MaxProjectedBlocks bounds how many projected blocks are evaluated.
const MaxProjectedBlocks = 6

// MiningBlock is one projected mempool block.
type MiningBlock struct {
	BlockIndex int      `json:"block_index"`
	MinFee     *float64 `json:"minFee"`
	MedianFee  *float64 `json:"medianFee"`
	BlockSize  *int64   `json:"blockSize"`
	TxCount    *int64   `json:"txCount"`
}

type rawMiningBlock struct {
	MinFee    json.RawMessage   `json:"minFee"`
	MedianFee json.RawMessage   `json:"medianFee"`
	FeeRange  []json.RawMessage `json:"feeRange"`
	BlockSize json.RawMessage   `json:"blockSize"`
	NTx       json.RawMessage   `json:"nTx"`
}

// ParseMiningBlocks reads the first projected blocks from an upstream payload.
// Unparseable fields are left nil; degraded reports whether anything was
// dropped that way.
func ParseMiningBlocks(payload json.RawMessage) (blocks []MiningBlock, degraded bool) {
	var raw []rawMiningBlock
	if len(payload) == 0 {
		return nil, false
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, true
	}
	if len(raw) > MaxProjectedBlocks {
		raw = raw[:MaxProjectedBlocks]
	}

	blocks = make([]MiningBlock, 0, len(raw))
	for i, rb := range raw {
		b := MiningBlock{BlockIndex: i + 1}
		var bad bool
		b.MinFee, bad = optionalNumber(rb.MinFee)
		degraded = degraded || bad
		if b.MinFee == nil && len(rb.FeeRange) > 0 {
			b.MinFee = minOfRange(rb.FeeRange)
		}
		b.MedianFee, bad = optionalNumber(rb.MedianFee)
		degraded = degraded || bad
		b.BlockSize, bad = optionalInt(rb.BlockSize)
		degraded = degraded || bad
		b.TxCount, bad = optionalInt(rb.NTx)
		degraded = degraded || bad
		blocks = append(blocks, b)
	}
	return blocks, degraded
}

func optionalNumber(raw json.RawMessage) (*float64, bool) {
	if len(raw) == 0 || isNull(raw) {
		return nil, false
	}
	v, err := parseNumber(raw)
	if err != nil {
		return nil, true
	}
	return &v, false
}

func optionalInt(raw json.RawMessage) (*int64, bool) {
	v, bad := optionalNumber(raw)
	if v == nil || *v > math.MaxInt64 {
		return nil, bad || v != nil
	}
	n := int64(*v)
	return &n, false
}

func minOfRange(values []json.RawMessage) *float64 {
	var parsed []float64
	for _, raw := range values {
		if v, err := parseNumber(raw); err == nil {
			parsed = append(parsed, v)
		}
	}
	if len(parsed) == 0 {
		return nil
	}
	m := slices.Min(parsed)
	return &m
}

// FeeEvaluation places a user fee in the projected blocks.
type FeeEvaluation struct {
	ProvidedFee float64 `json:"provided_fee_sat_vb"`
	FitsInBlock *int    `json:"fits_in_block_index"`
	MeetsMinFee bool    `json:"meets_min_fee"`
	Note        string  `json:"note"`
}

// EvaluateFee returns the first block whose minimum fee the user fee meets.
// A block without a known minimum accepts any fee.
func EvaluateFee(blocks []MiningBlock, fee float64) FeeEvaluation {
	eval := FeeEvaluation{ProvidedFee: fee}
	for _, b := range blocks {
		var minimum float64
		if b.MinFee != nil {
			minimum = *b.MinFee
		}
		if fee >= minimum {
			idx := b.BlockIndex
			eval.FitsInBlock = &idx
			break
		}
	}
	eval.MeetsMinFee = eval.FitsInBlock != nil
	if eval.MeetsMinFee {
		eval.Note = fmt.Sprintf("Your %s sat/vB fee looks sufficient to enter block %d.", formatFee(fee), *eval.FitsInBlock)
	} else {
		eval.Note = fmt.Sprintf("Your %s sat/vB fee is below the minimum for the first %d blocks.", formatFee(fee), len(blocks))
	}
	return eval
}

// TargetSummary describes the cost and delay of aiming at a later block.
type TargetSummary struct {
	TargetBlocks      int      `json:"target_blocks"`
	TargetMinFee      *float64 `json:"target_min_fee"`
	TargetMedianFee   *float64 `json:"target_median_fee"`
	SavingsVsFast     *float64 `json:"savings_vs_fast_sat_vb"`
	ExtraDelayMinutes float64  `json:"extra_delay_minutes"`
	TargetNote        *string  `json:"target_note"`
}

// SummarizeTarget compares projected block target (1-based, clamped to the
// available blocks; 0 means the next block) with the next block.
func SummarizeTarget(blocks []MiningBlock, target int) TargetSummary {
	idx := max(target, 1)
	idx = min(idx, max(len(blocks), 1))

	s := TargetSummary{
		TargetBlocks:      idx,
		ExtraDelayMinutes: float64((idx - 1) * BlockIntervalMinutes),
	}
	if len(blocks) == 0 {
		return s
	}

	targetBlock := blocks[idx-1]
	s.TargetMinFee = clonePtr(targetBlock.MinFee)
	s.TargetMedianFee = clonePtr(targetBlock.MedianFee)

	fastestMin := blocks[0].MinFee
	if fastestMin != nil && s.TargetMinFee != nil {
		savings := decimal.Max(decimal.Zero, decimal.NewFromFloat(*fastestMin).Sub(decimal.NewFromFloat(*s.TargetMinFee))).
			Round(4).InexactFloat64()
		s.SavingsVsFast = &savings
	}
	if s.TargetMinFee != nil {
		var savings float64
		if s.SavingsVsFast != nil {
			savings = *s.SavingsVsFast
		}
		note := fmt.Sprintf("Target confirm within %d blocks: min ~%.4f sat/vB, savings vs fast ~%s sat/vB, extra delay ~%.1f min.",
			idx, *s.TargetMinFee, formatFee(savings), s.ExtraDelayMinutes)
		s.TargetNote = &note
	}
	return s
}
