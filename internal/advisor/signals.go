package advisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
)

// Fee percentile keys of the upstream fee payload.
const (
	KeyFastest  = "fastestFee"
	KeyHalfHour = "halfHourFee"
	KeyHour     = "hourFee"
	KeyEconomy  = "economyFee"
	KeyMinimum  = "minimumFee"
)

const defaultMinimumFee = 1.0

var errNotNumeric = errors.New("value is not a non-negative number")

// FeeSignal is the raw fee percentile payload. Keys are optional; values are
// kept raw so that a bad value only degrades the chain that reaches it.
type FeeSignal struct {
	values    map[string]json.RawMessage
	malformed bool
}

// ParseFeeSignal decodes a fee payload. A payload that is not a JSON object
// yields an empty, malformed signal instead of an error.
func ParseFeeSignal(payload json.RawMessage) FeeSignal {
	if len(bytes.TrimSpace(payload)) == 0 {
		return FeeSignal{}
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(payload, &values); err != nil {
		return FeeSignal{malformed: true}
	}
	return FeeSignal{values: values}
}

// Malformed reports whether the payload itself could not be decoded.
func (f FeeSignal) Malformed() bool {
	return f.malformed
}

// Rate returns the fee for key. ok is false when the key is absent or null.
func (f FeeSignal) Rate(key string) (value float64, ok bool, err error) {
	raw, present := f.values[key]
	if !present || isNull(raw) {
		return 0, false, nil
	}
	v, err := parseNumber(raw)
	if err != nil {
		return 0, true, err
	}
	return v, true, nil
}

// ratePtr is the audit view of a key: nil when absent or unparseable.
func (f FeeSignal) ratePtr(key string) *float64 {
	v, ok, err := f.Rate(key)
	if !ok || err != nil {
		return nil
	}
	return &v
}

// Levels returns the audit view of all fee keys.
func (f FeeSignal) Levels() FeeLevels {
	return FeeLevels{
		Fastest:  f.ratePtr(KeyFastest),
		HalfHour: f.ratePtr(KeyHalfHour),
		Hour:     f.ratePtr(KeyHour),
		Economy:  f.ratePtr(KeyEconomy),
		Minimum:  f.ratePtr(KeyMinimum),
	}
}

var baseFeeChains = map[Priority][]string{
	PriorityFast:   {KeyFastest, KeyHalfHour, KeyMinimum},
	PriorityMedium: {KeyHour, KeyHalfHour, KeyMinimum},
	PrioritySlow:   {KeyEconomy, KeyMinimum},
}

// BaseFee walks the fallback chain for p. Absent, null and zero entries are
// skipped except the trailing minimum, which is taken as-is (1 when absent).
// Any unparseable value in the walk falls back to the minimum fee and marks
// the result degraded.
func (f FeeSignal) BaseFee(p Priority) (fee float64, degraded bool) {
	chain, ok := baseFeeChains[p]
	if !ok {
		chain = baseFeeChains[PriorityMedium]
	}
	if f.malformed {
		return f.minimumOrDefault(), true
	}

	for i, key := range chain {
		v, present, err := f.Rate(key)
		if err != nil {
			return f.minimumOrDefault(), true
		}
		last := i == len(chain)-1
		if last {
			if !present {
				return defaultMinimumFee, false
			}
			return v, false
		}
		if present && v != 0 {
			return v, false
		}
	}
	return defaultMinimumFee, false
}

func (f FeeSignal) minimumOrDefault() float64 {
	v, ok, err := f.Rate(KeyMinimum)
	if !ok || err != nil {
		return defaultMinimumFee
	}
	return v
}

// MempoolCount extracts the pending transaction count. A missing count is 0;
// an unparseable or negative one is 0 and degraded.
func MempoolCount(payload json.RawMessage) (count int64, degraded bool) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return 0, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return 0, true
	}
	raw, ok := fields["count"]
	if !ok || isNull(raw) {
		return 0, false
	}
	v, err := parseNumber(raw)
	if err != nil {
		return 0, true
	}
	// float64(math.MaxInt64) is 2^63, which int64 cannot hold.
	if v >= math.MaxInt64 {
		return math.MaxInt64, false
	}
	return int64(v), false
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseNumber accepts JSON numbers and numeric strings.
func parseNumber(raw json.RawMessage) (float64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, errNotNumeric
		}
		n = json.Number(strings.TrimSpace(s))
	}
	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, errNotNumeric
	}
	return v, nil
}
