package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/fetcher"
	"btc-fee-agent/internal/history"
	"btc-fee-agent/internal/livestate"
	"btc-fee-agent/internal/metrics"
)

// current returns the live state, refreshing once when nothing was published
// yet.
func (s *Service) current(ctx context.Context) (livestate.State, error) {
	if st, ok := s.deps.State.Load(); ok && hasData(st) {
		return st, nil
	}
	st, err := s.Refresh(ctx)
	if hasData(st) {
		return st, nil
	}
	if err != nil {
		return livestate.State{}, fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return livestate.State{}, ErrNoData
}

// Recommend returns the recommendation for a preset priority.
func (s *Service) Recommend(ctx context.Context, priority advisor.Priority, withLLM bool) (advisor.Recommendation, error) {
	st, err := s.current(ctx)
	if err != nil {
		return advisor.Recommendation{}, err
	}
	in := st.Inputs()
	rec := advisor.Recommend(priority, in).WithAgentMessages(st.NetworkState, in)
	rec = s.enrich(ctx, rec, withLLM)
	s.record(ctx, recordOf(rec, string(rec.Priority)))
	return rec, nil
}

// Estimate classifies a user-supplied fee.
func (s *Service) Estimate(ctx context.Context, fee float64, withLLM bool) (advisor.Recommendation, error) {
	st, err := s.current(ctx)
	if err != nil {
		return advisor.Recommendation{}, err
	}
	in := st.Inputs()
	rec, err := advisor.Estimate(fee, in)
	if err != nil {
		return advisor.Recommendation{}, err
	}
	rec = rec.WithAgentMessages(st.NetworkState, in)
	rec = s.enrich(ctx, rec, withLLM)
	s.record(ctx, recordOf(rec, history.PriorityEstimate))
	return rec, nil
}

// Compare returns all presets side by side.
func (s *Service) Compare(ctx context.Context, withLLM bool) (advisor.Comparison, error) {
	st, err := s.current(ctx)
	if err != nil {
		return advisor.Comparison{}, err
	}
	c := advisor.Compare(st.Inputs(), st.NetworkState)
	c.Fast = s.enrich(ctx, c.Fast, withLLM)
	c.Medium = s.enrich(ctx, c.Medium, withLLM)
	c.Slow = s.enrich(ctx, c.Slow, withLLM)

	rows := make([]history.Record, 0, 3)
	for _, rec := range c.Recommendations() {
		rows = append(rows, recordOf(rec, string(rec.Priority)))
	}
	s.record(ctx, rows...)
	return c, nil
}

func (s *Service) enrich(ctx context.Context, rec advisor.Recommendation, withLLM bool) advisor.Recommendation {
	metrics.Recommendations.WithLabelValues(string(rec.Mode), string(rec.Priority), string(rec.Confidence)).Inc()
	if !withLLM || s.deps.Explainer == nil {
		return rec
	}
	return rec.WithLLMExplanation(s.deps.Explainer.Explain(ctx, rec))
}

func recordOf(rec advisor.Recommendation, priority string) history.Record {
	return history.Record{
		Priority:       priority,
		BaseFee:        decimal.NewFromFloat(rec.BaseFee),
		MempoolTxCount: rec.MempoolTxCount,
		RecommendedFee: decimal.NewFromFloat(rec.RecommendedFee),
	}
}

// record appends to the history log. Failures never fail the request.
func (s *Service) record(ctx context.Context, rows ...history.Record) {
	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.Append(ctx, rows...); err != nil {
		s.logger.Warn().Err(err).Int("rows", len(rows)).Msg("failed to append history")
	}
}

// HistoryView is the recent history with a short interpretation.
type HistoryView struct {
	Items   []history.Record `json:"items"`
	Insight string           `json:"insight"`
}

// History returns the latest recommendations and an insight based on the
// current network state.
func (s *Service) History(ctx context.Context) (HistoryView, error) {
	if s.deps.History == nil {
		return HistoryView{}, history.ErrNotConfigured
	}
	items, err := s.deps.History.Recent(ctx, s.opts.RecentLimit)
	if err != nil {
		return HistoryView{}, fmt.Errorf("read history: %w", err)
	}
	priorities := make([]string, len(items))
	for i, item := range items {
		priorities[i] = item.Priority
	}
	st, _ := s.deps.State.Load()
	return HistoryView{Items: items, Insight: advisor.HistoryInsight(priorities, st.NetworkState)}, nil
}

// LiveStatus is the externally visible view of the live state.
type LiveStatus struct {
	Version        uint64          `json:"version"`
	UpdatedAtEpoch *float64        `json:"updated_at_epoch"`
	Timestamp      *string         `json:"timestamp"`
	CacheUsed      bool            `json:"cache_used"`
	FeeData        json.RawMessage `json:"fee_data"`
	MempoolData    json.RawMessage `json:"mempool_data"`
	Error          *string         `json:"error"`
	Source         string          `json:"source"`
	NetworkState   *string         `json:"network_state"`
	NetworkNote    *string         `json:"network_note"`
}

// LiveStatus reports the latest published state without blocking on the network.
func (s *Service) LiveStatus() LiveStatus {
	status := LiveStatus{Source: advisor.Source, FeeData: json.RawMessage("null"), MempoolData: json.RawMessage("null")}
	st, ok := s.deps.State.Load()
	if !ok {
		return status
	}

	epoch := float64(st.UpdatedAt.UnixNano()) / float64(time.Second)
	ts := st.UpdatedAt.UTC().Format(time.RFC3339Nano)
	status.Version = st.Version
	status.UpdatedAtEpoch = &epoch
	status.Timestamp = &ts
	status.CacheUsed = st.CacheUsed
	if st.Fees != nil {
		status.FeeData = st.Fees
	}
	if st.Mempool != nil {
		status.MempoolData = st.Mempool
	}
	if st.Err != "" {
		msg := st.Err
		status.Error = &msg
	}
	if st.NetworkState != advisor.StateUnknown {
		state, note := string(st.NetworkState), st.NetworkNote
		status.NetworkState = &state
		status.NetworkNote = &note
	}
	return status
}

// MiningTarget is the projected-blocks report.
type MiningTarget struct {
	Timestamp   string                 `json:"timestamp"`
	CacheUsed   bool                   `json:"cache_used"`
	Source      string                 `json:"source"`
	TipHeight   *int64                 `json:"tip_height,omitempty"`
	Blocks      []advisor.MiningBlock  `json:"blocks"`
	Error       *string                `json:"error"`
	UserFeeEval *advisor.FeeEvaluation `json:"user_fee_eval,omitempty"`
	*advisor.TargetSummary
}

// MiningTarget evaluates the projected mempool blocks, optionally against a
// user fee and a target block count. Upstream failure is reported in the
// response rather than as an error.
func (s *Service) MiningTarget(ctx context.Context, fee *float64, targetBlocks int) (MiningTarget, error) {
	if fee != nil && (*fee <= 0 || math.IsNaN(*fee) || math.IsInf(*fee, 0)) {
		return MiningTarget{}, fmt.Errorf("%w: %v", advisor.ErrInvalidFee, *fee)
	}

	out := MiningTarget{
		Timestamp: s.now().Format(time.RFC3339Nano),
		Source:    advisor.Source,
		Blocks:    []advisor.MiningBlock{},
	}
	if s.deps.Fetcher == nil {
		return out, fmt.Errorf("fetcher not configured")
	}

	res, err := s.deps.Fetcher.Fetch(ctx, fetcher.EndpointMempoolBlocks)
	if err != nil {
		if !errors.Is(err, fetcher.ErrExhausted) {
			return out, err
		}
		msg := err.Error()
		out.Error = &msg
		out.CacheUsed = true
		return out, nil
	}
	out.CacheUsed = res.UsedFallback

	blocks, degraded := advisor.ParseMiningBlocks(res.Payload)
	if degraded {
		s.logger.Warn().Msg("projected blocks payload partially unparseable")
	}
	if blocks != nil {
		out.Blocks = blocks
	}
	out.TipHeight = s.tipHeight(ctx)

	if fee != nil {
		eval := advisor.EvaluateFee(out.Blocks, *fee)
		out.UserFeeEval = &eval
	}
	summary := advisor.SummarizeTarget(out.Blocks, targetBlocks)
	out.TargetSummary = &summary
	return out, nil
}

func (s *Service) tipHeight(ctx context.Context) *int64 {
	res, err := s.deps.Fetcher.Fetch(ctx, fetcher.EndpointTipHeight)
	if err != nil {
		s.logger.Debug().Err(err).Msg("tip height unavailable")
		return nil
	}
	var height int64
	if err := json.Unmarshal(res.Payload, &height); err != nil {
		return nil
	}
	return &height
}
