package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/fetcher"
	"btc-fee-agent/internal/livestate"
	"btc-fee-agent/internal/service"
)

const (
	simulatedCalmFees    = `{"fastestFee":3,"halfHourFee":3,"hourFee":2,"economyFee":2,"minimumFee":1}`
	simulatedCalmMempool = `{"count":20000}`
)

// SimulateAlert pushes a calm reading followed by the given congested reading
// through the refresh path so the configured channels receive one alert.
func (a *App) SimulateAlert(ctx context.Context, fastest, economy float64, mempoolCount int64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	scripted := &scriptedFetcher{payloads: map[string]json.RawMessage{
		fetcher.EndpointFees.ID:    json.RawMessage(simulatedCalmFees),
		fetcher.EndpointMempool.ID: json.RawMessage(simulatedCalmMempool),
	}}

	svc := service.New(service.Deps{
		Fetcher:  scripted,
		State:    livestate.New(),
		Notifier: notifier,
	}, service.Options{
		AlertsEnabled: true,
		AlertChannels: a.Config.Alerting.Channels,
	}, a.Logger)

	now := time.Now().UTC()
	if err := svc.ProcessTick(ctx, now); err != nil {
		return err
	}

	scripted.payloads[fetcher.EndpointFees.ID] = json.RawMessage(fmt.Sprintf(
		`{"fastestFee":%g,"halfHourFee":%g,"hourFee":%g,"economyFee":%g,"minimumFee":%g}`,
		fastest, fastest, economy, economy, economy))
	scripted.payloads[fetcher.EndpointMempool.ID] = json.RawMessage(fmt.Sprintf(`{"count":%d}`, mempoolCount))

	if err := svc.ProcessTick(ctx, now.Add(time.Second)); err != nil {
		return err
	}
	st, _ := svc.State().Load()
	if st.NetworkState != advisor.StateCongested {
		return fmt.Errorf("simulated reading classifies as %s, not congested; raise the fee spread or mempool count", st.NetworkState)
	}
	a.Logger.Info().Str("network_state", st.NetworkState.String()).Msg("simulated alert dispatched")
	return nil
}

// scriptedFetcher serves fixed payloads. It is only driven sequentially.
type scriptedFetcher struct {
	payloads map[string]json.RawMessage
}

func (s *scriptedFetcher) Fetch(_ context.Context, ep fetcher.Endpoint) (fetcher.Result, error) {
	payload, ok := s.payloads[ep.ID]
	if !ok {
		return fetcher.Result{}, &fetcher.ExhaustedError{Endpoint: ep.ID, Attempts: 1, Last: errors.New("not simulated")}
	}
	return fetcher.Result{Payload: payload, Attempts: 1}, nil
}

var _ fetcher.Fetcher = (*scriptedFetcher)(nil)
