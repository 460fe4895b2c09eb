package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"btc-fee-agent/internal/logging"
)

const maxBodyBytes = 4 << 20

// MempoolOptions parameterise the mempool.space client.
type MempoolOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// MempoolClient performs single GET calls against the mempool.space REST API.
type MempoolClient struct {
	opts    MempoolOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMempoolClient constructs an upstream client.
func NewMempoolClient(opts MempoolOptions, logger zerolog.Logger) *MempoolClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://mempool.space/api"
	}

	return &MempoolClient{
		opts:    opts,
		logger:  logging.Component(logger, "mempool_client"),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// Get fetches ep and checks that the body is JSON of the expected kind.
func (m *MempoolClient) Get(ctx context.Context, ep Endpoint) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+ep.Path, nil)
	if err != nil {
		return nil, &TransportError{Endpoint: ep.ID, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "btc-fee-agent/1.0")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: ep.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Endpoint: ep.ID, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Endpoint: ep.ID, Status: resp.StatusCode, Body: truncate(strings.TrimSpace(string(body)), 200)}
	}

	if err := checkKind(body, ep.Kind); err != nil {
		return nil, &MalformedResponseError{Endpoint: ep.ID, Reason: err.Error()}
	}

	m.logger.Debug().Str("endpoint", ep.ID).Int("bytes", len(body)).Msg("upstream payload received")
	return json.RawMessage(body), nil
}

func checkKind(body []byte, kind Kind) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty body")
	}
	if !json.Valid(trimmed) {
		return fmt.Errorf("invalid json")
	}

	var ok bool
	switch kind {
	case KindObject:
		ok = trimmed[0] == '{'
	case KindArray:
		ok = trimmed[0] == '['
	case KindNumber:
		var n json.Number
		ok = json.Unmarshal(trimmed, &n) == nil
	}
	if !ok {
		return fmt.Errorf("expected json %s", kind)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Upstream = (*MempoolClient)(nil)
