// Package llm produces optional natural-language explanations of a
// recommendation through the Gemini generateContent API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"btc-fee-agent/internal/advisor"
	"btc-fee-agent/internal/logging"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.5-flash-lite"
	maxBodyBytes   = 1 << 20
)

// Options configure the Gemini client.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Explainer turns a recommendation into prose. Explain never fails: an empty
// string means the feature is disabled.
type Explainer interface {
	Explain(ctx context.Context, rec advisor.Recommendation) string
}

// Gemini calls models/{model}:generateContent.
type Gemini struct {
	apiKey   string
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

// NewGemini builds a client. Without an API key Explain always returns "".
func NewGemini(opts Options, logger zerolog.Logger) *Gemini {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Gemini{
		apiKey:   opts.APIKey,
		endpoint: fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(opts.BaseURL, "/"), url.PathEscape(opts.Model)),
		client:   &http.Client{Timeout: opts.Timeout},
		logger:   logging.Component(logger, "llm_gemini"),
	}
}

// Enabled reports whether an API key is configured.
func (g *Gemini) Enabled() bool {
	return g != nil && g.apiKey != ""
}

// Explain asks Gemini for an explanation and falls back to a locally rendered
// text on any failure.
func (g *Gemini) Explain(ctx context.Context, rec advisor.Recommendation) string {
	if !g.Enabled() {
		return ""
	}
	text, err := g.generate(ctx, Prompt(rec))
	if err != nil {
		g.logger.Warn().Err(err).Msg("gemini request failed; using local explanation")
		return FallbackText(rec)
	}
	if text == "" {
		return FallbackText(rec)
	}
	return text
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}})
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"?key="+url.QueryEscape(g.apiKey), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send gemini request: %w", redactKey(err, g.apiKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return "", fmt.Errorf("gemini unexpected status: %d", resp.StatusCode)
	}

	var decoded generateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(decoded.Candidates) == 0 {
		return "", nil
	}
	var texts []string
	for _, p := range decoded.Candidates[0].Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.TrimSpace(strings.Join(texts, " ")), nil
}

// Prompt renders the request text for rec.
func Prompt(rec advisor.Recommendation) string {
	signals, _ := json.Marshal(rec.Signals)
	var b strings.Builder
	b.WriteString("Generate an English explanation. 1 paragraph + 3 bullet points + 1 risk note. ")
	b.WriteString("Summarize the rules and signals used. Keep bullet points short.\n")
	fmt.Fprintf(&b, "Rules: %s\n", joinRules(rec.Rules, ", "))
	fmt.Fprintf(&b, "Signals: %s\n", signals)
	b.WriteString("Explanation points from logic:\n")
	for i, line := range rec.Explanation {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- " + line)
	}
	return b.String()
}

// FallbackText is the deterministic explanation used when Gemini fails.
func FallbackText(rec advisor.Recommendation) string {
	rules := joinRules(rec.Rules, ", ")
	if rules == "" {
		rules = "none"
	}
	congestion := string(rec.Signals.CongestionLevel)
	if congestion == "" {
		congestion = "uncertain"
	}
	return fmt.Sprintf("Recommendation produced by deterministic rules. Rules: %s. Mempool tx count: %d, congestion: %s. "+
		"Explanation generated locally because Gemini is disabled or unavailable.",
		rules, rec.Signals.MempoolTxCount, congestion)
}

func joinRules(rules []advisor.Rule, sep string) string {
	parts := make([]string, len(rules))
	for i, r := range rules {
		parts[i] = string(r)
	}
	return strings.Join(parts, sep)
}

// redactKey keeps the API key out of logged url.Error messages.
func redactKey(err error, key string) error {
	if key == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(key), "REDACTED")
	if msg == err.Error() {
		return err
	}
	return fmt.Errorf("%s", msg)
}

var _ Explainer = (*Gemini)(nil)
