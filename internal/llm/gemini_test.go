package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-fee-agent/internal/advisor"
)

func sampleRecommendation() advisor.Recommendation {
	return advisor.Recommend(advisor.PriorityFast, advisor.Inputs{
		Fees:    json.RawMessage(`{"fastestFee":10}`),
		Mempool: json.RawMessage(`{"count":30000}`),
	})
}

func TestGeminiDisabledWithoutKey(t *testing.T) {
	g := NewGemini(Options{}, zerolog.Nop())
	assert.False(t, g.Enabled())
	assert.Empty(t, g.Explain(context.Background(), sampleRecommendation()))
}

func TestGeminiReturnsCandidateText(t *testing.T) {
	var gotPath, gotKey, gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if assert.NotEmpty(t, req.Contents) && assert.NotEmpty(t, req.Contents[0].Parts) {
			gotPrompt = req.Contents[0].Parts[0].Text
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Fast is fine. "},{"text":"Low risk."}]}}]}`))
	}))
	defer srv.Close()

	g := NewGemini(Options{APIKey: "secret", Model: "test-model", BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	text := g.Explain(context.Background(), sampleRecommendation())

	assert.Equal(t, "Fast is fine.  Low risk.", text)
	assert.Equal(t, "/models/test-model:generateContent", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Contains(t, gotPrompt, "Rules: R_PRIORITY_FAST, R_CONGESTION_LOW")
	assert.Contains(t, gotPrompt, "- Base fee for fast priority: 10 sat/vB.")
}

func TestGeminiFallsBackOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := sampleRecommendation()
	g := NewGemini(Options{APIKey: "k", BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	assert.Equal(t, FallbackText(rec), g.Explain(context.Background(), rec))
}

func TestGeminiFallsBackOnEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	rec := sampleRecommendation()
	g := NewGemini(Options{APIKey: "k", BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	assert.True(t, strings.HasPrefix(g.Explain(context.Background(), rec), "Recommendation produced by deterministic rules."))
}

func TestFallbackText(t *testing.T) {
	text := FallbackText(sampleRecommendation())
	require.Equal(t, "Recommendation produced by deterministic rules. Rules: R_PRIORITY_FAST, R_CONGESTION_LOW. "+
		"Mempool tx count: 30000, congestion: low. Explanation generated locally because Gemini is disabled or unavailable.", text)

	empty := FallbackText(advisor.Recommendation{})
	assert.Contains(t, empty, "Rules: none.")
	assert.Contains(t, empty, "congestion: uncertain.")
}
