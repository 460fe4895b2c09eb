package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btc-fee-agent/internal/advisor"
)

func testNotification() Notification {
	return Notification{
		At:             time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Previous:       advisor.StateModerate,
		Current:        advisor.StateCongested,
		Note:           "Network is congested; low fees may cause significant delays.",
		MempoolTxCount: 260000,
		FastestFee:     decimal.NewFromFloat(42.5),
		EconomyFee:     decimal.NewFromInt(8),
		Channels:       []string{"telegram"},
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	require.NoError(t, notifier.Notify(context.Background(), testNotification()))

	assert.Equal(t, "chat", received["chat_id"])
	assert.Contains(t, received["text"], "State: moderate -> congested")
	assert.Contains(t, received["text"], "Fastest: 42.50 sat/vB")
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	assert.Error(t, notifier.Notify(context.Background(), testNotification()))
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	err := notifier.Notify(context.Background(), testNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Notify(context.Context, Notification) error {
	f.calls++
	return errors.New("boom")
}

func TestMultiDeliversToAll(t *testing.T) {
	first, second := &failingNotifier{}, &failingNotifier{}
	err := Multi{first, NewLogNotifier(testLogger()), second}.Notify(context.Background(), testNotification())
	require.Error(t, err)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestRenderMessageFromUnknownState(t *testing.T) {
	note := testNotification()
	note.Previous = advisor.StateUnknown
	note.CacheUsed = true
	text := RenderMessage(note)
	assert.Contains(t, text, "State: unknown -> congested")
	assert.Contains(t, text, "cached snapshot")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
