package notifier

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"kairos/internal/bus"
	"kairos/internal/domain"
	"kairos/internal/position"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSendsMarkdownPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottok/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("tok", "chat-1")
	tg.apiBase = srv.URL

	require.NoError(t, tg.SendText("hello"))
	assert.Equal(t, "chat-1", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, "Markdown", got["parse_mode"])
}

func TestTelegramRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegram("tok", "chat-1")
	tg.apiBase = srv.URL
	tg.sleep = func(time.Duration) {}

	require.NoError(t, tg.SendText("hello"))
	assert.Equal(t, int32(3), hits.Load())
}

func TestTelegramRequiresConfig(t *testing.T) {
	require.Error(t, NewTelegram("", "").SendText("x"))
}

func TestServiceRelaysFillsAndCloses(t *testing.T) {
	var sent []string
	b := bus.New(bus.Direct)
	svc := NewService(Func(func(text string) error {
		sent = append(sent, text)
		return nil
	}), b)
	svc.send = func(text string) { _ = svc.notifier.SendText(text) }
	svc.Register()

	b.Publish(bus.EventOrderFilled, domain.Position{
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		Qty:              0.5,
		EntryPrice:       100,
		InitialStopPrice: 99,
		ParamsVersionID:  "pv-7",
	})
	b.Publish(bus.EventPositionClosed, position.ClosedEvent{
		Symbol:    "BTCUSDT",
		Reason:    "stop hit",
		RealizedR: -1,
		ClosedAt:  1700000000000,
	})

	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "Position opened")
	assert.Contains(t, sent[0], "BTCUSDT LONG x0.5")
	assert.Contains(t, sent[0], "pv-7")
	assert.Contains(t, sent[1], "Position closed")
	assert.Contains(t, sent[1], "stop hit")
	assert.Contains(t, sent[1], "-1.00R")
	assert.Contains(t, sent[1], "2023-11-14")
}
