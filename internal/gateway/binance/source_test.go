package binance

import (
	"context"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKlines struct {
	symbol   string
	interval string
	limit    int
	rows     []*futures.Kline
	err      error
}

func (f *fakeKlines) Do(ctx context.Context, opts ...futures.RequestOption) ([]*futures.Kline, error) {
	return f.rows, f.err
}

func bar(closeTime int64, o, h, l, c string) *futures.Kline {
	return &futures.Kline{
		OpenTime:  closeTime - 60_000,
		CloseTime: closeTime,
		Open:      o,
		High:      h,
		Low:       l,
		Close:     c,
		Volume:    "12.5",
	}
}

func newFakeSource(fake *fakeKlines, nowMs int64) *Source {
	s := New("", 0)
	s.now = func() time.Time { return time.UnixMilli(nowMs) }
	s.newKlines = func(symbol, interval string, limit int) klineAPI {
		fake.symbol, fake.interval, fake.limit = symbol, interval, limit
		return fake
	}
	return s
}

func TestKlinesMapsAndDropsOpenBar(t *testing.T) {
	now := int64(1700010059000)
	fake := &fakeKlines{rows: []*futures.Kline{
		bar(1700009940000, "100", "101", "99.5", "100.5"),
		bar(1700010000000, "100.5", "102", "100", "101.5"),
		bar(1700010060000, "101.5", "103", "101", "102"),
	}}
	s := newFakeSource(fake, now)

	out, err := s.Klines(context.Background(), "BTCUSDT", "1m", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.limit)
	assert.Equal(t, "1m", fake.interval)
	assert.Equal(t, "BTCUSDT", fake.symbol)

	require.Len(t, out, 2, "in-progress bar is dropped")
	last := out[1]
	assert.Equal(t, int64(1700010000000), last.CloseTime)
	assert.Equal(t, "BTCUSDT", last.Symbol)
	assert.Equal(t, "1m", last.Timeframe)
	assert.Equal(t, 101.5, last.Close)
	assert.Equal(t, 12.5, last.Volume)
}

func TestKlinesTrimsToLimit(t *testing.T) {
	fake := &fakeKlines{rows: []*futures.Kline{
		bar(1700009940000, "100", "101", "99", "100.5"),
		bar(1700010000000, "100.5", "102", "100", "101.5"),
	}}
	s := newFakeSource(fake, 1700010060000)

	out, err := s.Klines(context.Background(), "BTCUSDT", "1m", 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1700010000000), out[0].CloseTime)
}

func TestKlinesRejectsBrokenBar(t *testing.T) {
	fake := &fakeKlines{rows: []*futures.Kline{
		bar(1700010000000, "100", "99", "98", "100.5"),
	}}
	s := newFakeSource(fake, 1700010060000)

	_, err := s.Klines(context.Background(), "BTCUSDT", "1m", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed validation")
}

func TestKlinesRequiresSymbol(t *testing.T) {
	s := newFakeSource(&fakeKlines{}, 1700010060000)
	_, err := s.Klines(context.Background(), "  ", "1m", 5)
	require.Error(t, err)
}

func TestNewOverridesBaseURL(t *testing.T) {
	s := New("https://testnet.binancefuture.com", 2*time.Second)
	assert.Equal(t, "https://testnet.binancefuture.com", s.client.BaseURL)
	require.NotNil(t, s.client.HTTPClient)
	assert.Equal(t, 2*time.Second, s.client.HTTPClient.Timeout)
}
