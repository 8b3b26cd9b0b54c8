package strategy

import (
	"testing"

	"kairos/internal/config"
	"kairos/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func continuationCfg() config.ContinuationConfig {
	return config.ContinuationConfig{
		ConfirmationBars: 2,
		PullbackZonePct:  0.25,
		Ks:               0.9,
		SigmaMin:         0.8,
		SigmaMax:         3,
		LeverageBands: []config.LeverageBand{
			{MaxSigmaNorm: 1.0, Leverage: 8},
			{MaxSigmaNorm: 1.5, Leverage: 6},
			{MaxSigmaNorm: 2.0, Leverage: 4},
			{MaxSigmaNorm: 3.0, Leverage: 2},
		},
	}
}

func continuationFeature() domain.FeatureVector {
	return domain.FeatureVector{
		Symbol:    "BTCUSDT",
		Timeframe: "5m",
		CloseTime: 1700003000000,
		ATRPct:    1.0,
		SigmaNorm: 0.9,
		EMA20:     100,
		EMA50:     100.2,
		EMA200:    99,
	}
}

func continuationCandles(prevHigh, prevLow, latestClose float64) []domain.Candle {
	return []domain.Candle{
		{Symbol: "BTCUSDT", Timeframe: "5m", CloseTime: 1700002700000,
			Open: prevLow, High: prevHigh, Low: prevLow, Close: prevHigh},
		{Symbol: "BTCUSDT", Timeframe: "5m", CloseTime: 1700003000000,
			Open: latestClose - 0.1, High: latestClose + 0.1, Low: latestClose - 0.2, Close: latestClose},
	}
}

func TestContinuationLongTrigger(t *testing.T) {
	// Uptrend (ema50 >= ema200), close back inside the EMA zone and above
	// both the prior high and ema20.
	store := &fakeCandleStore{candles: continuationCandles(100.05, 99.8, 100.3)}
	e := NewContinuation(store, continuationCfg(), testCommon())

	res, err := e.Evaluate(continuationFeature(), domain.RegimeDecision{})
	require.NoError(t, err)
	require.True(t, res.Triggered, res.Reason)

	plan := res.Plan
	assert.Equal(t, domain.SideLong, plan.Side)
	assert.Equal(t, 100.3, plan.EntryPrice)
	assert.InDelta(t, 0.9*1.0, plan.StopPct, 1e-9)
	assert.Equal(t, domain.TPModelB, plan.TPModel)
	// sigmaNorm 0.9 falls in the first band.
	assert.Equal(t, 8.0, plan.Leverage)
	assert.Equal(t, int64(1700003000000+10*60_000), plan.ExpiresAt)
}

func TestContinuationShortTrigger(t *testing.T) {
	f := continuationFeature()
	f.EMA50 = 98.5
	f.EMA200 = 99.5
	f.EMA20 = 99.0
	// Downtrend: close inside the zone, below prior low and below ema20.
	store := &fakeCandleStore{candles: continuationCandles(99.4, 98.9, 98.7)}
	e := NewContinuation(store, continuationCfg(), testCommon())

	res, err := e.Evaluate(f, domain.RegimeDecision{})
	require.NoError(t, err)
	require.True(t, res.Triggered, res.Reason)
	assert.Equal(t, domain.SideShort, res.Plan.Side)
}

func TestContinuationRejections(t *testing.T) {
	t.Run("outside pullback zone", func(t *testing.T) {
		store := &fakeCandleStore{candles: continuationCandles(100.05, 99.8, 103)}
		e := NewContinuation(store, continuationCfg(), testCommon())
		res, err := e.Evaluate(continuationFeature(), domain.RegimeDecision{})
		require.NoError(t, err)
		assert.Equal(t, "price_outside_pullback_zone", res.Reason)
	})

	t.Run("no confirmation close", func(t *testing.T) {
		// Inside the zone but below the prior high.
		store := &fakeCandleStore{candles: continuationCandles(100.4, 99.9, 100.1)}
		e := NewContinuation(store, continuationCfg(), testCommon())
		res, err := e.Evaluate(continuationFeature(), domain.RegimeDecision{})
		require.NoError(t, err)
		assert.Equal(t, "no_continuation_confirmation", res.Reason)
	})

	t.Run("short history", func(t *testing.T) {
		store := &fakeCandleStore{candles: continuationCandles(100, 99, 100)[:1]}
		e := NewContinuation(store, continuationCfg(), testCommon())
		res, err := e.Evaluate(continuationFeature(), domain.RegimeDecision{})
		require.NoError(t, err)
		assert.Equal(t, "insufficient_continuation_history", res.Reason)
	})
}

func TestContinuationBandWalk(t *testing.T) {
	e := NewContinuation(&fakeCandleStore{}, continuationCfg(), testCommon())

	tests := []struct {
		sigma float64
		want  float64
	}{
		{0.5, 8},  // clamped up to 0.8, first band
		{1.2, 6},  // second band
		{1.9, 4},  // third band
		{2.5, 2},  // last band
		{9.0, 2},  // clamped to sigmaMax 3, last band
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.bandLeverage(tt.sigma), "sigma %v", tt.sigma)
	}
}
