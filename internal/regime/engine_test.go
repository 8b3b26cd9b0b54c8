package regime

import (
	"testing"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCfg() config.RegimeConfig {
	return config.RegimeConfig{
		WindowSize:    100,
		CompressionTh: 25,
		TrendTh:       65,
		ExpansionTh:   85,
		DefensiveTh:   90,
	}
}

// rankedSeries returns the distinct values 1..100 rearranged so the last
// element is exactly rank. With distinct values and inclusive ties, the
// percentile rank of the latest element equals its value.
func rankedSeries(rank int) []float64 {
	vals := make([]float64, 100)
	for i := range vals {
		vals[i] = float64(i + 1)
	}
	vals[rank-1], vals[99] = vals[99], vals[rank-1]
	return vals
}

// windowFor builds a 100-vector window whose latest entry lands on the given
// percentile ranks for sigmaNorm, bbWidth and |ema50Slope|.
func windowFor(sigmaPct, bbPct, slopePct int) []domain.FeatureVector {
	sigmas := rankedSeries(sigmaPct)
	widths := rankedSeries(bbPct)
	slopes := rankedSeries(slopePct)
	out := make([]domain.FeatureVector, 100)
	for i := 0; i < 100; i++ {
		out[i] = domain.FeatureVector{
			SigmaNorm:  sigmas[i],
			BBWidthPct: widths[i],
			EMA50Slope: slopes[i],
		}
	}
	return out
}

func TestClassifyOrderedPredicates(t *testing.T) {
	tests := []struct {
		name                      string
		sigmaPct, bbPct, slopePct int
		want                      domain.Regime
		wantEngine                domain.Engine
	}{
		{"compression", 25, 25, 20, domain.RegimeCompression, domain.EngineBreakout},
		{"expansion chaos", 90, 90, 20, domain.RegimeExpansionChaos, domain.EngineDefensive},
		{"trend", 65, 40, 65, domain.RegimeTrend, domain.EngineContinuation},
		{"range", 50, 50, 50, domain.RegimeRange, domain.EngineReversal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(windowFor(tt.sigmaPct, tt.bbPct, tt.slopePct), testCfg())
			assert.Equal(t, tt.want, d.Regime)
			assert.Equal(t, tt.wantEngine, d.Engine)
			assert.False(t, d.Defensive)
		})
	}
}

func TestClassifyExpansionWinsOverTrend(t *testing.T) {
	// Expansion and trend predicates both hold here; the ordered check must
	// pick expansion first.
	d := Classify(windowFor(90, 90, 90), testCfg())
	assert.Equal(t, domain.RegimeExpansionChaos, d.Regime)
}

type fakeStore struct {
	decisions []domain.RegimeDecision
}

func (f *fakeStore) UpsertRegime(d domain.RegimeDecision) error {
	f.decisions = append(f.decisions, d)
	return nil
}

func TestDefensiveOverride(t *testing.T) {
	store := &fakeStore{}
	b := bus.New(bus.Direct)
	e := NewEngine(store, b, testCfg())

	var updates []domain.RegimeDecision
	b.Subscribe(bus.EventRegimeUpdated, func(evt bus.Event) error {
		updates = append(updates, evt.Payload.(domain.RegimeDecision))
		return nil
	})

	base := int64(1700000000000)
	for i := 0; i < 10; i++ {
		f := domain.FeatureVector{
			Symbol:           "BTCUSDT",
			Timeframe:        "5m",
			CloseTime:        base + int64(i+1)*300_000,
			SigmaNorm:        0.80 + float64(i)*0.01,
			BBWidthPct:       0.70 + float64(i)*0.01,
			EMA50Slope:       0.030 + float64(i)*0.001,
			VolumePercentile: 50,
		}
		if i == 9 {
			f.VolumePercentile = 95
		}
		require.NoError(t, e.OnFeature(f))
	}

	require.Len(t, updates, 10)
	final := updates[9]
	assert.True(t, final.Defensive)
	assert.Equal(t, domain.EngineDefensive, final.Engine)
	assert.Equal(t, base+10*300_000, final.CloseTime5m)
	assert.Equal(t, final, store.decisions[9])
}

func TestEngineIgnoresNon5mFeatures(t *testing.T) {
	store := &fakeStore{}
	b := bus.New(bus.Direct)
	e := NewEngine(store, b, testCfg())
	unsub := e.Register()
	defer unsub()

	b.Publish(bus.EventFeaturesReady, domain.FeatureVector{Symbol: "BTCUSDT", Timeframe: "1m"})
	assert.Empty(t, store.decisions)

	b.Publish(bus.EventFeaturesReady, domain.FeatureVector{Symbol: "BTCUSDT", Timeframe: "5m", SigmaNorm: 1})
	assert.Len(t, store.decisions, 1)
}

func TestWindowBounded(t *testing.T) {
	cfg := testCfg()
	cfg.WindowSize = 5
	e := NewEngine(&fakeStore{}, bus.New(bus.Direct), cfg)
	for i := 0; i < 12; i++ {
		require.NoError(t, e.OnFeature(domain.FeatureVector{Symbol: "BTCUSDT", Timeframe: "5m", SigmaNorm: float64(i)}))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Len(t, e.windows["BTCUSDT"].features, 5)
}
