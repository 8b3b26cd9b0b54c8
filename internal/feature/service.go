// Package feature turns closed candles into FeatureVector rows feeding the
// regime engine and the strategy planner.
package feature

import (
	"math"
	"time"

	"kairos/internal/analysis/indicator"
	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/logger"

	"github.com/google/uuid"
)

const (
	historyLimit  = 260
	minCandles    = 205
	minReturns    = 30
	atrPeriod     = 14
	bollPeriod    = 20
	bollDev       = 2.0
	emaSlopeLag   = 5
	lambda5m      = 0.97
	lambda1m      = 0.94
	sqrt5         = 2.2360679774997896
	tinyThreshold = 1e-8
)

// Store is the repository slice the service needs.
type Store interface {
	RecentCandles(symbol, timeframe string, atOrBefore int64, limit int) ([]domain.Candle, error)
	UpsertFeature(f domain.FeatureVector) error
}

// Service recomputes the feature vector for every closed candle.
type Service struct {
	store Store
	bus   *bus.Bus
	cfg   config.FeaturesConfig
	now   func() time.Time
}

func NewService(store Store, b *bus.Bus, cfg config.FeaturesConfig) *Service {
	return &Service{store: store, bus: b, cfg: cfg, now: time.Now}
}

// Register subscribes the service to candle.closed.
func (s *Service) Register() func() {
	return s.bus.Subscribe(bus.EventCandleClosed, func(evt bus.Event) error {
		candle, ok := evt.Payload.(domain.Candle)
		if !ok {
			return nil
		}
		return s.OnCandleClosed(candle)
	})
}

// OnCandleClosed loads history ending at the candle, computes the vector,
// persists it and publishes features.ready. Short history skips silently.
func (s *Service) OnCandleClosed(candle domain.Candle) error {
	candles, err := s.store.RecentCandles(candle.Symbol, candle.Timeframe, candle.CloseTime, historyLimit)
	if err != nil {
		return err
	}
	vector, ok := Compute(candles, candle.Timeframe, s.cfg)
	if !ok {
		logger.Debugf("feature: %s %s @%d skipped, history too short (%d candles)",
			candle.Symbol, candle.Timeframe, candle.CloseTime, len(candles))
		return nil
	}
	if err := s.store.UpsertFeature(vector); err != nil {
		return err
	}
	s.bus.Publish(bus.EventFeaturesReady, vector)
	s.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:          uuid.NewString(),
		Ts:          s.now().UnixMilli(),
		Step:        "features.computed",
		Level:       domain.AuditInfo,
		Message:     "feature vector computed",
		InputsHash:  domain.HashObject(candle),
		OutputsHash: domain.HashObject(vector),
		Metadata: map[string]any{
			"symbol":    vector.Symbol,
			"timeframe": vector.Timeframe,
			"closeTime": vector.CloseTime,
		},
	})
	return nil
}

// Compute derives the feature vector from oldest-first candles. The second
// return is false when history is insufficient.
func Compute(candles []domain.Candle, timeframe string, cfg config.FeaturesConfig) (domain.FeatureVector, bool) {
	if len(candles) < minCandles {
		return domain.FeatureVector{}, false
	}
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	returns := indicator.LogReturns(closes)
	if len(returns) < minReturns {
		return domain.FeatureVector{}, false
	}

	lambda := lambda1m
	if timeframe == "5m" {
		lambda = lambda5m
	}
	sigmas := indicator.EWMASigmas(returns, lambda)
	ewmaSigma := sigmas[len(sigmas)-1]

	widths := indicator.BollWidthPct(closes, bollPeriod, bollDev)
	bbWidth := 0.0
	if len(widths) > 0 {
		bbWidth = widths[len(widths)-1]
	}
	widthSample := indicator.Tail(widths, cfg.BBWindow)

	volSample := indicator.Tail(volumes, cfg.VolumeWindow)
	latestVolume := volumes[n-1]

	last := candles[n-1]
	return domain.FeatureVector{
		Symbol:    last.Symbol,
		Timeframe: timeframe,
		CloseTime: last.CloseTime,

		LogReturn: returns[len(returns)-1],
		ATRPct:    indicator.ATRPct(highs, lows, closes, atrPeriod),
		EWMASigma: ewmaSigma,
		SigmaNorm: indicator.SigmaNorm(sigmas, cfg.SigmaWindow),
		VolPct5m:  ewmaSigma * sqrt5 * 100,

		BBWidthPct:        bbWidth,
		BBWidthPercentile: indicator.PercentileRank(widthSample, bbWidth),

		EMA20:      indicator.LastEMA(closes, 20),
		EMA50:      indicator.LastEMA(closes, 50),
		EMA200:     indicator.LastEMA(closes, 200),
		EMA50Slope: indicator.EMASlope(indicator.EMA(closes, 50), emaSlopeLag),

		VolumePct:        latestVolume / math.Max(tinyThreshold, indicator.Median(volSample)) * 100,
		VolumePercentile: indicator.PercentileRank(volSample, latestVolume),
	}, true
}
