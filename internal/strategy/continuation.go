package strategy

import (
	"math"

	"kairos/internal/analysis/indicator"
	"kairos/internal/config"
	"kairos/internal/domain"
)

const continuationExpiryMs = 10 * 60 * 1000

// Continuation joins an established 5m trend after a pullback into the EMA
// zone confirmed by a close beyond the prior bar.
type Continuation struct {
	store  CandleStore
	cfg    config.ContinuationConfig
	common Common
}

func NewContinuation(store CandleStore, cfg config.ContinuationConfig, common Common) *Continuation {
	return &Continuation{store: store, cfg: cfg, common: common}
}

func (e *Continuation) Name() domain.Engine { return domain.EngineContinuation }

func (e *Continuation) Evaluate(f domain.FeatureVector, regime domain.RegimeDecision) (Result, error) {
	side := domain.SideShort
	if f.EMA50 >= f.EMA200 {
		side = domain.SideLong
	}

	bars := e.cfg.ConfirmationBars
	if bars < 2 {
		bars = 2
	}
	candles, err := e.store.RecentCandles(f.Symbol, "5m", f.CloseTime, bars)
	if err != nil {
		return Result{}, err
	}
	if len(candles) < 2 {
		return rejected("insufficient_continuation_history"), nil
	}
	latest := candles[len(candles)-1]
	previous := candles[len(candles)-2]

	zoneLow := math.Min(f.EMA20, f.EMA50) * (1 - e.cfg.PullbackZonePct/100)
	zoneHigh := math.Max(f.EMA20, f.EMA50) * (1 + e.cfg.PullbackZonePct/100)
	if latest.Close < zoneLow || latest.Close > zoneHigh {
		return rejected("price_outside_pullback_zone"), nil
	}

	confirmed := false
	if side == domain.SideLong {
		confirmed = latest.Close > previous.High && latest.Close > f.EMA20
	} else {
		confirmed = latest.Close < previous.Low && latest.Close < f.EMA20
	}
	if !confirmed {
		return rejected("no_continuation_confirmation"), nil
	}

	return Result{
		Triggered: true,
		Plan: domain.TradePlan{
			Symbol:          f.Symbol,
			Side:            side,
			Engine:          domain.EngineContinuation,
			EntryPrice:      latest.Close,
			StopPct:         e.cfg.Ks * f.ATRPct,
			TPModel:         domain.TPModelB,
			Leverage:        e.bandLeverage(f.SigmaNorm),
			MarginPct:       e.common.MarginPct,
			ATRPct:          f.ATRPct,
			ExpiresAt:       f.CloseTime + continuationExpiryMs,
			Reason:          "trend pullback continuation",
			ParamsVersionID: baselineVersion,
			Confidence:      0.6,
		},
	}, nil
}

// bandLeverage walks the ascending bands and takes the first whose ceiling
// covers the clamped sigma-norm. Sigma past the last ceiling keeps the most
// conservative band.
func (e *Continuation) bandLeverage(sigmaNorm float64) float64 {
	clamped := indicator.Clamp(sigmaNorm, e.cfg.SigmaMin, e.cfg.SigmaMax)
	bands := e.cfg.LeverageBands
	if len(bands) == 0 {
		return 1
	}
	for _, band := range bands {
		if band.MaxSigmaNorm >= clamped {
			return band.Leverage
		}
	}
	return bands[len(bands)-1].Leverage
}
