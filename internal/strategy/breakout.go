package strategy

import (
	"math"

	"kairos/internal/analysis/indicator"
	"kairos/internal/config"
	"kairos/internal/domain"
)

const breakoutExpiryMs = 5 * 60 * 1000

// Breakout trades compression ranges on the 1m frame: a tight quiet range
// whose last bars close beyond the range barrier on elevated volume.
type Breakout struct {
	store  CandleStore
	cfg    config.BreakoutConfig
	common Common
}

func NewBreakout(store CandleStore, cfg config.BreakoutConfig, common Common) *Breakout {
	return &Breakout{store: store, cfg: cfg, common: common}
}

func (e *Breakout) Name() domain.Engine { return domain.EngineBreakout }

func (e *Breakout) Evaluate(f domain.FeatureVector, regime domain.RegimeDecision) (Result, error) {
	if f.BBWidthPercentile > e.cfg.CompressionPercentileMax {
		return rejected("bb_width_above_compression_max"), nil
	}
	if f.VolumePercentile < e.cfg.VolumePercentileMin {
		return rejected("volume_below_breakout_min"), nil
	}

	need := e.cfg.RangeLookbackBars + e.cfg.ConfirmationBars + 1
	candles, err := e.store.RecentCandles(f.Symbol, "1m", f.CloseTime, need)
	if err != nil {
		return Result{}, err
	}
	if len(candles) < need {
		return rejected("insufficient_breakout_history"), nil
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}
	split := len(closes) - e.cfg.ConfirmationBars
	baseline := closes[:split]
	recent := closes[split:]

	upper := maxOf(baseline) * (1 + e.cfg.BreakoutBufferPct/100)
	lower := minOf(baseline) * (1 - e.cfg.BreakoutBufferPct/100)

	var side domain.Side
	switch {
	case allAbove(recent, upper):
		side = domain.SideLong
	case allBelow(recent, lower):
		side = domain.SideShort
	default:
		return rejected("no_breakout_confirmation"), nil
	}

	rawLev := e.cfg.LeverageBase / math.Sqrt(math.Max(f.SigmaNorm, 1e-8))
	leverage := indicator.Clamp(
		indicator.Clamp(rawLev, e.cfg.LeverageMin, e.cfg.LeverageMax),
		e.cfg.LeverageMin, e.common.ExchangeMaxLeverage)

	return Result{
		Triggered: true,
		Plan: domain.TradePlan{
			Symbol:          f.Symbol,
			Side:            side,
			Engine:          domain.EngineBreakout,
			EntryPrice:      closes[len(closes)-1],
			StopPct:         e.cfg.Kb * f.ATRPct,
			TPModel:         domain.TPModelA,
			Leverage:        leverage,
			MarginPct:       e.common.MarginPct,
			ATRPct:          f.ATRPct,
			ExpiresAt:       f.CloseTime + breakoutExpiryMs,
			Reason:          "compression breakout",
			ParamsVersionID: baselineVersion,
			Confidence:      indicator.Clamp(f.VolumePercentile/100, 0, 1),
		},
	}, nil
}

func maxOf(values []float64) float64 {
	out := values[0]
	for _, v := range values[1:] {
		if v > out {
			out = v
		}
	}
	return out
}

func minOf(values []float64) float64 {
	out := values[0]
	for _, v := range values[1:] {
		if v < out {
			out = v
		}
	}
	return out
}

func allAbove(values []float64, th float64) bool {
	for _, v := range values {
		if v <= th {
			return false
		}
	}
	return true
}

func allBelow(values []float64, th float64) bool {
	for _, v := range values {
		if v >= th {
			return false
		}
	}
	return true
}
