package strategy

import (
	"math"

	"kairos/internal/analysis/indicator"
	"kairos/internal/config"
	"kairos/internal/domain"
)

const reversalExpiryMs = 10 * 60 * 1000

// Reversal fades touches of a 5m trading range boundary confirmed by a
// decisive bar body in the reverting direction.
type Reversal struct {
	store  CandleStore
	cfg    config.ReversalConfig
	common Common
}

func NewReversal(store CandleStore, cfg config.ReversalConfig, common Common) *Reversal {
	return &Reversal{store: store, cfg: cfg, common: common}
}

func (e *Reversal) Name() domain.Engine { return domain.EngineReversal }

func (e *Reversal) Evaluate(f domain.FeatureVector, regime domain.RegimeDecision) (Result, error) {
	candles, err := e.store.RecentCandles(f.Symbol, "5m", f.CloseTime, e.cfg.RangeLookbackBars)
	if err != nil {
		return Result{}, err
	}
	if len(candles) < e.cfg.RangeLookbackBars {
		return rejected("insufficient_reversal_history"), nil
	}

	rangeHigh, rangeLow := candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		rangeHigh = math.Max(rangeHigh, c.High)
		rangeLow = math.Min(rangeLow, c.Low)
	}

	latest := candles[len(candles)-1]
	touchedUpper := latest.Close >= rangeHigh*(1-e.cfg.TouchPct/100)
	touchedLower := latest.Close <= rangeLow*(1+e.cfg.TouchPct/100)
	if !touchedUpper && !touchedLower {
		return rejected("no_range_touch"), nil
	}

	bodyPct := math.Abs(latest.Close-latest.Open) / math.Max(1e-8, latest.Open) * 100
	if bodyPct < e.cfg.ConfirmationBodyPct {
		return rejected("body_below_confirmation"), nil
	}

	var side domain.Side
	switch {
	case touchedUpper && latest.Close < latest.Open && latest.High >= rangeHigh:
		side = domain.SideShort
	case touchedLower && latest.Close > latest.Open && latest.Low <= rangeLow:
		side = domain.SideLong
	default:
		return rejected("no_reversal_confirmation"), nil
	}

	rawLev := e.cfg.LeverageBase / indicator.Clamp(f.SigmaNorm, e.cfg.SigmaMin, e.cfg.SigmaMax)
	leverage := indicator.Clamp(
		indicator.Clamp(rawLev, e.cfg.LeverageMin, e.cfg.LeverageMax),
		e.cfg.LeverageMin, e.common.ExchangeMaxLeverage)

	return Result{
		Triggered: true,
		Plan: domain.TradePlan{
			Symbol:          f.Symbol,
			Side:            side,
			Engine:          domain.EngineReversal,
			EntryPrice:      latest.Close,
			StopPct:         e.cfg.Ks * f.ATRPct,
			TPModel:         domain.TPModelB,
			Leverage:        leverage,
			MarginPct:       e.common.MarginPct,
			ATRPct:          f.ATRPct,
			ExpiresAt:       f.CloseTime + reversalExpiryMs,
			Reason:          "range boundary reversal",
			ParamsVersionID: baselineVersion,
			Confidence:      indicator.Clamp(bodyPct/(e.cfg.ConfirmationBodyPct*10), 0, 1),
		},
	}, nil
}
