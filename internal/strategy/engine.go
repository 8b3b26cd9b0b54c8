// Package strategy hosts the per-regime entry engines and the planner that
// arbitrates between them.
package strategy

import (
	"kairos/internal/domain"
)

// CandleStore loads the history engines confirm against.
type CandleStore interface {
	RecentCandles(symbol, timeframe string, atOrBefore int64, limit int) ([]domain.Candle, error)
}

// Result is one engine evaluation. Reason carries the gate that rejected
// when Triggered is false.
type Result struct {
	Plan      domain.TradePlan
	Triggered bool
	Reason    string
}

func rejected(reason string) Result { return Result{Reason: reason} }

// Engine is a per-regime entry rule set.
type Engine interface {
	Name() domain.Engine
	Evaluate(f domain.FeatureVector, regime domain.RegimeDecision) (Result, error)
}

// Common carries the venue-wide bounds every engine shares.
type Common struct {
	ExchangeMaxLeverage float64
	MarginPct           float64
}

// baselineVersion is what engines stamp before the planner substitutes the
// real active param version.
const baselineVersion = "baseline"
