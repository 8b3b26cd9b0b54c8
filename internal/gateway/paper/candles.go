package paper

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"kairos/internal/domain"
	"kairos/internal/scheduler"
)

const basePrice = 100.0

// Klines synthesizes a deterministic random-walk series ending at the most
// recent closed bar. The walk depends only on (symbol, timeframe, closeTime),
// so repeated polls agree on overlapping bars.
func (g *Gateway) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	interval, ok := scheduler.ParseInterval(timeframe)
	if !ok {
		return nil, fmt.Errorf("paper: unknown timeframe %s", timeframe)
	}
	intervalMs := interval.Milliseconds()
	lastClose := g.now().UnixMilli() / intervalMs * intervalMs

	out := make([]domain.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		closeTime := lastClose - int64(i)*intervalMs
		open := walkPrice(symbol, timeframe, closeTime-intervalMs)
		clos := walkPrice(symbol, timeframe, closeTime)
		high := math.Max(open, clos) * 1.001
		low := math.Min(open, clos) * 0.999
		out = append(out, domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			CloseTime: closeTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     clos,
			Volume:    10 + float64(noise(symbol, timeframe, closeTime)%90),
		})
	}
	if len(out) > 0 {
		g.SetMarkPrice(symbol, out[len(out)-1].Close)
	}
	return out, nil
}

// walkPrice maps a bar onto a bounded oscillation around basePrice. A pure
// function of its inputs, which keeps the series stable across polls.
func walkPrice(symbol, timeframe string, closeTime int64) float64 {
	n := noise(symbol, timeframe, closeTime)
	phase := float64(n%1000) / 1000 * 2 * math.Pi
	drift := float64(closeTime/60_000%240) / 240 * 2 * math.Pi
	return basePrice * (1 + 0.02*math.Sin(drift) + 0.004*math.Sin(phase))
}

func noise(symbol, timeframe string, closeTime int64) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", symbol, timeframe, closeTime)
	return h.Sum64()
}
