// Package binance adapts the go-binance futures SDK to the candle source
// interface. Development-only alternative to the signed REST client, selected
// with market_data.source=binance.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"kairos/internal/domain"
	"kairos/internal/gateway/exchange"
	"kairos/internal/logger"

	"github.com/adshao/go-binance/v2/futures"
)

const maxKlineLimit = 1500

// klineAPI is the slice of the SDK the source uses.
type klineAPI interface {
	Do(ctx context.Context, opts ...futures.RequestOption) ([]*futures.Kline, error)
}

// Source fetches klines from Binance USD-M futures. Public market data only,
// so no credentials are required.
type Source struct {
	client *futures.Client

	newKlines func(symbol, interval string, limit int) klineAPI
	now       func() time.Time
}

var _ exchange.CandleSource = (*Source)(nil)

// New builds a source against the given base URL. An empty baseURL keeps the
// SDK default endpoint.
func New(baseURL string, timeout time.Duration) *Source {
	client := futures.NewClient("", "")
	if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
		client.BaseURL = trimmed
	}
	if timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: timeout}
	}
	s := &Source{client: client, now: time.Now}
	s.newKlines = func(symbol, interval string, limit int) klineAPI {
		return client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit)
	}
	return s
}

// Klines returns up to limit finalized bars, oldest first. The venue's
// trailing in-progress bar is dropped so every returned bar is closed.
func (s *Source) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	interval := strings.ToLower(strings.TrimSpace(timeframe))

	// Ask for one extra so dropping the open bar still yields limit rows.
	kls, err := s.newKlines(symbol, interval, limit+1).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s %s: %w", symbol, interval, err)
	}

	nowMs := s.now().UnixMilli()
	out := make([]domain.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		candle := domain.Candle{
			Symbol:    symbol,
			Timeframe: timeframe,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		}
		if !candle.Closed(nowMs) {
			continue
		}
		if !candle.Valid() {
			return nil, fmt.Errorf("binance: kline failed validation: %s %d", symbol, candle.CloseTime)
		}
		out = append(out, candle)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func parseFloat(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		logger.Debugf("binance: bad float %q: %v", raw, err)
		return 0
	}
	return v
}
