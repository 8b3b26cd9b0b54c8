// Package exchange talks to the derivatives venue over signed REST. The
// interfaces here are what the rest of the system depends on; paper trading
// and the Binance adapter provide alternative implementations.
package exchange

import (
	"context"
	"fmt"

	"kairos/internal/domain"
)

// CandleSource fetches historical klines for one symbol and timeframe.
// Candles come back oldest first.
type CandleSource interface {
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error)
}

// OrderAPI places and manages orders on the venue. All lookups go through
// the client order id so retries address the same venue order.
type OrderAPI interface {
	PlaceLimit(ctx context.Context, req OrderRequest) (*OrderAck, error)
	PlaceMarket(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	OrderStatus(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error)
}

// OrderRequest is the venue-facing order shape. ClientOrderID carries the
// idempotency key so a resubmitted request lands on the same venue order.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Price         float64 `json:"price,omitempty"`
	Qty           float64 `json:"qty"`
	Leverage      float64 `json:"leverage,omitempty"`
	ClientOrderID string  `json:"clientOrderId"`
}

// OrderAck is the venue's view of an order after placement or query.
type OrderAck struct {
	OrderID       string  `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	Price         float64 `json:"price"`
	ExecutedQty   float64 `json:"executedQty"`
	AvgPrice      float64 `json:"avgPrice"`
	Fee           float64 `json:"fee"`
	UpdateTime    int64   `json:"updateTime"`
}

// Filled reports whether the venue considers the order fully executed.
func (a *OrderAck) Filled() bool { return a != nil && a.Status == "FILLED" }

// APIError is a non-2xx response from the venue.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange api error: http=%d code=%d msg=%s", e.HTTPStatus, e.Code, e.Message)
}

// Retryable reports whether the request may be retried. Client errors other
// than rate limiting are permanent.
func (e *APIError) Retryable() bool {
	return e.HTTPStatus == 429 || e.HTTPStatus >= 500
}
