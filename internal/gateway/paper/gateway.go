// Package paper simulates the venue for development runs and tests. Orders
// never leave the process; fills follow a configurable policy so executor
// paths can be exercised deterministically.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"kairos/internal/bus"
	"kairos/internal/domain"
	"kairos/internal/gateway/exchange"
	"kairos/internal/logger"
)

// FillPolicy decides when a resting limit order fills.
type FillPolicy string

const (
	// FillImmediate fills limits on placement at the limit price.
	FillImmediate FillPolicy = "immediate"
	// FillNever leaves limits resting until canceled.
	FillNever FillPolicy = "never"
	// FillAfterRequery leaves the placement ack open and fills on the first
	// status query, which exercises the executor's timeout path.
	FillAfterRequery FillPolicy = "after-requery"
)

// Options tune the simulator.
type Options struct {
	FillPolicy  FillPolicy
	SlippageBps float64
}

type simOrder struct {
	req      exchange.OrderRequest
	status   string
	avgPrice float64
	market   bool
}

// Gateway is an in-process venue. It implements the order API and, for
// source=paper runs, a synthetic candle source.
type Gateway struct {
	opts Options

	mu     sync.Mutex
	last   map[string]float64
	orders map[string]*simOrder
	seq    int64

	now func() time.Time
}

var (
	_ exchange.OrderAPI     = (*Gateway)(nil)
	_ exchange.CandleSource = (*Gateway)(nil)
)

func New(opts Options) *Gateway {
	if opts.FillPolicy == "" {
		opts.FillPolicy = FillImmediate
	}
	return &Gateway{
		opts:   opts,
		last:   make(map[string]float64),
		orders: make(map[string]*simOrder),
		now:    time.Now,
	}
}

// Register keeps the simulator's mark prices in sync with closed candles.
func (g *Gateway) Register(b *bus.Bus) func() {
	return b.Subscribe(bus.EventCandleClosed, func(evt bus.Event) error {
		candle, ok := evt.Payload.(domain.Candle)
		if !ok {
			return nil
		}
		g.SetMarkPrice(candle.Symbol, candle.Close)
		return nil
	})
}

// SetMarkPrice pins the price market orders execute against.
func (g *Gateway) SetMarkPrice(symbol string, price float64) {
	g.mu.Lock()
	g.last[symbol] = price
	g.mu.Unlock()
}

func (g *Gateway) PlaceLimit(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.orders[req.ClientOrderID]; ok {
		return g.ackLocked(existing), nil
	}
	order := &simOrder{req: req, status: "NEW"}
	if g.opts.FillPolicy == FillImmediate {
		order.status = "FILLED"
		order.avgPrice = req.Price
	}
	g.orders[req.ClientOrderID] = order
	g.seq++
	logger.Debugf("paper: limit %s %s %v@%v -> %s", req.Symbol, req.Side, req.Qty, req.Price, order.status)
	return g.ackLocked(order), nil
}

func (g *Gateway) PlaceMarket(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.orders[req.ClientOrderID]; ok {
		return g.ackLocked(existing), nil
	}
	mark, ok := g.last[req.Symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no mark price for %s", req.Symbol)
	}
	slip := mark * g.opts.SlippageBps / 10_000
	price := mark + slip
	if strings.EqualFold(req.Side, string(domain.SideShort)) {
		price = mark - slip
	}
	order := &simOrder{req: req, status: "FILLED", avgPrice: price, market: true}
	g.orders[req.ClientOrderID] = order
	g.seq++
	logger.Debugf("paper: market %s %s %v@%v", req.Symbol, req.Side, req.Qty, price)
	return g.ackLocked(order), nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[clientOrderID]
	if !ok {
		return fmt.Errorf("paper: unknown order %s", clientOrderID)
	}
	if order.status == "NEW" {
		order.status = "CANCELED"
	}
	return nil
}

func (g *Gateway) OrderStatus(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", clientOrderID)
	}
	if order.status == "NEW" && g.opts.FillPolicy == FillAfterRequery {
		order.status = "FILLED"
		order.avgPrice = order.req.Price
	}
	return g.ackLocked(order), nil
}

func (g *Gateway) ackLocked(order *simOrder) *exchange.OrderAck {
	return &exchange.OrderAck{
		OrderID:       fmt.Sprintf("paper-%d", g.seq),
		ClientOrderID: order.req.ClientOrderID,
		Symbol:        order.req.Symbol,
		Status:        order.status,
		Price:         order.req.Price,
		ExecutedQty:   order.req.Qty,
		AvgPrice:      order.avgPrice,
		UpdateTime:    g.now().UnixMilli(),
	}
}
