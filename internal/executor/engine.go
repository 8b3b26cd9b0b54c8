package executor

import (
	"context"
	"strings"
	"time"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/gateway/exchange"
	"kairos/internal/logger"
	"kairos/internal/position"

	"github.com/google/uuid"
)

// Outcome of one execution attempt.
type Outcome string

const (
	OutcomeFilled   Outcome = "FILLED"
	OutcomeCanceled Outcome = "CANCELED"
	OutcomeSkipped  Outcome = "SKIPPED"
)

// Fallback modes applied after the limit timeout.
const (
	FallbackMarket       = "MARKET"
	FallbackReplaceLimit = "REPLACE_LIMIT"
)

// Report summarizes one Execute call.
type Report struct {
	Outcome  Outcome
	Reason   string
	Key      string
	Position *domain.Position
}

// Confirmation probes whether the signal is still worth chasing after the
// limit timed out.
type Confirmation func() bool

// Store is the order/fill/position persistence the engine writes through.
type Store interface {
	OrderByExternalID(externalID string) (*domain.Order, error)
	InsertOrder(o domain.Order) (int64, error)
	UpdateOrderStatus(id int64, status domain.OrderStatus, nowMs int64) error
	InsertFill(f domain.Fill) (int64, error)
	InsertPosition(p domain.Position) error
}

// Engine places limit-first orders with a bounded wait and an idempotency key
// derived from the plan, so a redelivered intent can never double-submit.
type Engine struct {
	store Store
	api   exchange.OrderAPI
	bus   *bus.Bus
	cfg   config.ExecutionConfig

	sleep func(time.Duration)
	now   func() time.Time
}

func NewEngine(store Store, api exchange.OrderAPI, b *bus.Bus, cfg config.ExecutionConfig) *Engine {
	return &Engine{store: store, api: api, bus: b, cfg: cfg, sleep: time.Sleep, now: time.Now}
}

// Register subscribes the engine to risk.approved. The default confirmation
// re-checks the plan expiry against the wall clock.
func (e *Engine) Register(ctx context.Context) func() {
	return e.bus.Subscribe(bus.EventRiskApproved, func(evt bus.Event) error {
		intent, ok := evt.Payload.(domain.OrderIntent)
		if !ok {
			return nil
		}
		confirm := func() bool { return intent.Plan.ExpiresAt > e.now().UnixMilli() }
		_, err := e.Execute(ctx, intent, confirm)
		return err
	})
}

type planIdentity struct {
	Symbol     string        `json:"symbol"`
	Side       domain.Side   `json:"side"`
	EntryPrice float64       `json:"entryPrice"`
	ExpiresAt  int64         `json:"expiresAt"`
	Engine     domain.Engine `json:"engine"`
}

// IdempotencyKey is stable across redeliveries of the same plan.
func IdempotencyKey(plan domain.TradePlan) string {
	return "exec-" + domain.ShortHash(planIdentity{
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		EntryPrice: plan.EntryPrice,
		ExpiresAt:  plan.ExpiresAt,
		Engine:     plan.Engine,
	})
}

// Execute runs the limit-first algorithm for one intent.
func (e *Engine) Execute(ctx context.Context, intent domain.OrderIntent, confirm Confirmation) (Report, error) {
	key := IdempotencyKey(intent.Plan)
	plan := intent.Plan

	existing, err := e.store.OrderByExternalID(key)
	if err != nil {
		return Report{}, err
	}
	if existing != nil {
		logger.Infof("executor: %s already submitted as order %d, skipping", key, existing.ID)
		e.audit(domain.AuditInfo, "duplicate intent skipped", "duplicate_intent", key, plan, nil)
		return Report{Outcome: OutcomeSkipped, Reason: "duplicate intent", Key: key}, nil
	}

	ack, err := e.api.PlaceLimit(ctx, exchange.OrderRequest{
		Symbol:        plan.Symbol,
		Side:          string(plan.Side),
		Price:         plan.EntryPrice,
		Qty:           intent.Qty,
		Leverage:      plan.Leverage,
		ClientOrderID: key,
	})
	if err != nil {
		return Report{}, err
	}

	nowMs := e.now().UnixMilli()
	order := domain.Order{
		ExternalID: key,
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Type:       domain.OrderTypeLimit,
		Price:      plan.EntryPrice,
		Qty:        intent.Qty,
		Status:     statusFromAck(ack.Status),
		CreatedAt:  nowMs,
		UpdatedAt:  nowMs,
	}
	order.ID, err = e.store.InsertOrder(order)
	if err != nil {
		return Report{}, err
	}
	e.bus.Publish(bus.EventOrderSubmitted, order)
	e.audit(domain.AuditInfo, "limit order submitted", "", key, plan, map[string]any{
		"price": plan.EntryPrice,
		"qty":   intent.Qty,
	})

	if ack.Filled() {
		return e.settleFill(order, plan, fillPrice(ack, plan.EntryPrice), ack.Fee)
	}

	timeout := intent.TimeoutMs
	if timeout <= 0 {
		timeout = e.cfg.LimitTimeoutMs
	}
	e.sleep(time.Duration(timeout) * time.Millisecond)

	requeried, err := e.api.OrderStatus(ctx, plan.Symbol, key)
	if err == nil && requeried.Filled() {
		return e.settleFill(order, plan, fillPrice(requeried, plan.EntryPrice), requeried.Fee)
	}

	if confirm != nil && !confirm() {
		if err := e.api.CancelOrder(ctx, plan.Symbol, key); err != nil {
			logger.Warnf("executor: cancel %s failed: %v", key, err)
		}
		if err := e.store.UpdateOrderStatus(order.ID, domain.OrderStatusCanceled, e.now().UnixMilli()); err != nil {
			return Report{}, err
		}
		order.Status = domain.OrderStatusCanceled
		e.bus.Publish(bus.EventOrderCanceled, order)
		e.audit(domain.AuditWarn, "limit canceled after timeout", "execution.execution_cancel", key, plan, nil)
		return Report{Outcome: OutcomeCanceled, Reason: "signal no longer valid", Key: key}, nil
	}

	switch strings.ToUpper(e.cfg.Fallback) {
	case FallbackReplaceLimit:
		return e.replaceLimit(ctx, order, intent, key)
	default:
		return e.marketFallback(ctx, order, intent, key)
	}
}

func (e *Engine) marketFallback(ctx context.Context, order domain.Order, intent domain.OrderIntent, key string) (Report, error) {
	plan := intent.Plan
	if err := e.api.CancelOrder(ctx, plan.Symbol, key); err != nil {
		logger.Warnf("executor: cancel %s before market fallback failed: %v", key, err)
	}
	ack, err := e.api.PlaceMarket(ctx, exchange.OrderRequest{
		Symbol:        plan.Symbol,
		Side:          string(plan.Side),
		Qty:           intent.Qty,
		Leverage:      plan.Leverage,
		ClientOrderID: key + "-mkt",
	})
	if err != nil {
		return Report{}, err
	}
	e.audit(domain.AuditInfo, "market fallback placed", "", key, plan, nil)
	return e.settleFill(order, plan, fillPrice(ack, plan.EntryPrice), ack.Fee)
}

func (e *Engine) replaceLimit(ctx context.Context, order domain.Order, intent domain.OrderIntent, key string) (Report, error) {
	plan := intent.Plan
	if err := e.api.CancelOrder(ctx, plan.Symbol, key); err != nil {
		logger.Warnf("executor: cancel %s before replacement failed: %v", key, err)
	}
	offset := e.cfg.ReplacementOffsetPct / 100
	price := plan.EntryPrice * (1 + offset)
	if plan.Side == domain.SideShort {
		price = plan.EntryPrice * (1 - offset)
	}
	ack, err := e.api.PlaceLimit(ctx, exchange.OrderRequest{
		Symbol:        plan.Symbol,
		Side:          string(plan.Side),
		Price:         price,
		Qty:           intent.Qty,
		Leverage:      plan.Leverage,
		ClientOrderID: key + "-repl",
	})
	if err != nil {
		return Report{}, err
	}
	if !ack.Filled() {
		if err := e.api.CancelOrder(ctx, plan.Symbol, key+"-repl"); err != nil {
			logger.Warnf("executor: cancel replacement %s failed: %v", key, err)
		}
		if err := e.store.UpdateOrderStatus(order.ID, domain.OrderStatusCanceled, e.now().UnixMilli()); err != nil {
			return Report{}, err
		}
		order.Status = domain.OrderStatusCanceled
		e.bus.Publish(bus.EventOrderCanceled, order)
		e.audit(domain.AuditWarn, "replacement limit canceled", "execution.execution_cancel", key, plan, nil)
		return Report{Outcome: OutcomeCanceled, Reason: "replacement limit not filled", Key: key}, nil
	}
	e.audit(domain.AuditInfo, "replacement limit filled", "", key, plan, map[string]any{"price": price})
	return e.settleFill(order, plan, fillPrice(ack, price), ack.Fee)
}

// settleFill persists the fill and the opened position in one pass and flips
// the order to FILLED.
func (e *Engine) settleFill(order domain.Order, plan domain.TradePlan, price, fee float64) (Report, error) {
	nowMs := e.now().UnixMilli()
	fill := domain.Fill{OrderID: order.ID, Price: price, Qty: order.Qty, Fee: fee, Ts: nowMs}
	if _, err := e.store.InsertFill(fill); err != nil {
		return Report{}, err
	}

	stop := position.BuildInitialStop(price, plan.ATRPct, plan.Side, 1)
	pos := domain.Position{
		ID:               uuid.NewString(),
		Symbol:           plan.Symbol,
		Side:             plan.Side,
		EntryPrice:       price,
		InitialStopPrice: stop,
		StopPrice:        stop,
		Qty:              order.Qty,
		RemainingQty:     order.Qty,
		State:            domain.PositionStateOpen,
		ATRPct:           plan.ATRPct,
		ParamsVersionID:  plan.ParamsVersionID,
		OpenedAt:         nowMs,
		UpdatedAt:        nowMs,
	}
	if err := e.store.InsertPosition(pos); err != nil {
		return Report{}, err
	}
	if err := e.store.UpdateOrderStatus(order.ID, domain.OrderStatusFilled, nowMs); err != nil {
		return Report{}, err
	}

	logger.Infof("executor: %s filled %.6f %s @ %.4f", order.ExternalID, order.Qty, plan.Symbol, price)
	e.bus.Publish(bus.EventOrderFilled, pos)
	e.audit(domain.AuditInfo, "order filled", "", order.ExternalID, plan, map[string]any{
		"fillPrice":  price,
		"positionId": pos.ID,
	})
	return Report{Outcome: OutcomeFilled, Key: order.ExternalID, Position: &pos}, nil
}

func statusFromAck(status string) domain.OrderStatus {
	switch status {
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED":
		return domain.OrderStatusCanceled
	case "REJECTED":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}

func fillPrice(ack *exchange.OrderAck, fallback float64) float64 {
	if ack.AvgPrice > 0 {
		return ack.AvgPrice
	}
	if ack.Price > 0 {
		return ack.Price
	}
	return fallback
}

func (e *Engine) audit(level domain.AuditLevel, message, reason, key string, plan domain.TradePlan, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["symbol"] = plan.Symbol
	meta["engine"] = string(plan.Engine)
	meta["key"] = key
	e.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:              uuid.NewString(),
		Ts:              e.now().UnixMilli(),
		Step:            "executor.engine",
		Level:           level,
		Message:         message,
		Reason:          reason,
		InputsHash:      domain.HashObject(plan),
		ParamsVersionID: plan.ParamsVersionID,
		Metadata:        meta,
	})
}
