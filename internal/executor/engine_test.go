package executor

import (
	"context"
	"testing"
	"time"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/gateway/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	limitAcks   []*exchange.OrderAck
	marketAck   *exchange.OrderAck
	statusAck   *exchange.OrderAck
	limitReqs   []exchange.OrderRequest
	marketReqs  []exchange.OrderRequest
	cancelCalls int
}

func (f *fakeAPI) PlaceLimit(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	f.limitReqs = append(f.limitReqs, req)
	ack := f.limitAcks[0]
	if len(f.limitAcks) > 1 {
		f.limitAcks = f.limitAcks[1:]
	}
	return ack, nil
}

func (f *fakeAPI) PlaceMarket(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderAck, error) {
	f.marketReqs = append(f.marketReqs, req)
	return f.marketAck, nil
}

func (f *fakeAPI) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	f.cancelCalls++
	return nil
}

func (f *fakeAPI) OrderStatus(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderAck, error) {
	return f.statusAck, nil
}

type memStore struct {
	orders    map[string]domain.Order
	nextID    int64
	fills     []domain.Fill
	positions []domain.Position
	statuses  []domain.OrderStatus
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]domain.Order), nextID: 1}
}

func (s *memStore) OrderByExternalID(externalID string) (*domain.Order, error) {
	if o, ok := s.orders[externalID]; ok {
		return &o, nil
	}
	return nil, nil
}

func (s *memStore) InsertOrder(o domain.Order) (int64, error) {
	o.ID = s.nextID
	s.nextID++
	s.orders[o.ExternalID] = o
	return o.ID, nil
}

func (s *memStore) UpdateOrderStatus(id int64, status domain.OrderStatus, nowMs int64) error {
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *memStore) InsertFill(f domain.Fill) (int64, error) {
	s.fills = append(s.fills, f)
	return int64(len(s.fills)), nil
}

func (s *memStore) InsertPosition(p domain.Position) error {
	s.positions = append(s.positions, p)
	return nil
}

func execCfg() config.ExecutionConfig {
	return config.ExecutionConfig{LimitTimeoutMs: 2000, Fallback: "MARKET", ReplacementOffsetPct: 0.05}
}

func intent() domain.OrderIntent {
	return domain.OrderIntent{
		Plan: domain.TradePlan{
			Symbol:          "BTCUSDT",
			Side:            domain.SideLong,
			Engine:          domain.EngineBreakout,
			EntryPrice:      100,
			ATRPct:          1,
			ExpiresAt:       1700010300000,
			ParamsVersionID: "pv-7",
		},
		Qty:  0.5,
		Type: domain.OrderTypeLimit,
	}
}

func openAck() *exchange.OrderAck {
	return &exchange.OrderAck{ClientOrderID: "x", Status: "NEW"}
}

func filledAck(price float64) *exchange.OrderAck {
	return &exchange.OrderAck{ClientOrderID: "x", Status: "FILLED", AvgPrice: price}
}

type execHarness struct {
	engine   *Engine
	api      *fakeAPI
	store    *memStore
	filled   []domain.Position
	canceled []domain.Order
	slept    []time.Duration
}

func newExecHarness(cfg config.ExecutionConfig, api *fakeAPI) *execHarness {
	h := &execHarness{api: api, store: newMemStore()}
	b := bus.New(bus.Direct)
	b.Subscribe(bus.EventOrderFilled, func(evt bus.Event) error {
		h.filled = append(h.filled, evt.Payload.(domain.Position))
		return nil
	})
	b.Subscribe(bus.EventOrderCanceled, func(evt bus.Event) error {
		h.canceled = append(h.canceled, evt.Payload.(domain.Order))
		return nil
	})
	h.engine = NewEngine(h.store, api, b, cfg)
	h.engine.sleep = func(d time.Duration) { h.slept = append(h.slept, d) }
	h.engine.now = func() time.Time { return time.UnixMilli(1700010000000) }
	return h
}

func TestExecuteImmediateFill(t *testing.T) {
	api := &fakeAPI{limitAcks: []*exchange.OrderAck{filledAck(100)}}
	h := newExecHarness(execCfg(), api)

	report, err := h.engine.Execute(context.Background(), intent(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, report.Outcome)
	assert.Empty(t, h.slept, "no wait on an instant fill")

	require.Len(t, h.store.positions, 1)
	pos := h.store.positions[0]
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 99.0, pos.InitialStopPrice)
	assert.Equal(t, 99.0, pos.StopPrice)
	assert.Equal(t, 0.5, pos.Qty)
	assert.Equal(t, 0.5, pos.RemainingQty)
	assert.Equal(t, "pv-7", pos.ParamsVersionID)
	require.Len(t, h.store.fills, 1)
	assert.Equal(t, domain.OrderStatusFilled, h.store.statuses[len(h.store.statuses)-1])
	require.Len(t, h.filled, 1)
}

func TestExecuteTimeoutCancel(t *testing.T) {
	api := &fakeAPI{limitAcks: []*exchange.OrderAck{openAck()}, statusAck: openAck()}
	h := newExecHarness(execCfg(), api)

	report, err := h.engine.Execute(context.Background(), intent(), func() bool { return false })
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, report.Outcome)
	assert.Equal(t, "signal no longer valid", report.Reason)
	assert.Equal(t, 1, api.cancelCalls)
	assert.Equal(t, []time.Duration{2 * time.Second}, h.slept)
	assert.Empty(t, h.store.positions)
	require.Len(t, h.canceled, 1)
	assert.Equal(t, domain.OrderStatusCanceled, h.canceled[0].Status)
}

func TestExecuteIdempotency(t *testing.T) {
	api := &fakeAPI{limitAcks: []*exchange.OrderAck{filledAck(100)}}
	h := newExecHarness(execCfg(), api)

	first, err := h.engine.Execute(context.Background(), intent(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, first.Outcome)

	second, err := h.engine.Execute(context.Background(), intent(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Len(t, api.limitReqs, 1)
	assert.Len(t, h.store.positions, 1)
}

func TestExecuteKeyStability(t *testing.T) {
	a := IdempotencyKey(intent().Plan)
	b := IdempotencyKey(intent().Plan)
	assert.Equal(t, a, b)

	other := intent().Plan
	other.EntryPrice = 101
	assert.NotEqual(t, a, IdempotencyKey(other))
}

func TestExecuteFilledOnRequery(t *testing.T) {
	api := &fakeAPI{limitAcks: []*exchange.OrderAck{openAck()}, statusAck: filledAck(100.2)}
	h := newExecHarness(execCfg(), api)

	report, err := h.engine.Execute(context.Background(), intent(), func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, report.Outcome)
	assert.Zero(t, api.cancelCalls)
	require.Len(t, h.store.positions, 1)
	assert.Equal(t, 100.2, h.store.positions[0].EntryPrice)
}

func TestExecuteMarketFallback(t *testing.T) {
	api := &fakeAPI{
		limitAcks: []*exchange.OrderAck{openAck()},
		statusAck: openAck(),
		marketAck: filledAck(100.4),
	}
	h := newExecHarness(execCfg(), api)

	report, err := h.engine.Execute(context.Background(), intent(), func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, OutcomeFilled, report.Outcome)
	require.Len(t, api.marketReqs, 1)
	assert.Equal(t, api.limitReqs[0].ClientOrderID+"-mkt", api.marketReqs[0].ClientOrderID)
	require.Len(t, h.store.positions, 1)
	assert.Equal(t, 100.4, h.store.positions[0].EntryPrice)
}

func TestExecuteReplaceLimitFallback(t *testing.T) {
	cfg := execCfg()
	cfg.Fallback = "REPLACE_LIMIT"

	t.Run("replacement fills", func(t *testing.T) {
		api := &fakeAPI{
			limitAcks: []*exchange.OrderAck{openAck(), filledAck(0)},
			statusAck: openAck(),
		}
		h := newExecHarness(cfg, api)

		report, err := h.engine.Execute(context.Background(), intent(), func() bool { return true })
		require.NoError(t, err)
		assert.Equal(t, OutcomeFilled, report.Outcome)
		require.Len(t, api.limitReqs, 2)
		repl := api.limitReqs[1]
		assert.Equal(t, api.limitReqs[0].ClientOrderID+"-repl", repl.ClientOrderID)
		assert.InDelta(t, 100*(1+0.0005), repl.Price, 1e-9)
		require.Len(t, h.store.positions, 1)
		assert.InDelta(t, repl.Price, h.store.positions[0].EntryPrice, 1e-9)
	})

	t.Run("replacement misses", func(t *testing.T) {
		api := &fakeAPI{
			limitAcks: []*exchange.OrderAck{openAck(), openAck()},
			statusAck: openAck(),
		}
		h := newExecHarness(cfg, api)

		report, err := h.engine.Execute(context.Background(), intent(), func() bool { return true })
		require.NoError(t, err)
		assert.Equal(t, OutcomeCanceled, report.Outcome)
		assert.Equal(t, "replacement limit not filled", report.Reason)
		assert.Equal(t, 2, api.cancelCalls)
		assert.Empty(t, h.store.positions)
	})
}

func TestExecuteShortReplacementOffsetsDown(t *testing.T) {
	cfg := execCfg()
	cfg.Fallback = "REPLACE_LIMIT"
	api := &fakeAPI{
		limitAcks: []*exchange.OrderAck{openAck(), filledAck(0)},
		statusAck: openAck(),
	}
	h := newExecHarness(cfg, api)

	in := intent()
	in.Plan.Side = domain.SideShort
	_, err := h.engine.Execute(context.Background(), in, func() bool { return true })
	require.NoError(t, err)
	require.Len(t, api.limitReqs, 2)
	assert.InDelta(t, 100*(1-0.0005), api.limitReqs[1].Price, 1e-9)
}
