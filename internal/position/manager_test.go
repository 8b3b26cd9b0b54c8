package position

import (
	"testing"
	"time"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	saved []domain.Position
}

func (f *fakeStore) UpdatePosition(p domain.Position) error {
	f.saved = append(f.saved, p)
	return nil
}

type fakeParams struct{ id string }

func (f *fakeParams) ActiveVersionID(atMs int64) string { return f.id }

func positionCfg() config.PositionConfig {
	return config.PositionConfig{
		TrailingATRMultiple:      1,
		HardExitOnExpansionChaos: true,
		HardExitOnRange:          false,
		ReduceRiskOnRangePct:     30,
		CooldownMs:               300_000,
	}
}

type managerHarness struct {
	mgr     *Manager
	store   *fakeStore
	updates []domain.Position
	closed  []ClosedEvent
	audits  []domain.AuditEvent
	nowMs   int64
}

func newManagerHarness(cfg config.PositionConfig, activeVersion string) *managerHarness {
	h := &managerHarness{store: &fakeStore{}, nowMs: 1700010000000}
	b := bus.New(bus.Direct)
	b.Subscribe(bus.EventPositionUpdated, func(evt bus.Event) error {
		h.updates = append(h.updates, evt.Payload.(domain.Position))
		return nil
	})
	b.Subscribe(bus.EventPositionClosed, func(evt bus.Event) error {
		h.closed = append(h.closed, evt.Payload.(ClosedEvent))
		return nil
	})
	b.Subscribe(bus.EventAuditEvent, func(evt bus.Event) error {
		h.audits = append(h.audits, evt.Payload.(domain.AuditEvent))
		return nil
	})
	h.mgr = NewManager(h.store, &fakeParams{id: activeVersion}, b, cfg)
	h.mgr.now = func() time.Time { return time.UnixMilli(h.nowMs) }
	return h
}

func longPosition() domain.Position {
	return domain.Position{
		ID:               "pos-1",
		Symbol:           "BTCUSDT",
		Side:             domain.SideLong,
		EntryPrice:       100,
		InitialStopPrice: 99,
		StopPrice:        99,
		Qty:              1,
		RemainingQty:     1,
		State:            domain.PositionStateOpen,
		ATRPct:           1,
		ParamsVersionID:  "pv-7",
		OpenedAt:         1700009000000,
	}
}

func (h *managerHarness) current(t *testing.T) domain.Position {
	t.Helper()
	require.NotEmpty(t, h.store.saved)
	return h.store.saved[len(h.store.saved)-1]
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		state State
		event FSMEvent
		want  State
	}{
		{StateNeutral, EventSignalArmed, StateArmed},
		{StateArmed, EventOrderSubmitted, StateEntering},
		{StateEntering, EventOrderFilled, StateInPosition},
		{StateInPosition, EventPositionClosed, StateCooldown},
		{StateCooldown, EventCooldownExpired, StateNeutral},
		{StateDefensive, EventDefensiveOff, StateNeutral},
		{StateNeutral, EventDefensiveOn, StateDefensive},
		{StateInPosition, EventDefensiveOn, StateDefensive},
		// Illegal pairs are identity.
		{StateNeutral, EventOrderFilled, StateNeutral},
		{StateArmed, EventPositionClosed, StateArmed},
		{StateInPosition, EventSignalArmed, StateInPosition},
		{StateCooldown, EventSignalArmed, StateCooldown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Transition(tt.state, tt.event), "%s + %s", tt.state, tt.event)
	}
}

func TestBuildInitialStop(t *testing.T) {
	assert.Equal(t, 99.0, BuildInitialStop(100, 1, domain.SideLong, 1))
	assert.Equal(t, 101.0, BuildInitialStop(100, 1, domain.SideShort, 1))
	assert.Equal(t, 98.0, BuildInitialStop(100, 1, domain.SideLong, 2))
}

func TestScaleOutAndTrailing(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-7")
	h.mgr.Track(longPosition())

	require.NoError(t, h.mgr.OnPrice("pos-1", 101, nil, nil))
	p := h.current(t)
	assert.True(t, p.Took1R)
	assert.InDelta(t, 0.5, p.RemainingQty, 1e-9)
	assert.InDelta(t, 0.5, p.RealizedR, 1e-9)

	require.NoError(t, h.mgr.OnPrice("pos-1", 102, nil, nil))
	p = h.current(t)
	assert.True(t, p.Took2R)
	assert.InDelta(t, 0.2, p.RemainingQty, 1e-9)
	assert.InDelta(t, 1.1, p.RealizedR, 1e-9)
	// Trailing armed at 102: stop ratchets to 102 - 1.0.
	assert.InDelta(t, 101, p.StopPrice, 1e-9)

	high := 103.5
	require.NoError(t, h.mgr.OnPrice("pos-1", 103, &high, nil))
	p = h.current(t)
	assert.InDelta(t, 102.5, p.StopPrice, 1e-9)
	assert.Equal(t, domain.PositionStateOpen, p.State)
	assert.Empty(t, h.closed)
}

func TestStopNeverRetreats(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-7")
	h.mgr.Track(longPosition())

	require.NoError(t, h.mgr.OnPrice("pos-1", 101, nil, nil))
	require.NoError(t, h.mgr.OnPrice("pos-1", 102, nil, nil))
	high := 104.0
	require.NoError(t, h.mgr.OnPrice("pos-1", 103.5, &high, nil))
	assert.InDelta(t, 103, h.current(t).StopPrice, 1e-9)

	// A weaker bar must not pull the stop back down. 102.9 stays above the
	// 103 stop? No: 102.9 <= 103 stops out at that price.
	require.NoError(t, h.mgr.OnPrice("pos-1", 102.9, nil, nil))
	require.Len(t, h.closed, 1)
	assert.Equal(t, "stop hit", h.closed[0].Reason)
}

func TestStopOutRealizesRemainder(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-7")
	h.mgr.advance("BTCUSDT", EventSignalArmed)
	h.mgr.advance("BTCUSDT", EventOrderSubmitted)
	h.mgr.Track(longPosition())

	require.NoError(t, h.mgr.OnPrice("pos-1", 98.5, nil, nil))
	require.Len(t, h.closed, 1)
	evt := h.closed[0]
	assert.Equal(t, "stop hit", evt.Reason)
	// Full qty lost 1.5 units of the 1.0 unit risk.
	assert.InDelta(t, -1.5, evt.RealizedR, 1e-9)
	p := h.current(t)
	assert.Equal(t, domain.PositionStateClosed, p.State)
	assert.Zero(t, p.RemainingQty)
	assert.Equal(t, StateCooldown, h.mgr.Lifecycle("BTCUSDT"))
}

func TestShortSideMirrors(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-7")
	p := longPosition()
	p.Side = domain.SideShort
	p.InitialStopPrice = 101
	p.StopPrice = 101
	h.mgr.Track(p)

	require.NoError(t, h.mgr.OnPrice("pos-1", 99, nil, nil))
	cur := h.current(t)
	assert.True(t, cur.Took1R)
	assert.InDelta(t, 0.5, cur.RealizedR, 1e-9)

	require.NoError(t, h.mgr.OnPrice("pos-1", 98, nil, nil))
	cur = h.current(t)
	assert.True(t, cur.Took2R)
	// Anchor 98, stop ratchets down to 99.
	assert.InDelta(t, 99, cur.StopPrice, 1e-9)

	low := 96.5
	require.NoError(t, h.mgr.OnPrice("pos-1", 97, nil, &low))
	assert.InDelta(t, 97.5, h.current(t).StopPrice, 1e-9)
}

func TestAllPartialsCompleteClose(t *testing.T) {
	cfg := positionCfg()
	h := newManagerHarness(cfg, "pv-7")
	p := longPosition()
	p.RemainingQty = 0.3
	p.Took1R = true
	h.mgr.Track(p)

	// The +2R partial consumes exactly what remains.
	require.NoError(t, h.mgr.OnPrice("pos-1", 102, nil, nil))
	require.Len(t, h.closed, 1)
	assert.Equal(t, "all partial exits completed", h.closed[0].Reason)
}

func TestRegimeChangeExits(t *testing.T) {
	t.Run("expansion chaos hard exit", func(t *testing.T) {
		h := newManagerHarness(positionCfg(), "pv-7")
		h.mgr.Track(longPosition())
		require.NoError(t, h.mgr.OnPrice("pos-1", 100.5, nil, nil))

		require.NoError(t, h.mgr.OnRegime(domain.RegimeDecision{
			Symbol: "BTCUSDT", Regime: domain.RegimeExpansionChaos,
		}))
		require.Len(t, h.closed, 1)
		assert.Equal(t, "hard exit on ExpansionChaos", h.closed[0].Reason)
	})

	t.Run("range reduces risk", func(t *testing.T) {
		h := newManagerHarness(positionCfg(), "pv-7")
		h.mgr.Track(longPosition())

		require.NoError(t, h.mgr.OnRegime(domain.RegimeDecision{
			Symbol: "BTCUSDT", Regime: domain.RegimeRange,
		}))
		assert.Empty(t, h.closed)
		assert.InDelta(t, 0.7, h.current(t).RemainingQty, 1e-9)
	})

	t.Run("range hard exit when configured", func(t *testing.T) {
		cfg := positionCfg()
		cfg.HardExitOnRange = true
		h := newManagerHarness(cfg, "pv-7")
		h.mgr.Track(longPosition())

		require.NoError(t, h.mgr.OnRegime(domain.RegimeDecision{
			Symbol: "BTCUSDT", Regime: domain.RegimeRange,
		}))
		require.Len(t, h.closed, 1)
		assert.Equal(t, "hard exit on Range", h.closed[0].Reason)
	})

	t.Run("other symbols untouched", func(t *testing.T) {
		h := newManagerHarness(positionCfg(), "pv-7")
		h.mgr.Track(longPosition())

		require.NoError(t, h.mgr.OnRegime(domain.RegimeDecision{
			Symbol: "ETHUSDT", Regime: domain.RegimeExpansionChaos,
		}))
		assert.Empty(t, h.closed)
	})
}

func TestParamDriftWarns(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-8")
	h.mgr.Track(longPosition())

	require.NoError(t, h.mgr.OnPrice("pos-1", 100.5, nil, nil))
	var drift *domain.AuditEvent
	for i := range h.audits {
		if h.audits[i].Step == "position.paramDrift" {
			drift = &h.audits[i]
			break
		}
	}
	require.NotNil(t, drift)
	assert.Equal(t, domain.AuditWarn, drift.Level)
	assert.Equal(t, "params_drift", drift.Reason)
	assert.Equal(t, "pv-7", drift.ParamsVersionID)
	assert.Equal(t, "pv-8", drift.Metadata["activeVersion"])
}

func TestCooldownExpiresIntoNeutral(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-7")
	h.mgr.advance("BTCUSDT", EventSignalArmed)
	h.mgr.advance("BTCUSDT", EventOrderSubmitted)
	h.mgr.Track(longPosition())
	require.NoError(t, h.mgr.OnPrice("pos-1", 98, nil, nil))
	assert.Equal(t, StateCooldown, h.mgr.Lifecycle("BTCUSDT"))

	h.nowMs += 300_000
	assert.Equal(t, StateNeutral, h.mgr.Lifecycle("BTCUSDT"))
}

func TestDefensiveLifecycle(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-7")
	require.NoError(t, h.mgr.OnRegime(domain.RegimeDecision{
		Symbol: "BTCUSDT", Regime: domain.RegimeTrend, Defensive: true,
	}))
	assert.Equal(t, StateDefensive, h.mgr.Lifecycle("BTCUSDT"))

	require.NoError(t, h.mgr.OnRegime(domain.RegimeDecision{
		Symbol: "BTCUSDT", Regime: domain.RegimeTrend,
	}))
	assert.Equal(t, StateNeutral, h.mgr.Lifecycle("BTCUSDT"))
}

func TestOnCandleRoutesBySymbol(t *testing.T) {
	h := newManagerHarness(positionCfg(), "pv-7")
	h.mgr.Track(longPosition())

	require.NoError(t, h.mgr.OnCandle(domain.Candle{
		Symbol: "BTCUSDT", Timeframe: "1m", CloseTime: 1700010000000,
		Open: 100.8, High: 101.2, Low: 100.7, Close: 101, Volume: 5,
	}))
	assert.True(t, h.current(t).Took1R)

	before := len(h.store.saved)
	require.NoError(t, h.mgr.OnCandle(domain.Candle{
		Symbol: "ETHUSDT", Timeframe: "1m", CloseTime: 1700010000000,
		Open: 10, High: 11, Low: 9, Close: 10, Volume: 5,
	}))
	assert.Len(t, h.store.saved, before)
}
