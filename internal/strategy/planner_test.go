package strategy

import (
	"testing"
	"time"

	"kairos/internal/bus"
	"kairos/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegimeStore struct {
	decision *domain.RegimeDecision
}

func (f *fakeRegimeStore) LatestRegime(symbol string) (*domain.RegimeDecision, error) {
	return f.decision, nil
}

type fakeParams struct{ id string }

func (f *fakeParams) ActiveVersionID(atMs int64) string { return f.id }

type scriptedEngine struct {
	name   domain.Engine
	result Result
	calls  int
}

func (s *scriptedEngine) Name() domain.Engine { return s.name }

func (s *scriptedEngine) Evaluate(f domain.FeatureVector, r domain.RegimeDecision) (Result, error) {
	s.calls++
	return s.result, nil
}

type plannerHarness struct {
	planner *Planner
	engine  *scriptedEngine
	plans   []domain.TradePlan
	audits  []domain.AuditEvent
}

func newPlannerHarness(decision *domain.RegimeDecision, engineName domain.Engine, result Result) *plannerHarness {
	h := &plannerHarness{engine: &scriptedEngine{name: engineName, result: result}}
	b := bus.New(bus.Direct)
	b.Subscribe(bus.EventSignalGenerated, func(evt bus.Event) error {
		h.plans = append(h.plans, evt.Payload.(domain.TradePlan))
		return nil
	})
	b.Subscribe(bus.EventAuditEvent, func(evt bus.Event) error {
		h.audits = append(h.audits, evt.Payload.(domain.AuditEvent))
		return nil
	})
	h.planner = NewPlanner(&fakeRegimeStore{decision: decision}, &fakeParams{id: "pv-7"}, b, h.engine)
	h.planner.now = func() time.Time { return time.UnixMilli(1700010000000) }
	return h
}

func feature(timeframe string, closeTime int64) domain.FeatureVector {
	return domain.FeatureVector{Symbol: "BTCUSDT", Timeframe: timeframe, CloseTime: closeTime}
}

func trendDecision(closeTime int64) *domain.RegimeDecision {
	return &domain.RegimeDecision{
		Symbol: "BTCUSDT", CloseTime5m: closeTime,
		Regime: domain.RegimeTrend, Engine: domain.EngineContinuation,
	}
}

func (h *plannerHarness) lastReason(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, h.audits)
	return h.audits[len(h.audits)-1].Reason
}

func TestPlannerRejectVocabulary(t *testing.T) {
	closeTime := int64(1700009000000)

	t.Run("no regime", func(t *testing.T) {
		h := newPlannerHarness(nil, domain.EngineContinuation, Result{})
		require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
		assert.Equal(t, ReasonNoRegime, h.lastReason(t))
	})

	t.Run("defensive", func(t *testing.T) {
		d := trendDecision(closeTime)
		d.Defensive = true
		h := newPlannerHarness(d, domain.EngineContinuation, Result{})
		require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
		assert.Equal(t, ReasonDefensiveMode, h.lastReason(t))
	})

	t.Run("stale regime", func(t *testing.T) {
		h := newPlannerHarness(trendDecision(closeTime-300_000), domain.EngineContinuation, Result{})
		require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
		assert.Equal(t, ReasonStaleRegime, h.lastReason(t))
	})

	t.Run("compression needs 1m", func(t *testing.T) {
		d := trendDecision(closeTime)
		d.Regime = domain.RegimeCompression
		h := newPlannerHarness(d, domain.EngineBreakout, Result{})
		require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
		assert.Equal(t, ReasonCompressionNeeds1m, h.lastReason(t))
	})

	t.Run("trend needs 5m", func(t *testing.T) {
		h := newPlannerHarness(trendDecision(closeTime), domain.EngineContinuation, Result{})
		require.NoError(t, h.planner.OnFeature(feature("1m", closeTime)))
		assert.Equal(t, ReasonTrendNeeds5m, h.lastReason(t))
	})

	t.Run("range needs 5m", func(t *testing.T) {
		d := trendDecision(closeTime)
		d.Regime = domain.RegimeRange
		h := newPlannerHarness(d, domain.EngineReversal, Result{})
		require.NoError(t, h.planner.OnFeature(feature("1m", closeTime)))
		assert.Equal(t, ReasonRangeNeeds5m, h.lastReason(t))
	})

	t.Run("expansion chaos", func(t *testing.T) {
		d := trendDecision(closeTime)
		d.Regime = domain.RegimeExpansionChaos
		h := newPlannerHarness(d, domain.EngineContinuation, Result{})
		require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
		assert.Equal(t, ReasonExpansionChaosNoEngine, h.lastReason(t))
	})

	t.Run("engine gate reason passes through", func(t *testing.T) {
		h := newPlannerHarness(trendDecision(closeTime), domain.EngineContinuation,
			rejected("price_outside_pullback_zone"))
		require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
		assert.Equal(t, "price_outside_pullback_zone", h.lastReason(t))
		assert.Equal(t, 1, h.engine.calls)
	})
}

func TestPlannerNormalizesTriggeredPlan(t *testing.T) {
	closeTime := int64(1700009000000)
	triggered := Result{
		Triggered: true,
		Plan: domain.TradePlan{
			Symbol:          "BTCUSDT",
			Side:            domain.SideLong,
			Engine:          domain.EngineContinuation,
			EntryPrice:      100,
			Confidence:      1.7,
			ExpiresAt:       closeTime + 600_000, // before the fake now
			ParamsVersionID: "baseline",
		},
	}
	h := newPlannerHarness(trendDecision(closeTime), domain.EngineContinuation, triggered)

	require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
	require.Len(t, h.plans, 1)
	plan := h.plans[0]
	assert.Equal(t, 1.0, plan.Confidence, "confidence clamps to [0,1]")
	assert.Equal(t, int64(1700010000000), plan.ExpiresAt, "expiry floors at now")
	assert.Equal(t, "pv-7", plan.ParamsVersionID, "baseline placeholder replaced")
}

func TestPlannerKeepsFutureExpiry(t *testing.T) {
	closeTime := int64(1700010000000)
	future := closeTime + 600_000
	triggered := Result{Triggered: true, Plan: domain.TradePlan{
		Symbol: "BTCUSDT", Engine: domain.EngineContinuation, ExpiresAt: future, Confidence: 0.5,
	}}
	h := newPlannerHarness(trendDecision(closeTime), domain.EngineContinuation, triggered)

	require.NoError(t, h.planner.OnFeature(feature("5m", closeTime)))
	require.Len(t, h.plans, 1)
	assert.Equal(t, future, h.plans[0].ExpiresAt)
}
