package strategy

import (
	"time"

	"kairos/internal/analysis/indicator"
	"kairos/internal/bus"
	"kairos/internal/domain"
	"kairos/internal/logger"

	"github.com/google/uuid"
)

// Planner reject reasons. Engine gate reasons ride alongside this fixed
// vocabulary in the same audit stream.
const (
	ReasonDefensiveMode          = "defensive_mode"
	ReasonNoRegime               = "no_regime_for_symbol"
	ReasonStaleRegime            = "stale_regime_for_feature"
	ReasonCompressionNeeds1m     = "compression_requires_1m_feature"
	ReasonTrendNeeds5m           = "trend_requires_5m_feature"
	ReasonRangeNeeds5m           = "range_requires_5m_feature"
	ReasonExpansionChaosNoEngine = "expansion_chaos_no_entry_engine"
)

// RegimeStore resolves the latest decision for a symbol.
type RegimeStore interface {
	LatestRegime(symbol string) (*domain.RegimeDecision, error)
}

// ParamsSource resolves the active param version id at an instant.
type ParamsSource interface {
	ActiveVersionID(atMs int64) string
}

// Planner routes each feature vector to the engine its regime selects,
// normalizes triggered plans and publishes signal.generated.
type Planner struct {
	store   RegimeStore
	params  ParamsSource
	bus     *bus.Bus
	engines map[domain.Engine]Engine
	now     func() time.Time
}

func NewPlanner(store RegimeStore, params ParamsSource, b *bus.Bus, engines ...Engine) *Planner {
	byName := make(map[domain.Engine]Engine, len(engines))
	for _, e := range engines {
		byName[e.Name()] = e
	}
	return &Planner{store: store, params: params, bus: b, engines: byName, now: time.Now}
}

// Register subscribes the planner to features.ready.
func (p *Planner) Register() func() {
	return p.bus.Subscribe(bus.EventFeaturesReady, func(evt bus.Event) error {
		f, ok := evt.Payload.(domain.FeatureVector)
		if !ok {
			return nil
		}
		return p.OnFeature(f)
	})
}

// OnFeature evaluates one vector end to end. Rejections are audited with a
// deterministic reason; triggers publish a normalized plan.
func (p *Planner) OnFeature(f domain.FeatureVector) error {
	regime, err := p.store.LatestRegime(f.Symbol)
	if err != nil {
		return err
	}
	if regime == nil {
		p.reject(f, nil, ReasonNoRegime)
		return nil
	}
	if regime.Defensive {
		p.reject(f, regime, ReasonDefensiveMode)
		return nil
	}
	if f.Timeframe == "5m" && regime.CloseTime5m != f.CloseTime {
		p.reject(f, regime, ReasonStaleRegime)
		return nil
	}

	var engineName domain.Engine
	switch regime.Regime {
	case domain.RegimeCompression:
		if f.Timeframe != "1m" {
			p.reject(f, regime, ReasonCompressionNeeds1m)
			return nil
		}
		engineName = domain.EngineBreakout
	case domain.RegimeTrend:
		if f.Timeframe != "5m" {
			p.reject(f, regime, ReasonTrendNeeds5m)
			return nil
		}
		engineName = domain.EngineContinuation
	case domain.RegimeRange:
		if f.Timeframe != "5m" {
			p.reject(f, regime, ReasonRangeNeeds5m)
			return nil
		}
		engineName = domain.EngineReversal
	default:
		p.reject(f, regime, ReasonExpansionChaosNoEngine)
		return nil
	}

	engine, ok := p.engines[engineName]
	if !ok {
		logger.Warnf("planner: no engine registered for %s", engineName)
		return nil
	}
	result, err := engine.Evaluate(f, *regime)
	if err != nil {
		return err
	}
	if !result.Triggered {
		p.reject(f, regime, result.Reason)
		return nil
	}

	plan := p.normalize(result.Plan)
	logger.Infof("planner: %s %s signal via %s entry=%.4f lev=%.1f",
		plan.Symbol, plan.Side, plan.Engine, plan.EntryPrice, plan.Leverage)
	p.bus.Publish(bus.EventSignalGenerated, plan)
	p.audit(domain.AuditInfo, "signal generated", "", f, domain.HashObject(plan), map[string]any{
		"symbol": plan.Symbol,
		"engine": string(plan.Engine),
		"side":   string(plan.Side),
	})
	return nil
}

// normalize bounds confidence, floors expiry at now and replaces the
// engine-stamped placeholder version with the real active one.
func (p *Planner) normalize(plan domain.TradePlan) domain.TradePlan {
	nowMs := p.now().UnixMilli()
	plan.Confidence = indicator.Clamp(plan.Confidence, 0, 1)
	if plan.ExpiresAt < nowMs {
		plan.ExpiresAt = nowMs
	}
	plan.ParamsVersionID = p.params.ActiveVersionID(nowMs)
	return plan
}

func (p *Planner) reject(f domain.FeatureVector, regime *domain.RegimeDecision, reason string) {
	meta := map[string]any{
		"symbol":    f.Symbol,
		"timeframe": f.Timeframe,
		"closeTime": f.CloseTime,
	}
	if regime != nil {
		meta["regime"] = string(regime.Regime)
	}
	p.audit(domain.AuditInfo, "plan rejected", reason, f, "", meta)
}

func (p *Planner) audit(level domain.AuditLevel, message, reason string, f domain.FeatureVector, outputsHash string, meta map[string]any) {
	p.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:          uuid.NewString(),
		Ts:          p.now().UnixMilli(),
		Step:        "strategy.planner",
		Level:       level,
		Message:     message,
		Reason:      reason,
		InputsHash:  domain.HashObject(f),
		OutputsHash: outputsHash,
		Metadata:    meta,
	})
}
