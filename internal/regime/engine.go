// Package regime classifies each symbol's 5m state from a sliding window of
// feature vectors and selects the entry engine for it.
package regime

import (
	"math"
	"sync"
	"time"

	"kairos/internal/analysis/indicator"
	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/logger"

	"github.com/google/uuid"
)

// Store persists decisions.
type Store interface {
	UpsertRegime(d domain.RegimeDecision) error
}

type window struct {
	features []domain.FeatureVector
}

func (w *window) push(f domain.FeatureVector, max int) {
	w.features = append(w.features, f)
	if len(w.features) > max {
		w.features = w.features[len(w.features)-max:]
	}
}

// Engine holds one sliding window per symbol and classifies on every 5m
// feature vector.
type Engine struct {
	store Store
	bus   *bus.Bus
	cfg   config.RegimeConfig

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time
}

func NewEngine(store Store, b *bus.Bus, cfg config.RegimeConfig) *Engine {
	return &Engine{
		store:   store,
		bus:     b,
		cfg:     cfg,
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Register subscribes to features.ready. Only 5m vectors classify.
func (e *Engine) Register() func() {
	return e.bus.Subscribe(bus.EventFeaturesReady, func(evt bus.Event) error {
		f, ok := evt.Payload.(domain.FeatureVector)
		if !ok || f.Timeframe != "5m" {
			return nil
		}
		return e.OnFeature(f)
	})
}

// OnFeature appends the vector to the symbol's window, classifies, persists
// the decision and publishes regime.updated.
func (e *Engine) OnFeature(f domain.FeatureVector) error {
	e.mu.Lock()
	w, ok := e.windows[f.Symbol]
	if !ok {
		w = &window{}
		e.windows[f.Symbol] = w
	}
	w.push(f, e.cfg.WindowSize)
	snapshot := append([]domain.FeatureVector(nil), w.features...)
	e.mu.Unlock()

	decision := Classify(snapshot, e.cfg)
	decision.Symbol = f.Symbol
	decision.CloseTime5m = f.CloseTime
	decision.SigmaNorm = f.SigmaNorm

	if err := e.store.UpsertRegime(decision); err != nil {
		return err
	}
	logger.Debugf("regime: %s @%d -> %s engine=%s defensive=%v",
		decision.Symbol, decision.CloseTime5m, decision.Regime, decision.Engine, decision.Defensive)
	e.bus.Publish(bus.EventRegimeUpdated, decision)
	e.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:          uuid.NewString(),
		Ts:          e.now().UnixMilli(),
		Step:        "regime.classified",
		Level:       domain.AuditInfo,
		Message:     string(decision.Regime),
		InputsHash:  domain.HashObject(f),
		OutputsHash: domain.HashObject(decision),
		Metadata: map[string]any{
			"symbol":    decision.Symbol,
			"engine":    string(decision.Engine),
			"defensive": decision.Defensive,
		},
	})
	return nil
}

// Classify ranks the latest vector inside the window and applies the ordered
// predicates. The caller stamps symbol/closeTime onto the result.
func Classify(features []domain.FeatureVector, cfg config.RegimeConfig) domain.RegimeDecision {
	latest := features[len(features)-1]

	sigmaNorms := make([]float64, len(features))
	bbWidths := make([]float64, len(features))
	slopeAbs := make([]float64, len(features))
	for i, f := range features {
		sigmaNorms[i] = f.SigmaNorm
		bbWidths[i] = f.BBWidthPct
		slopeAbs[i] = math.Abs(f.EMA50Slope)
	}

	sigmaNormPct := indicator.PercentileRank(sigmaNorms, latest.SigmaNorm)
	bbWidthPctile := indicator.PercentileRank(bbWidths, latest.BBWidthPct)
	slopeAbsPctile := indicator.PercentileRank(slopeAbs, math.Abs(latest.EMA50Slope))

	var regime domain.Regime
	switch {
	case sigmaNormPct <= cfg.CompressionTh && bbWidthPctile <= cfg.CompressionTh:
		regime = domain.RegimeCompression
	case sigmaNormPct >= cfg.ExpansionTh && bbWidthPctile >= cfg.ExpansionTh:
		regime = domain.RegimeExpansionChaos
	case sigmaNormPct >= cfg.TrendTh && slopeAbsPctile >= cfg.TrendTh:
		regime = domain.RegimeTrend
	default:
		regime = domain.RegimeRange
	}

	defensive := latest.VolumePercentile >= cfg.DefensiveTh
	engine := domain.EngineForRegime(regime)
	if defensive {
		engine = domain.EngineDefensive
	}
	return domain.RegimeDecision{
		Regime:    regime,
		Engine:    engine,
		Defensive: defensive,
	}
}
