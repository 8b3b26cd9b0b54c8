package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ReasonSymbolOccupied = "max 1 open position per symbol exceeded"
	ReasonSymbolCooldown = "symbol cooldown active"
	ReasonEngineCooldown = "engine cooldown active"
	ReasonQtyBelowMin    = "computed qty below minQty"
)

// Store is the slice of persistence the gate consults.
type Store interface {
	CountOpenBySymbol(symbol string) (int, error)
	CountOpenTotal() (int, error)
	LastClosedAt(symbol string) (int64, error)
}

// RegimeStore resolves the latest decision for a symbol.
type RegimeStore interface {
	LatestRegime(symbol string) (*domain.RegimeDecision, error)
}

// Rejection is the risk.rejected payload.
type Rejection struct {
	Plan   domain.TradePlan `json:"plan"`
	Reason string           `json:"reason"`
}

// Service is the pre-trade gate. Checks run in a fixed order and the first
// failure wins; an approval sizes the plan into an OrderIntent and stamps the
// engine cooldown clock.
type Service struct {
	store   Store
	regimes RegimeStore
	bus     *bus.Bus
	cfg     config.RiskConfig

	mu           sync.Mutex
	lastApproved map[domain.Engine]int64

	now func() time.Time
}

func NewService(store Store, regimes RegimeStore, b *bus.Bus, cfg config.RiskConfig) *Service {
	return &Service{
		store:        store,
		regimes:      regimes,
		bus:          b,
		cfg:          cfg,
		lastApproved: make(map[domain.Engine]int64),
		now:          time.Now,
	}
}

// Register subscribes the gate to signal.generated.
func (s *Service) Register() func() {
	return s.bus.Subscribe(bus.EventSignalGenerated, func(evt bus.Event) error {
		plan, ok := evt.Payload.(domain.TradePlan)
		if !ok {
			return nil
		}
		return s.Evaluate(plan)
	})
}

// Evaluate runs the admission checks for one plan and publishes the decision.
func (s *Service) Evaluate(plan domain.TradePlan) error {
	regime, err := s.regimes.LatestRegime(plan.Symbol)
	if err != nil {
		return err
	}
	defensive := regime != nil && regime.Defensive
	nowMs := s.now().UnixMilli()

	openSymbol, err := s.store.CountOpenBySymbol(plan.Symbol)
	if err != nil {
		return err
	}
	if openSymbol >= 1 {
		s.reject(plan, ReasonSymbolOccupied)
		return nil
	}

	openTotal, err := s.store.CountOpenTotal()
	if err != nil {
		return err
	}
	maxOpen := s.cfg.MaxOpen
	if defensive {
		maxOpen = s.cfg.MaxOpenDefensive
	}
	if openTotal >= maxOpen {
		s.reject(plan, fmt.Sprintf("max open positions reached (%d/%d)", openTotal, maxOpen))
		return nil
	}

	lastClosed, err := s.store.LastClosedAt(plan.Symbol)
	if err != nil {
		return err
	}
	if lastClosed > 0 && nowMs-lastClosed < s.cfg.PerSymbolCooldownMs {
		s.reject(plan, ReasonSymbolCooldown)
		return nil
	}

	s.mu.Lock()
	lastEngine := s.lastApproved[plan.Engine]
	s.mu.Unlock()
	if lastEngine > 0 && nowMs-lastEngine < s.cfg.PerEngineCooldownMs {
		s.reject(plan, ReasonEngineCooldown)
		return nil
	}

	finalLeverage := plan.Leverage
	if defensive && finalLeverage > s.cfg.MaxLeverageDefensive {
		finalLeverage = s.cfg.MaxLeverageDefensive
	}

	qty := s.sizeQty(plan.EntryPrice, finalLeverage)
	if qty < s.cfg.MinQty {
		s.reject(plan, ReasonQtyBelowMin)
		return nil
	}

	s.mu.Lock()
	s.lastApproved[plan.Engine] = nowMs
	s.mu.Unlock()

	plan.Leverage = finalLeverage
	intent := domain.OrderIntent{
		Plan:            plan,
		Qty:             qty,
		Type:            domain.OrderTypeLimit,
		CancelIfInvalid: true,
	}
	logger.Infof("risk: approved %s %s qty=%.6f lev=%.1f", plan.Symbol, plan.Side, qty, finalLeverage)
	s.bus.Publish(bus.EventRiskApproved, intent)
	s.audit(domain.AuditInfo, "plan approved", "", plan, domain.HashObject(intent))
	return nil
}

// sizeQty converts margin and leverage into a venue-legal quantity, floored to
// the step grid with decimal arithmetic so float dust never rounds a lot up.
func (s *Service) sizeQty(entryPrice, leverage float64) float64 {
	raw := s.cfg.Equity * (s.cfg.MarginPct / 100) * leverage / math.Max(entryPrice, 1e-8)
	if s.cfg.QtyStep <= 0 {
		return raw
	}
	step := decimal.NewFromFloat(s.cfg.QtyStep)
	qty, _ := decimal.NewFromFloat(raw).Div(step).Floor().Mul(step).Float64()
	return qty
}

func (s *Service) reject(plan domain.TradePlan, reason string) {
	logger.Warnf("risk: rejected %s %s: %s", plan.Symbol, plan.Engine, reason)
	s.bus.Publish(bus.EventRiskRejected, Rejection{Plan: plan, Reason: reason})
	s.audit(domain.AuditWarn, "plan rejected", reason, plan, "")
}

func (s *Service) audit(level domain.AuditLevel, message, reason string, plan domain.TradePlan, outputsHash string) {
	s.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:          uuid.NewString(),
		Ts:          s.now().UnixMilli(),
		Step:        "risk.service",
		Level:       level,
		Message:     message,
		Reason:      reason,
		InputsHash:  domain.HashObject(plan),
		OutputsHash: outputsHash,
		Metadata: map[string]any{
			"symbol": plan.Symbol,
			"engine": string(plan.Engine),
		},
	})
}
