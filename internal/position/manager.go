package position

import (
	"math"
	"sync"
	"time"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/logger"

	"github.com/google/uuid"
)

// Store persists position mutations.
type Store interface {
	UpdatePosition(p domain.Position) error
}

// ParamsSource resolves the active param version id at an instant.
type ParamsSource interface {
	ActiveVersionID(atMs int64) string
}

// ClosedEvent is the position.closed payload.
type ClosedEvent struct {
	PositionID string  `json:"positionId"`
	Symbol     string  `json:"symbol"`
	Reason     string  `json:"reason"`
	RealizedR  float64 `json:"realizedR"`
	ClosedAt   int64   `json:"closedAt"`
}

// BuildInitialStop places the protective stop one ATR band (scaled by k)
// against the entry.
func BuildInitialStop(entry, atrPct float64, side domain.Side, k float64) float64 {
	dist := atrPct / 100 * entry * k
	if side == domain.SideLong {
		return entry - dist
	}
	return entry + dist
}

type managed struct {
	pos       domain.Position
	lastPrice float64
}

// Manager owns the table of live positions. It scales out at +1R and +2R,
// trails the stop once the second partial is taken, and reacts to regime
// flips. All mutations run under one lock per manager.
type Manager struct {
	store  Store
	params ParamsSource
	bus    *bus.Bus
	cfg    config.PositionConfig

	mu        sync.Mutex
	book      map[string]*managed
	lifecycle map[string]State
	cooldown  map[string]int64

	now func() time.Time
}

func NewManager(store Store, params ParamsSource, b *bus.Bus, cfg config.PositionConfig) *Manager {
	return &Manager{
		store:     store,
		params:    params,
		bus:       b,
		cfg:       cfg,
		book:      make(map[string]*managed),
		lifecycle: make(map[string]State),
		cooldown:  make(map[string]int64),
		now:       time.Now,
	}
}

// Register subscribes the manager to the events that drive the lifecycle.
func (m *Manager) Register() []func() {
	return []func(){
		m.bus.Subscribe(bus.EventSignalGenerated, func(evt bus.Event) error {
			if plan, ok := evt.Payload.(domain.TradePlan); ok {
				m.advance(plan.Symbol, EventSignalArmed)
			}
			return nil
		}),
		m.bus.Subscribe(bus.EventOrderSubmitted, func(evt bus.Event) error {
			if order, ok := evt.Payload.(domain.Order); ok {
				m.advance(order.Symbol, EventOrderSubmitted)
			}
			return nil
		}),
		m.bus.Subscribe(bus.EventOrderFilled, func(evt bus.Event) error {
			if pos, ok := evt.Payload.(domain.Position); ok {
				m.Track(pos)
			}
			return nil
		}),
		m.bus.Subscribe(bus.EventCandleClosed, func(evt bus.Event) error {
			c, ok := evt.Payload.(domain.Candle)
			if !ok {
				return nil
			}
			return m.OnCandle(c)
		}),
		m.bus.Subscribe(bus.EventRegimeUpdated, func(evt bus.Event) error {
			d, ok := evt.Payload.(domain.RegimeDecision)
			if !ok {
				return nil
			}
			return m.OnRegime(d)
		}),
	}
}

// Track adopts a freshly filled position into the managed book.
func (m *Manager) Track(pos domain.Position) {
	m.mu.Lock()
	m.book[pos.ID] = &managed{pos: pos, lastPrice: pos.EntryPrice}
	m.mu.Unlock()
	m.advance(pos.Symbol, EventOrderFilled)
	logger.Infof("position: tracking %s %s %s qty=%.6f stop=%.4f",
		pos.ID, pos.Symbol, pos.Side, pos.Qty, pos.StopPrice)
}

// Lifecycle reports the per-symbol lifecycle state, expiring cooldowns lazily.
func (m *Manager) Lifecycle(symbol string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lifecycleLocked(symbol)
}

func (m *Manager) lifecycleLocked(symbol string) State {
	s, ok := m.lifecycle[symbol]
	if !ok {
		return StateNeutral
	}
	if s == StateCooldown && m.now().UnixMilli() >= m.cooldown[symbol] {
		s = Transition(s, EventCooldownExpired)
		m.lifecycle[symbol] = s
	}
	return s
}

func (m *Manager) advance(symbol string, e FSMEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.lifecycleLocked(symbol)
	next := Transition(cur, e)
	if next == StateCooldown && cur != StateCooldown {
		m.cooldown[symbol] = m.now().UnixMilli() + m.cfg.CooldownMs
	}
	m.lifecycle[symbol] = next
}

// OnCandle drives price management for every open position on the symbol.
func (m *Manager) OnCandle(c domain.Candle) error {
	m.mu.Lock()
	ids := make([]string, 0, 1)
	for id, mp := range m.book {
		if mp.pos.Symbol == c.Symbol {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.OnPrice(id, c.Close, &c.High, &c.Low); err != nil {
			return err
		}
	}
	return nil
}

// OnPrice applies the R-multiple ladder, trailing stop and stop-out for one
// position. highOpt/lowOpt refine the trailing anchor when bar extremes are
// known.
func (m *Manager) OnPrice(positionID string, price float64, highOpt, lowOpt *float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.book[positionID]
	if !ok || mp.pos.State != domain.PositionStateOpen {
		return nil
	}
	m.warnOnParamDrift(&mp.pos)
	mp.lastPrice = price

	p := &mp.pos
	r := rMultiple(p, price)

	if !p.Took1R && r >= 1 {
		p.Took1R = true
		if err := m.partialExitLocked(mp, 0.5, price, "+1R partial"); err != nil {
			return err
		}
		if p.State == domain.PositionStateClosed {
			return nil
		}
	}
	if !p.Took2R && r >= 2 {
		p.Took2R = true
		if err := m.partialExitLocked(mp, 0.3, price, "+2R partial"); err != nil {
			return err
		}
		if p.State == domain.PositionStateClosed {
			return nil
		}
	}

	if p.Took2R {
		anchor := price
		if p.Side == domain.SideLong && highOpt != nil {
			anchor = *highOpt
		}
		if p.Side == domain.SideShort && lowOpt != nil {
			anchor = *lowOpt
		}
		if p.TrailingAnchor == 0 {
			p.TrailingAnchor = anchor
		}
		if p.Side == domain.SideLong {
			p.TrailingAnchor = math.Max(p.TrailingAnchor, anchor)
		} else {
			p.TrailingAnchor = math.Min(p.TrailingAnchor, anchor)
		}
		dist := p.ATRPct / 100 * p.EntryPrice * m.cfg.TrailingATRMultiple
		if p.Side == domain.SideLong {
			p.StopPrice = math.Max(p.StopPrice, p.TrailingAnchor-dist)
		} else {
			p.StopPrice = math.Min(p.StopPrice, p.TrailingAnchor+dist)
		}
	}

	stopped := (p.Side == domain.SideLong && price <= p.StopPrice) ||
		(p.Side == domain.SideShort && price >= p.StopPrice)
	if stopped {
		return m.closeLocked(mp, "stop hit", &price)
	}

	p.UpdatedAt = m.now().UnixMilli()
	if err := m.store.UpdatePosition(*p); err != nil {
		return err
	}
	m.bus.Publish(bus.EventPositionUpdated, *p)
	return nil
}

// OnRegime applies the regime exit policy to every open position on the
// symbol and flips the defensive lifecycle state.
func (m *Manager) OnRegime(d domain.RegimeDecision) error {
	if d.Defensive {
		m.advance(d.Symbol, EventDefensiveOn)
	} else {
		m.mu.Lock()
		if m.lifecycleLocked(d.Symbol) == StateDefensive {
			m.lifecycle[d.Symbol] = Transition(StateDefensive, EventDefensiveOff)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mp := range m.book {
		if mp.pos.Symbol != d.Symbol || mp.pos.State != domain.PositionStateOpen {
			continue
		}
		m.warnOnParamDrift(&mp.pos)
		price := mp.lastPrice
		switch d.Regime {
		case domain.RegimeExpansionChaos:
			if m.cfg.HardExitOnExpansionChaos {
				if err := m.closeLocked(mp, "hard exit on ExpansionChaos", &price); err != nil {
					return err
				}
			}
		case domain.RegimeRange:
			if m.cfg.HardExitOnRange {
				if err := m.closeLocked(mp, "hard exit on Range", &price); err != nil {
					return err
				}
			} else if err := m.partialExitLocked(mp, m.cfg.ReduceRiskOnRangePct/100, price, "risk reduction on Range"); err != nil {
				return err
			}
		}
	}
	return nil
}

func rMultiple(p *domain.Position, price float64) float64 {
	riskPerUnit := math.Max(1e-8, math.Abs(p.EntryPrice-p.InitialStopPrice))
	pnlPerUnit := price - p.EntryPrice
	if p.Side == domain.SideShort {
		pnlPerUnit = p.EntryPrice - price
	}
	return pnlPerUnit / riskPerUnit
}

// partialExitLocked releases fraction*qty (bounded by what remains) at price.
func (m *Manager) partialExitLocked(mp *managed, fraction, price float64, reason string) error {
	p := &mp.pos
	qtyToExit := math.Min(p.RemainingQty, fraction*p.Qty)
	if qtyToExit <= 0 {
		return nil
	}
	p.RemainingQty -= qtyToExit
	p.RealizedR += rMultiple(p, price) * (qtyToExit / p.Qty)
	p.UpdatedAt = m.now().UnixMilli()

	logger.Infof("position: %s partial exit %.6f @ %.4f (%s)", p.ID, qtyToExit, price, reason)
	m.audit(domain.AuditInfo, "position.manager", "partial exit", reason, *p, map[string]any{
		"symbol":    p.Symbol,
		"qtyExited": qtyToExit,
		"price":     price,
	})

	if p.RemainingQty <= 1e-10 {
		return m.closeLocked(mp, "all partial exits completed", nil)
	}
	if err := m.store.UpdatePosition(*p); err != nil {
		return err
	}
	m.bus.Publish(bus.EventPositionUpdated, *p)
	return nil
}

// closeLocked realizes whatever remains (when a close price is known), marks
// the row closed and emits the terminal events.
func (m *Manager) closeLocked(mp *managed, reason string, priceOpt *float64) error {
	p := &mp.pos
	if priceOpt != nil && p.RemainingQty > 0 {
		p.RealizedR += rMultiple(p, *priceOpt) * (p.RemainingQty / p.Qty)
		p.RemainingQty = 0
	}
	nowMs := m.now().UnixMilli()
	p.State = domain.PositionStateClosed
	p.UpdatedAt = nowMs
	if err := m.store.UpdatePosition(*p); err != nil {
		return err
	}

	m.lifecycle[p.Symbol] = Transition(m.lifecycleLocked(p.Symbol), EventPositionClosed)
	if m.lifecycle[p.Symbol] == StateCooldown {
		m.cooldown[p.Symbol] = nowMs + m.cfg.CooldownMs
	}

	logger.Infof("position: closed %s (%s) realizedR=%.3f", p.ID, reason, p.RealizedR)
	m.audit(domain.AuditInfo, "position.manager", "position closed", reason, *p, map[string]any{
		"symbol":    p.Symbol,
		"realizedR": p.RealizedR,
	})
	m.bus.Publish(bus.EventPositionUpdated, *p)
	m.bus.Publish(bus.EventPositionClosed, ClosedEvent{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Reason:     reason,
		RealizedR:  p.RealizedR,
		ClosedAt:   nowMs,
	})
	delete(m.book, p.ID)
	return nil
}

// warnOnParamDrift flags positions still carrying a superseded param version.
// Informational only, sizing committed at entry never changes.
func (m *Manager) warnOnParamDrift(p *domain.Position) {
	if m.params == nil || p.ParamsVersionID == "" {
		return
	}
	active := m.params.ActiveVersionID(m.now().UnixMilli())
	if active == "" || active == p.ParamsVersionID {
		return
	}
	m.audit(domain.AuditWarn, "position.paramDrift", "param version drift", "params_drift", *p, map[string]any{
		"symbol":        p.Symbol,
		"activeVersion": active,
	})
}

func (m *Manager) audit(level domain.AuditLevel, step, message, reason string, p domain.Position, meta map[string]any) {
	m.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:              uuid.NewString(),
		Ts:              m.now().UnixMilli(),
		Step:            step,
		Level:           level,
		Message:         message,
		Reason:          reason,
		InputsHash:      domain.HashObject(p.ID),
		OutputsHash:     domain.HashObject(p),
		ParamsVersionID: p.ParamsVersionID,
		Metadata:        meta,
	})
}
