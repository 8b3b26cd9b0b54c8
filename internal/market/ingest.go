// Package market polls the venue for recent candles, verifies the batch is
// internally consistent and feeds finalized bars into the pipeline.
package market

import (
	"context"
	"fmt"
	"time"

	"kairos/internal/bus"
	"kairos/internal/domain"
	"kairos/internal/gateway/exchange"
	"kairos/internal/logger"
	"kairos/internal/scheduler"

	"github.com/google/uuid"
)

// IntegrityKind classifies a rejected candle batch.
type IntegrityKind string

const (
	IntegrityGap        IntegrityKind = "gap"
	IntegrityDuplicate  IntegrityKind = "duplicate"
	IntegrityOutOfOrder IntegrityKind = "out_of_order"
)

// IntegrityError means the fetched batch cannot be trusted. Nothing from the
// batch is persisted.
type IntegrityError struct {
	Kind      IntegrityKind
	Symbol    string
	Timeframe string
	Detail    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Symbol, e.Timeframe, e.Detail)
}

// CandleStore is the slice of the repository the ingestor needs.
type CandleStore interface {
	InsertCandleIfAbsent(c domain.Candle) (bool, error)
}

// Ingestor polls one venue source for a set of (symbol, timeframe) pairs.
type Ingestor struct {
	source    exchange.CandleSource
	store     CandleStore
	bus       *bus.Bus
	pollLimit int
	now       func() time.Time
}

func NewIngestor(source exchange.CandleSource, store CandleStore, b *bus.Bus, pollLimit int) *Ingestor {
	if pollLimit <= 0 {
		pollLimit = 60
	}
	return &Ingestor{source: source, store: store, bus: b, pollLimit: pollLimit, now: time.Now}
}

// Run blocks, polling symbol/timeframe on an interval-aligned schedule until
// the context is canceled.
func (g *Ingestor) Run(ctx context.Context, symbol, timeframe string, offset time.Duration) error {
	interval, ok := scheduler.ParseInterval(timeframe)
	if !ok {
		return fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	sched := scheduler.NewAligned(ctx, interval, offset)
	sched.RunImmediately = true
	sched.Start(func() {
		if err := g.PollOnce(ctx, symbol, timeframe); err != nil {
			logger.Warnf("ingest: poll %s %s failed: %v", symbol, timeframe, err)
		}
	})
	return nil
}

// PollOnce fetches the latest candles, validates batch integrity, persists
// unseen candles and publishes candle.closed for each newly stored finalized
// bar. An integrity failure audits the batch and persists nothing.
func (g *Ingestor) PollOnce(ctx context.Context, symbol, timeframe string) error {
	candles, err := g.source.Klines(ctx, symbol, timeframe, g.pollLimit)
	if err != nil {
		return fmt.Errorf("fetching %s %s klines failed: %w", symbol, timeframe, err)
	}
	if len(candles) == 0 {
		return nil
	}
	interval, ok := scheduler.ParseInterval(timeframe)
	if !ok {
		return fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if err := ValidateSequence(symbol, timeframe, candles, interval.Milliseconds()); err != nil {
		g.auditIntegrity(err, len(candles))
		return err
	}

	nowMs := g.now().UnixMilli()
	published := 0
	for _, c := range candles {
		inserted, err := g.store.InsertCandleIfAbsent(c)
		if err != nil {
			return fmt.Errorf("persisting candle %s %s @%d failed: %w", symbol, timeframe, c.CloseTime, err)
		}
		if inserted && c.Closed(nowMs) {
			g.bus.Publish(bus.EventCandleClosed, c)
			published++
		}
	}
	if published > 0 {
		logger.Debugf("ingest: %s %s stored %d new closed candles", symbol, timeframe, published)
	}
	return nil
}

// ValidateSequence checks that closeTimes strictly advance and never jump by
// more than one interval. Any duplicate, regression or gap rejects the whole
// batch; a step shorter than the interval is accepted.
func ValidateSequence(symbol, timeframe string, candles []domain.Candle, intervalMs int64) *IntegrityError {
	for i := 1; i < len(candles); i++ {
		prev, cur := candles[i-1].CloseTime, candles[i].CloseTime
		delta := cur - prev
		switch {
		case delta == 0:
			return &IntegrityError{
				Kind: IntegrityDuplicate, Symbol: symbol, Timeframe: timeframe,
				Detail: fmt.Sprintf("duplicate closeTime %d", cur),
			}
		case delta < 0:
			return &IntegrityError{
				Kind: IntegrityOutOfOrder, Symbol: symbol, Timeframe: timeframe,
				Detail: fmt.Sprintf("closeTime went backwards from %d to %d", prev, cur),
			}
		case delta > intervalMs:
			return &IntegrityError{
				Kind: IntegrityGap, Symbol: symbol, Timeframe: timeframe,
				Detail: fmt.Sprintf("Gap detected: expected closeTime %d, got %d", prev+intervalMs, cur),
			}
		}
	}
	return nil
}

func (g *Ingestor) auditIntegrity(err *IntegrityError, batchSize int) {
	g.bus.Publish(bus.EventAuditEvent, domain.AuditEvent{
		ID:      uuid.NewString(),
		Ts:      g.now().UnixMilli(),
		Step:    "market_data_integrity",
		Level:   domain.AuditError,
		Message: err.Detail,
		Reason:  string(err.Kind),
		Metadata: map[string]any{
			"symbol":    err.Symbol,
			"timeframe": err.Timeframe,
			"batchSize": batchSize,
		},
	})
}
