package metrics

import (
	"context"
	"sync"
	"time"

	"kairos/internal/bus"
	"kairos/internal/logger"
	"kairos/internal/position"
	"kairos/internal/scheduler"
)

// Store folds closed trades into their UTC-day aggregate row.
type Store interface {
	AddClosedTrade(day string, realizedR, fees float64, nowMs int64) error
}

// Service aggregates closed positions into daily metric rows. Writes that
// fail are buffered and retried by the hourly sweep, so a transient store
// error never loses a trade.
type Service struct {
	store Store
	bus   *bus.Bus

	mu      sync.Mutex
	pending []position.ClosedEvent

	now func() time.Time
}

func NewService(store Store, b *bus.Bus) *Service {
	return &Service{store: store, bus: b, now: time.Now}
}

// Register subscribes the aggregator to position.closed.
func (s *Service) Register() func() {
	return s.bus.Subscribe(bus.EventPositionClosed, func(evt bus.Event) error {
		closed, ok := evt.Payload.(position.ClosedEvent)
		if !ok {
			return nil
		}
		s.Record(closed)
		return nil
	})
}

// Record folds one close into its day row, buffering on store failure.
func (s *Service) Record(closed position.ClosedEvent) {
	if err := s.add(closed); err != nil {
		logger.Warnf("metrics: deferring closed trade for %s: %v", closed.Symbol, err)
		s.mu.Lock()
		s.pending = append(s.pending, closed)
		s.mu.Unlock()
	}
}

func (s *Service) add(closed position.ClosedEvent) error {
	day := time.UnixMilli(closed.ClosedAt).UTC().Format("2006-01-02")
	return s.store.AddClosedTrade(day, closed.RealizedR, 0, s.now().UnixMilli())
}

// Flush retries every buffered close once.
func (s *Service) Flush() {
	s.mu.Lock()
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, closed := range queued {
		if err := s.add(closed); err != nil {
			logger.Warnf("metrics: retry failed for %s: %v", closed.Symbol, err)
			s.mu.Lock()
			s.pending = append(s.pending, closed)
			s.mu.Unlock()
		}
	}
}

// Run drives the hourly sweep until the context is canceled.
func (s *Service) Run(ctx context.Context) {
	scheduler.NewAligned(ctx, time.Hour, 0).Start(s.Flush)
}

// PendingCount reports closes still awaiting a successful write.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
