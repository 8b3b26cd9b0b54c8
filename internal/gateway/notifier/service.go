package notifier

import (
	"fmt"
	"strings"
	"time"

	"kairos/internal/bus"
	"kairos/internal/domain"
	"kairos/internal/logger"
	"kairos/internal/position"
)

// Service relays fills and closes to the configured channel. Sends happen
// off the bus flusher so a slow channel never stalls event processing.
type Service struct {
	notifier TextNotifier
	bus      *bus.Bus

	send func(text string)
}

func NewService(n TextNotifier, b *bus.Bus) *Service {
	s := &Service{notifier: n, bus: b}
	s.send = func(text string) {
		go func() {
			if err := n.SendText(text); err != nil {
				logger.Warnf("notifier: send failed: %v", err)
			}
		}()
	}
	return s
}

// Register subscribes to order.filled and position.closed.
func (s *Service) Register() []func() {
	return []func(){
		s.bus.Subscribe(bus.EventOrderFilled, func(evt bus.Event) error {
			pos, ok := evt.Payload.(domain.Position)
			if !ok {
				return nil
			}
			s.send(formatOpened(pos))
			return nil
		}),
		s.bus.Subscribe(bus.EventPositionClosed, func(evt bus.Event) error {
			closed, ok := evt.Payload.(position.ClosedEvent)
			if !ok {
				return nil
			}
			s.send(formatClosed(closed))
			return nil
		}),
	}
}

func formatOpened(p domain.Position) string {
	return fmt.Sprintf(
		"*Position opened*\n%s %s x%.4g\nentry %.6g, stop %.6g\nparams %s",
		p.Symbol, strings.ToUpper(string(p.Side)), p.Qty, p.EntryPrice, p.InitialStopPrice, p.ParamsVersionID,
	)
}

func formatClosed(c position.ClosedEvent) string {
	return fmt.Sprintf(
		"*Position closed*\n%s: %s\nrealized %+.2fR at %s",
		c.Symbol, c.Reason, c.RealizedR,
		time.UnixMilli(c.ClosedAt).UTC().Format("2006-01-02 15:04:05 UTC"),
	)
}
