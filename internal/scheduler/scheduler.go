// Package scheduler runs tasks aligned to candle-close boundaries so each
// poll fires just after the bar it wants has finalized.
package scheduler

import (
	"context"
	"time"

	"kairos/internal/logger"
)

// Aligned fires task on every interval boundary plus offset. An offset of a
// few seconds gives the venue time to finalize the bar before we ask for it.
type Aligned struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAligned(ctx context.Context, interval, offset time.Duration) *Aligned {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Aligned{Interval: interval, Offset: offset, ctx: ctx, nowFn: time.Now}
}

// Start blocks until the context is canceled, invoking task at each aligned
// instant. Call it from its own goroutine.
func (s *Aligned) Start(task func()) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler: invalid interval=%s, exit", s.Interval)
		return
	}
	if s.Offset < 0 {
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("scheduler: aligned loop interval=%s offset=%s", s.Interval, s.Offset)
	if s.RunImmediately {
		task()
	}
	for {
		now := s.nowFn().UTC()
		wakeAt := now.Truncate(s.Interval).Add(s.Interval).Add(s.Offset)
		wait := wakeAt.Sub(now)
		if wait <= 0 {
			task()
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		task()
	}
}
