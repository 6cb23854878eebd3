// Package scheduler runs a task on interval boundaries.
package scheduler

import (
	"context"
	"time"

	"feedhub/internal/logger"
)

// AlignedScheduler fires at every multiple of Interval (UTC) plus Offset,
// e.g. interval=1h offset=30s fires at hh:00:30.
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewAlignedScheduler(ctx context.Context, interval, offset time.Duration) *AlignedScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &AlignedScheduler{
		Interval: interval,
		Offset:   offset,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// SetClock 仅用于测试。
func (s *AlignedScheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.nowFn = now
	}
}

// Start blocks, running task on every boundary until ctx ends.
func (s *AlignedScheduler) Start(task func()) {
	if s == nil {
		return
	}
	prefix := "[scheduler]"
	if s.Name != "" {
		prefix = "[scheduler:" + s.Name + "]"
	}
	if task == nil {
		logger.Warnf("%s task is nil, exit", prefix)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("%s invalid interval=%s, exit", prefix, s.Interval)
		return
	}
	if s.Offset < 0 {
		logger.Warnf("%s negative offset=%s, clamp to 0", prefix, s.Offset)
		s.Offset = 0
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	_, wakeAt, wait := s.nextTimes(s.nowFn())
	logger.Infof("%s started interval=%s offset=%s run_immediately=%v first=%s (in %s)",
		prefix, s.Interval, s.Offset, s.RunImmediately, wakeAt.Format(time.RFC3339), wait.Truncate(time.Second))

	if s.RunImmediately {
		task()
	}
	for {
		_, wakeAt, wait := s.nextTimes(s.nowFn())
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				logger.Infof("%s ctx done, exit", prefix)
				return
			case <-timer.C:
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		logger.Debugf("%s tick at=%s", prefix, wakeAt.Format(time.RFC3339))
		task()
	}
}

// nextTimes returns the next boundary after now, when to wake for it and
// how long that is from now.
func (s *AlignedScheduler) nextTimes(now time.Time) (nextClose, wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	nextClose = now.Truncate(s.Interval).Add(s.Interval)
	wakeAt = nextClose.Add(s.Offset)
	// 已过边界但还没到 offset：本轮仍在等待中
	if prev := nextClose.Add(-s.Interval).Add(s.Offset); prev.After(now) {
		wakeAt = prev
		nextClose = nextClose.Add(-s.Interval)
	}
	return nextClose, wakeAt, wakeAt.Sub(now)
}
