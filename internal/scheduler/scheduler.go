package scheduler

import (
	"context"
	"time"

	"papertrade/internal/logger"
)

// IntervalRunner invokes a task on a fixed period until the context is
// cancelled. It drives recurring housekeeping that must happen on its own
// clock, decoupled from tick arrival.
type IntervalRunner struct {
	Interval       time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalRunner(ctx context.Context, interval time.Duration) *IntervalRunner {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalRunner{
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
	}
}

// Start blocks, running task every Interval. Callers run it in a goroutine.
func (r *IntervalRunner) Start(task func()) {
	if r == nil {
		return
	}
	if task == nil {
		logger.Warnf("IntervalRunner: task is nil, exit")
		return
	}
	if r.Interval <= 0 {
		logger.Warnf("IntervalRunner: invalid interval=%s, exit", r.Interval)
		return
	}
	if r.ctx == nil {
		r.ctx = context.Background()
	}

	if r.RunImmediately {
		task()
	}

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			logger.Debugf("IntervalRunner: ctx done, exit")
			return
		case <-ticker.C:
			task()
		}
	}
}
