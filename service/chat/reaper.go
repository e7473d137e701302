package chat

import (
	"context"
	"sync/atomic"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/safe"

	"go.uber.org/zap"
)

type ReaperConf struct {
	Interval    time.Duration // default 60s
	IdleTimeout time.Duration // default 300s
	Clock       func() time.Time
}

func (c *ReaperConf) norm() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Reaper periodically evicts idle presence members and runs any registered
// housekeeping tasks on the same tick.
type Reaper struct {
	presence *Presence
	conf     ReaperConf
	timeout  atomic.Int64
	tasks    []reaperTask
	running  atomic.Bool
	sweeps   atomic.Uint64
}

type reaperTask struct {
	name string
	fn   func(now time.Time)
}

func NewReaper(p *Presence, conf ReaperConf) *Reaper {
	conf.norm()
	r := &Reaper{presence: p, conf: conf}
	r.timeout.Store(int64(conf.IdleTimeout))
	return r
}

// AddTask registers fn to run after each presence sweep. Call before Run.
func (r *Reaper) AddTask(name string, fn func(now time.Time)) {
	r.tasks = append(r.tasks, reaperTask{name: name, fn: fn})
}

func (r *Reaper) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout.Store(int64(d))
	}
}

func (r *Reaper) Timeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

func (r *Reaper) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	t := time.NewTicker(r.conf.Interval)
	defer t.Stop()
	logger.Infof("[Reaper] started interval=%s timeout=%s", r.conf.Interval, r.Timeout())
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[Reaper] stopped")
			return
		case <-t.C:
			_, _ = r.SweepOnce()
		}
	}
}

// SweepOnce runs one presence sweep plus the housekeeping tasks. A failure in
// one step is logged and does not skip the others.
func (r *Reaper) SweepOnce() (evicted int, err error) {
	r.sweeps.Add(1)
	err = safe.Run("reaper-sweep", func() {
		evicted = r.presence.SweepInactive(r.Timeout())
	})
	if err != nil {
		logger.Warn("[Reaper] sweep failed", zap.Error(err))
	} else if evicted > 0 {
		logger.Info("[Reaper] evicted idle members", zap.Int("count", evicted))
	}

	now := r.conf.Clock()
	for _, t := range r.tasks {
		if terr := safe.Run(t.name, func() { t.fn(now) }); terr != nil {
			logger.Warn("[Reaper] task failed", zap.String("task", t.name), zap.Error(terr))
		}
	}
	return evicted, err
}

func (r *Reaper) IsRunning() bool { return r.running.Load() }
