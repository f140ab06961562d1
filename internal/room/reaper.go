package room

import (
	"context"
	"time"

	"log/slog"

	"github.com/yowger/fitness-race-tracking/pkg/metrics"
)

// Reaper periodically sweeps every room for members that went silent:
// past the stale timeout they are flagged stale, past the hard timeout
// they are treated as an implicit leave. Empty rooms are removed once
// idle past the registry grace window.
type Reaper struct {
	reg        *Registry
	staleAfter time.Duration
	hardAfter  time.Duration
	interval   time.Duration
	log        *slog.Logger
}

func NewReaper(reg *Registry, staleAfter, hardAfter, interval time.Duration, log *slog.Logger) *Reaper {
	return &Reaper{reg: reg, staleAfter: staleAfter, hardAfter: hardAfter, interval: interval, log: log}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.SweepOnce()
		}
	}
}

// SweepOnce runs a single pass over all rooms.
func (r *Reaper) SweepOnce() {
	for _, rm := range r.reg.Rooms() {
		stale, evicted := rm.Sweep(r.staleAfter, r.hardAfter)
		for _, id := range stale {
			metrics.EvictionsTotal.WithLabelValues("stale").Inc()
			r.log.Info("reaper.stale", "race", rm.RaceID(), "participant", id)
		}
		for _, id := range evicted {
			metrics.EvictionsTotal.WithLabelValues("hard").Inc()
			r.log.Info("reaper.evict", "race", rm.RaceID(), "participant", id)
		}
		r.reg.RemoveIfEmpty(rm.RaceID())
	}
}
