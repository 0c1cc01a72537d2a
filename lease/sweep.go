package lease

import (
	"context"
	"time"
)

// Sweeper periodically sweeps a Manager for expired leases, mirroring the
// teacher's startSnapshotSupervisor ticker pattern (store/compaction.go):
// a ticker-driven background goroutine, stopped cooperatively via a
// context rather than a dedicated done channel.
type Sweeper struct {
	mgr      *Manager
	interval time.Duration
}

// NewSweeper returns a Sweeper that sweeps mgr every interval.
func NewSweeper(mgr *Manager, interval time.Duration) *Sweeper {
	return &Sweeper{mgr: mgr, interval: interval}
}

// Run blocks, sweeping on every tick, until ctx is cancelled. Intended to
// be launched as one goroutine in an errgroup.Group alongside the
// checkpoint supervisor and the workflow driver (see cmd/flowengine).
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.mgr.Sweep()
		case <-ctx.Done():
			return nil
		}
	}
}
