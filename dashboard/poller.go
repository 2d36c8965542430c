package dashboard

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultInterval = 200 * time.Millisecond

// Poller reads the bitmap file on a fixed interval.
type Poller struct {
	Path     string
	Interval time.Duration
	Log      *zap.SugaredLogger
}

// Run calls fn with a fresh snapshot on every tick until ctx is done.
// Cycles whose read fails are skipped.
func (p *Poller) Run(ctx context.Context, fn func(Snapshot)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		snap, err := Load(p.Path)
		if err != nil {
			log.Debugf("skipping refresh: %s", err)
		} else {
			fn(snap)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
