package journal

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
)

// Pruner periodically deletes journal entries older than the retention
// window.
type Pruner struct {
	journal   Journal
	retention time.Duration
	interval  time.Duration
	logger    *logger.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewPruner creates a retention pruner. It does not start until Start
// is called.
func NewPruner(j Journal, retention, interval time.Duration, log *logger.Logger) *Pruner {
	return &Pruner{
		journal:   j,
		retention: retention,
		interval:  interval,
		logger:    log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the prune loop in a goroutine. The first prune happens
// after one full interval.
func (p *Pruner) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.pruneOnce(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Pruner) pruneOnce(ctx context.Context) {
	cutoff := time.Now().Add(-p.retention)
	count, err := p.journal.PruneOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.Error("journal prune failed", zap.Error(err))
		return
	}
	if count > 0 {
		p.logger.Info("journal pruned",
			zap.Int64("deleted", count),
			zap.Time("cutoff", cutoff))
	}
}

// Stop halts the loop and waits for it to exit.
func (p *Pruner) Stop() {
	close(p.stop)
	<-p.done
}
