package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/openbiblio/corpus/pkg/models"
)

// Sweeper periodically reclaims units stuck in batches whose lease has
// lapsed, retrying them (up to cfg.MaxRetries) or failing them
// permanently — the lease-expiry half of spec §4.4/§4.5, grounded on the
// orphan-recovery sweep shape used elsewhere in this codebase for stale
// in-progress work.
type Sweeper struct {
	dispatcher *Dispatcher
	interval   time.Duration
	stopCh     chan struct{}
}

// NewSweeper constructs a Sweeper that scans every interval.
func NewSweeper(dispatcher *Dispatcher, interval time.Duration) *Sweeper {
	return &Sweeper{dispatcher: dispatcher, interval: interval, stopCh: make(chan struct{})}
}

// Run blocks, scanning for expired batches every interval until ctx is
// cancelled or Stop is called.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				slog.Error("dispatch sweep failed", "error", err)
			}
		}
	}
}

// Stop signals Run to return.
func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	expired, err := s.dispatcher.dispatch.ListExpiredBatches(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}
	slog.Warn("dispatch sweep found expired batches", "count", len(expired))

	for _, batch := range expired {
		if err := s.recoverBatch(ctx, batch); err != nil {
			slog.Error("failed to recover expired dispatch batch", "batch_id", batch.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) recoverBatch(ctx context.Context, batch models.RobotEnhancementBatch) error {
	units, err := s.dispatcher.dispatch.UnitsForBatch(ctx, batch.ID)
	if err != nil {
		return err
	}
	for _, u := range units {
		if u.Status != models.PendingStatusProcessing {
			continue
		}
		if err := s.dispatcher.failOrRetry(ctx, u.ID, "lease expired on batch "+batch.ID); err != nil {
			slog.Error("failed to requeue unit after lease expiry", "unit_id", u.ID, "error", err)
		}
	}
	return nil
}
