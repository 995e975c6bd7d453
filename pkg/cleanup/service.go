// Package cleanup provides data retention and cleanup services.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/openbiblio/corpus/pkg/store"
)

// Config controls data retention and cleanup behavior.
type Config struct {
	// ImportRetention is how long a completed ImportRecord (and its
	// batches/results) is kept before purging.
	ImportRetention time.Duration

	// DispatchUnitRetention is how long a terminal (completed or
	// failed) pending enhancement unit is kept before purging.
	DispatchUnitRetention time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration
}

// DefaultConfig returns the built-in retention defaults.
func DefaultConfig() Config {
	return Config{
		ImportRetention:       90 * 24 * time.Hour,
		DispatchUnitRetention: 30 * 24 * time.Hour,
		CleanupInterval:       12 * time.Hour,
	}
}

// Service periodically enforces retention policies:
//   - Purges old ImportRecords once every batch they own has reached a
//     terminal state (spec §4.1)
//   - Purges terminal PendingEnhancement units and their now-expired
//     RobotEnhancementBatches (spec §4.4/§4.5)
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	config   Config
	imports  *store.ImportStore
	dispatch *store.DispatchStore

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, imports *store.ImportStore, dispatch *store.DispatchStore) *Service {
	return &Service{config: cfg, imports: imports, dispatch: dispatch}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("cleanup service started",
		"import_retention", s.config.ImportRetention,
		"dispatch_unit_retention", s.config.DispatchUnitRetention,
		"interval", s.config.CleanupInterval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeOldImports(ctx)
	s.purgeOldDispatchUnits(ctx)
}

func (s *Service) purgeOldImports(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.ImportRetention)
	count, err := s.imports.PurgeOldRecords(ctx, cutoff)
	if err != nil {
		slog.Error("retention: purge import records failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("retention: purged old import records", "count", count)
	}
}

func (s *Service) purgeOldDispatchUnits(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.DispatchUnitRetention)

	units, err := s.dispatch.PurgeOldUnits(ctx, cutoff)
	if err != nil {
		slog.Error("retention: purge dispatch units failed", "error", err)
	} else if units > 0 {
		slog.Info("retention: purged old dispatch units", "count", units)
	}

	batches, err := s.dispatch.PurgeExpiredBatches(ctx, cutoff)
	if err != nil {
		slog.Error("retention: purge expired batches failed", "error", err)
	} else if batches > 0 {
		slog.Info("retention: purged expired robot batches", "count", batches)
	}
}
