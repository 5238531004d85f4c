// Package trigger implements the background cron jobs: idle-session expiry
// and periodic catalog sync.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/soportecyclops/tienda21/internal/session"
)

const jobTimeout = 2 * time.Minute

// CatalogSyncer pulls the product snapshot from the store platform.
type CatalogSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// Scheduler manages the cron jobs.
// Cron expressions use the standard 5-field format: minute hour day-of-month
// month day-of-week. Do not use WithSeconds() so docs and configs match.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// RegisterSessionExpiry sweeps sessions idle longer than ttl on the given
// cron schedule. The pipeline also expires lazily on the next message; the
// sweep closes sessions for users who never come back.
func (s *Scheduler) RegisterSessionExpiry(spec string, store session.Store, ttl time.Duration) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		n, err := store.ExpireIdle(ctx, time.Now().UTC().Add(-ttl))
		if err != nil {
			log.Error().Err(err).Msg("session_expiry_sweep_failed")
			return
		}
		if n > 0 {
			log.Info().Int64("closed", n).Msg("session_expiry_sweep")
		}
	})
	if err != nil {
		return fmt.Errorf("registering session expiry cron %q: %w", spec, err)
	}
	return nil
}

// RegisterCatalogSync refreshes the catalog snapshot on the given cron
// schedule.
func (s *Scheduler) RegisterCatalogSync(spec string, syncer CatalogSyncer) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		if _, err := syncer.Sync(ctx); err != nil {
			log.Error().Err(err).Msg("catalog_sync_failed")
		}
	})
	if err != nil {
		return fmt.Errorf("registering catalog sync cron %q: %w", spec, err)
	}
	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
