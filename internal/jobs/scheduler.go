package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/scarryhott/tagtokn/internal/metrics"
	"github.com/scarryhott/tagtokn/internal/oauth"
)

const jobTimeout = 5 * time.Minute

// Scheduler manages background jobs
type Scheduler struct {
	cron      *cron.Cron
	db        *gorm.DB
	refresher *oauth.TokenRefresher
	metrics   *metrics.Collectors
	retention time.Duration
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewScheduler creates a new job scheduler. A nil refresher disables the
// token refresh job.
func NewScheduler(db *gorm.DB, refresher *oauth.TokenRefresher, m *metrics.Collectors, retention time.Duration) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		db:        db,
		refresher: refresher,
		metrics:   m,
		retention: retention,
		now:       time.Now,
	}
}

// Start registers the jobs and starts the scheduler
func (s *Scheduler) Start() error {
	// Sweep expired OAuth states every 10 minutes
	if _, err := s.cron.AddFunc("*/10 * * * *", s.sweepStates); err != nil {
		return err
	}

	// Refresh expiring provider tokens hourly at minute 15
	if s.refresher != nil {
		if _, err := s.cron.AddFunc("15 * * * *", s.refreshTokens); err != nil {
			return err
		}
	}

	s.cron.Start()
	log.Println("Job scheduler started")

	// Run the sweep once on start
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepStates()
	}()
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	log.Println("Job scheduler stopped")
}

// sweepStates deletes expired and over-retention OAuth states
func (s *Scheduler) sweepStates() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := oauth.SweepExpiredStates(ctx, s.db, s.now().UTC(), s.retention)
	if err != nil {
		log.Println("OAuth cleanup: Failed to delete expired states:", err)
		return
	}
	if n > 0 {
		log.Printf("OAuth cleanup: Deleted %d expired states", n)
	}
	s.metrics.StatesSwept(n)
}

// refreshTokens extends provider tokens that expire soon
func (s *Scheduler) refreshTokens() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	refreshed, failed, err := s.refresher.RefreshExpiring(ctx)
	s.metrics.TokenRefreshes(refreshed, failed)
	if err != nil {
		log.Println("OAuth refresh: Sweep aborted:", err)
		return
	}
	if refreshed > 0 || failed > 0 {
		log.Printf("OAuth refresh: Refreshed %d tokens, %d failed", refreshed, failed)
	}
}
