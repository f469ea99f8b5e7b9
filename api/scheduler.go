/*
scheduler.go - In-process pending sync scheduler

PURPOSE:
  Periodically retries pending syncs whose NextRunAt has passed. This is
  the in-process alternative to calling POST /api/sync/process-due from
  an external cron.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Each tick calls Syncer.ProcessDue with a batch limit
  - Failed stubs are rescheduled by the syncer with exponential backoff

CONFIGURATION:
  - CheckInterval: How often to check (ingest.sync_interval; 0 disables)
  - BatchSize: Stubs per tick (ingest.sync_batch)

USAGE:
  scheduler := NewPendingSyncScheduler(syncer, interval, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ProcessDue endpoint (manual trigger)
  - ingest/sync.go: Syncer
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-ledger/ingest"
)

// PendingSyncScheduler retries due pending syncs on a ticker.
type PendingSyncScheduler struct {
	Syncer        *ingest.Syncer
	CheckInterval time.Duration
	BatchSize     int
	Now           func() time.Time
	Log           logrus.FieldLogger

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewPendingSyncScheduler creates a scheduler. A non-positive interval
// leaves it disabled.
func NewPendingSyncScheduler(syncer *ingest.Syncer, interval time.Duration, log logrus.FieldLogger) *PendingSyncScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PendingSyncScheduler{
		Syncer:        syncer,
		CheckInterval: interval,
		BatchSize:     50,
		Now:           func() time.Time { return time.Now().UTC() },
		Log:           log.WithField("component", "pending_sync_scheduler"),
	}
}

// Enabled reports whether Start will launch the loop.
func (s *PendingSyncScheduler) Enabled() bool {
	return s.Syncer != nil && s.CheckInterval > 0
}

// Start begins the scheduler.
func (s *PendingSyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled() {
		s.Log.Info("scheduler disabled, not starting")
		return
	}
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.running = true
	s.wg.Add(1)

	go s.run(ctx)

	s.Log.WithField("interval", s.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *PendingSyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.running = false
	s.Log.Info("scheduler stopped")
}

func (s *PendingSyncScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunOnce processes one batch of due stubs.
func (s *PendingSyncScheduler) RunOnce(ctx context.Context) ingest.SyncReport {
	report, err := s.Syncer.ProcessDue(ctx, s.Now(), s.BatchSize)
	if err != nil {
		s.Log.WithError(err).Error("failed to process pending syncs")
		return report
	}
	if report.Due > 0 {
		s.Log.WithFields(logrus.Fields{
			"due":         report.Due,
			"resolved":    report.Resolved,
			"rescheduled": report.Rescheduled,
		}).Info("pending syncs processed")
	}
	return report
}
