package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/wallet-ledger/ledger"
)

// Backoff returns the delay before retry number attempts+1:
// base * 2^attempts, capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// SyncReport summarises one ProcessDue run.
type SyncReport struct {
	Due         int       `json:"due"`
	Processed   int       `json:"processed"`
	Resolved    int       `json:"resolved"`
	Rescheduled int       `json:"rescheduled"`
	Errors      []string  `json:"errors,omitempty"`
	Outcomes    []Outcome `json:"outcomes"`
}

// Syncer re-runs pending sync stubs whose retry time has passed. It is
// driven through the process-due endpoint or the in-process scheduler.
type Syncer struct {
	store      ledger.PendingSyncStore
	reconciler *Reconciler
	log        logrus.FieldLogger
}

func NewSyncer(store ledger.PendingSyncStore, reconciler *Reconciler, log logrus.FieldLogger) *Syncer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Syncer{store: store, reconciler: reconciler, log: log.WithField("component", "pending-sync")}
}

// ProcessDue replays every stub due at now, oldest first, at most limit of
// them (all when limit <= 0). Stubs are only removed by a successful
// resolution; anything else reschedules them.
func (s *Syncer) ProcessDue(ctx context.Context, now time.Time, limit int) (SyncReport, error) {
	due, err := s.store.ListDuePendingSyncs(ctx, now, limit)
	if err != nil {
		return SyncReport{}, fmt.Errorf("failed to list due pending syncs: %w", err)
	}
	report := SyncReport{Due: len(due), Outcomes: []Outcome{}}

	for _, stub := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := s.log.WithFields(logrus.Fields{
			"external_id": stub.ExternalID,
			"event":       stub.Event,
			"attempts":    stub.Attempts,
		})

		env := Envelope{Event: stub.Event, Data: stub.Payload, UserID: stub.UserID}
		out, err := s.reconciler.Handle(ctx, env)
		report.Processed++
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", stub.ExternalID, err))
			if rerr := s.reschedule(ctx, stub, now, err); rerr != nil {
				log.WithError(rerr).Error("failed to reschedule pending sync")
			}
			report.Rescheduled++
			continue
		}
		report.Outcomes = append(report.Outcomes, out)
		if out.State == StateIgnored {
			if rerr := s.reschedule(ctx, stub, now, ErrUnrecognizedEvent); rerr != nil {
				log.WithError(rerr).Error("failed to reschedule pending sync")
			}
			report.Rescheduled++
			continue
		}
		if out.PendingSync {
			report.Rescheduled++
			log.WithField("state", out.State).Info("pending sync still incomplete, rescheduled")
		} else {
			report.Resolved++
			log.WithField("state", out.State).Info("pending sync resolved")
		}
	}
	return report, nil
}

// reschedule handles stubs the reconciler rejected outright, e.g. a
// payload that no longer parses.
func (s *Syncer) reschedule(ctx context.Context, stub ledger.PendingSync, now time.Time, cause error) error {
	stub.Attempts++
	stub.LastError = cause.Error()
	stub.NextRunAt = now.Add(Backoff(stub.Attempts, s.reconciler.cfg.RetryBase, s.reconciler.cfg.RetryMax))
	stub.UpdatedAt = now
	return s.store.UpsertPendingSync(ctx, stub)
}
