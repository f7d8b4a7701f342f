package reset

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
)

// HostTrafficRow is the subset of a host's traffic-cycle state the sweep
// reads and writes.
type HostTrafficRow struct {
	HostID         int64
	LastReset      time.Time
	ScheduledReset time.Time // the "next-reset" field as currently stored
	Config         ResetConfig
}

// RenewalRow is the subset of a vps_renewal_info row the sweep reads and
// writes.
type RenewalRow struct {
	HostID                int64
	AutoRenewEnabled      bool
	NextRenewalDate       time.Time
	Cycle                 RenewalCycle
	CustomDays            int
	ReminderThresholdDays int
	ReminderActive        bool
}

// Store is the persistence boundary the sweep depends on. Each method is
// expected to execute transactionally per host/row.
type Store interface {
	DueTrafficResets(ctx context.Context, now time.Time) ([]HostTrafficRow, error)
	ApplyTrafficReset(ctx context.Context, hostID int64, lastReset, nextReset time.Time) error

	DueRenewals(ctx context.Context, now time.Time) ([]RenewalRow, error)
	ApplyRenewal(ctx context.Context, hostID int64, lastRenewal, nextRenewal time.Time) error

	DueReminders(ctx context.Context, now time.Time) ([]RenewalRow, error)
	ActivateReminder(ctx context.Context, hostID int64, generatedAt time.Time) error
}

// NowFunc allows tests to control "now"; production code uses time.Now.
type NowFunc func() time.Time

// Scheduler runs the reset/renewal/reminder sweep on a one-minute cron tick.
type Scheduler struct {
	store   Store
	log     *logrus.Entry
	metrics *obsmetrics.Metrics
	now     NowFunc
	cron    *cron.Cron
}

// NewScheduler constructs a Scheduler. If now is nil, time.Now is used.
func NewScheduler(store Store, log *logrus.Entry, metrics *obsmetrics.Metrics, now NowFunc) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:   store,
		log:     log,
		metrics: metrics,
		now:     now,
		cron:    cron.New(cron.WithSeconds()),
	}
}

// Start schedules the sweep to run every minute and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc("0 * * * * *", func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for the in-flight sweep to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// Sweep runs one pass of the three sweep operations. It is exported so
// tests and callers needing deterministic timing can invoke it directly
// instead of waiting on the cron tick.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.now()
	s.metrics.ResetSweepsTotal.Inc()

	due, err := s.store.DueTrafficResets(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("reset sweep: list due traffic resets")
	}
	for _, row := range due {
		// last-reset advances to the scheduled reset time, not wall-clock
		// now, so the next computation stays anchored to the cadence.
		lastReset := row.ScheduledReset
		next := NextReset(lastReset, row.Config)
		if err := s.store.ApplyTrafficReset(ctx, row.HostID, lastReset, next); err != nil {
			s.log.WithError(err).WithField("host_id", row.HostID).Error("reset sweep: apply traffic reset")
		}
	}

	renewals, err := s.store.DueRenewals(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("reset sweep: list due renewals")
	}
	for _, row := range renewals {
		if !row.AutoRenewEnabled {
			continue
		}
		lastRenewal := row.NextRenewalDate
		next := NextRenewal(row.NextRenewalDate, row.Cycle, row.CustomDays)
		if err := s.store.ApplyRenewal(ctx, row.HostID, lastRenewal, next); err != nil {
			s.log.WithError(err).WithField("host_id", row.HostID).Error("reset sweep: apply renewal")
		}
	}

	reminders, err := s.store.DueReminders(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("reset sweep: list due reminders")
	}
	for _, row := range reminders {
		if !ReminderDue(now, row.NextRenewalDate, row.ReminderThresholdDays, row.ReminderActive) {
			continue
		}
		if err := s.store.ActivateReminder(ctx, row.HostID, now); err != nil {
			s.log.WithError(err).WithField("host_id", row.HostID).Error("reset sweep: activate reminder")
		}
	}
}
