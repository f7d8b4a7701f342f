package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nodenexus/nodenexus/internal/reset"
	"github.com/nodenexus/nodenexus/internal/traffic"
)

type trafficResetRow struct {
	HostID        int64     `db:"id"`
	LastReset     time.Time `db:"last_reset"`
	NextReset     time.Time `db:"next_reset"`
	ResetRule     string    `db:"reset_rule"`
	ResetDay      int       `db:"reset_day"`
	OffsetSeconds int       `db:"reset_offset_seconds"`
	FixedDays     int       `db:"reset_fixed_days"`
}

// DueTrafficResets implements reset.Store.
func (s *Store) DueTrafficResets(ctx context.Context, now time.Time) ([]reset.HostTrafficRow, error) {
	var rows []trafficResetRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, last_reset, next_reset, reset_rule, reset_day, reset_offset_seconds, reset_fixed_days
		FROM vps WHERE next_reset <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list due traffic resets: %w", err)
	}

	out := make([]reset.HostTrafficRow, len(rows))
	for i, r := range rows {
		out[i] = reset.HostTrafficRow{
			HostID:         r.HostID,
			LastReset:      r.LastReset,
			ScheduledReset: r.NextReset,
			Config: reset.ResetConfig{
				Rule:          reset.ResetRule(r.ResetRule),
				Day:           r.ResetDay,
				OffsetSeconds: r.OffsetSeconds,
				Days:          r.FixedDays,
			},
		}
	}
	return out, nil
}

// ApplyTrafficReset implements reset.Store: zero the cycle counters via
// traffic.Reset (which leaves last_processed_{rx,tx} untouched so the next
// sample's delta accounting does not misfire) and advance
// last_reset/next_reset, transactionally per host.
func (s *Store) ApplyTrafficReset(ctx context.Context, hostID int64, lastReset, nextReset time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin traffic reset tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row, err := trafficStateForUpdate(ctx, tx, hostID)
	if err != nil {
		return err
	}
	st := row.toState()
	traffic.Reset(&st)
	if err := saveTrafficState(ctx, tx, hostID, trafficStateFrom(st)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE vps SET last_reset = $2, next_reset = $3, updated_at = now()
		WHERE id = $1`, hostID, lastReset, nextReset); err != nil {
		return fmt.Errorf("store: apply traffic reset for host %d: %w", hostID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit traffic reset tx: %w", err)
	}
	return nil
}

type renewalRow struct {
	HostID                int64     `db:"vps_id"`
	AutoRenewEnabled      bool      `db:"auto_renew_enabled"`
	NextRenewalDate       time.Time `db:"next_renewal_date"`
	Cycle                 string    `db:"cycle"`
	CustomDays            int       `db:"custom_days"`
	ReminderThresholdDays int       `db:"reminder_threshold_days"`
	ReminderActive        bool      `db:"reminder_active"`
}

func (r renewalRow) toRenewalRow() reset.RenewalRow {
	return reset.RenewalRow{
		HostID:                r.HostID,
		AutoRenewEnabled:      r.AutoRenewEnabled,
		NextRenewalDate:       r.NextRenewalDate,
		Cycle:                 reset.RenewalCycle(r.Cycle),
		CustomDays:            r.CustomDays,
		ReminderThresholdDays: r.ReminderThresholdDays,
		ReminderActive:        r.ReminderActive,
	}
}

// DueRenewals implements reset.Store.
func (s *Store) DueRenewals(ctx context.Context, now time.Time) ([]reset.RenewalRow, error) {
	var rows []renewalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT vps_id, auto_renew_enabled, next_renewal_date, cycle, custom_days,
		       reminder_threshold_days, reminder_active
		FROM vps_renewal_info WHERE auto_renew_enabled AND next_renewal_date <= $1`, now)
	if err != nil {
		return nil, fmt.Errorf("store: list due renewals: %w", err)
	}
	out := make([]reset.RenewalRow, len(rows))
	for i, r := range rows {
		out[i] = r.toRenewalRow()
	}
	return out, nil
}

// ApplyRenewal implements reset.Store.
func (s *Store) ApplyRenewal(ctx context.Context, hostID int64, lastRenewal, nextRenewal time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vps_renewal_info SET last_renewal_date = $2, next_renewal_date = $3,
			reminder_active = false, last_reminder_at = NULL
		WHERE vps_id = $1`, hostID, lastRenewal, nextRenewal)
	if err != nil {
		return fmt.Errorf("store: apply renewal for host %d: %w", hostID, err)
	}
	return nil
}

// DueReminders implements reset.Store.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]reset.RenewalRow, error) {
	var rows []renewalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT vps_id, auto_renew_enabled, next_renewal_date, cycle, custom_days,
		       reminder_threshold_days, reminder_active
		FROM vps_renewal_info WHERE NOT reminder_active`)
	if err != nil {
		return nil, fmt.Errorf("store: list reminder candidates: %w", err)
	}
	out := make([]reset.RenewalRow, len(rows))
	for i, r := range rows {
		out[i] = r.toRenewalRow()
	}
	return out, nil
}

// ActivateReminder implements reset.Store.
func (s *Store) ActivateReminder(ctx context.Context, hostID int64, generatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vps_renewal_info SET reminder_active = true, last_reminder_at = $2 WHERE vps_id = $1`,
		hostID, generatedAt)
	if err != nil {
		return fmt.Errorf("store: activate reminder for host %d: %w", hostID, err)
	}
	return nil
}
