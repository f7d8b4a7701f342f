package reset

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
)

func testMetrics() *obsmetrics.Metrics {
	return obsmetrics.NewWithRegistry(prometheus.NewRegistry())
}

type fakeStore struct {
	mu sync.Mutex

	traffic  []HostTrafficRow
	renewals []RenewalRow
	reminders []RenewalRow

	appliedTraffic []int64
	appliedRenewal []int64
	activatedReminder []int64
}

func (f *fakeStore) DueTrafficResets(ctx context.Context, now time.Time) ([]HostTrafficRow, error) {
	return f.traffic, nil
}

func (f *fakeStore) ApplyTrafficReset(ctx context.Context, hostID int64, lastReset, nextReset time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appliedTraffic = append(f.appliedTraffic, hostID)
	return nil
}

func (f *fakeStore) DueRenewals(ctx context.Context, now time.Time) ([]RenewalRow, error) {
	return f.renewals, nil
}

func (f *fakeStore) ApplyRenewal(ctx context.Context, hostID int64, lastRenewal, nextRenewal time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appliedRenewal = append(f.appliedRenewal, hostID)
	return nil
}

func (f *fakeStore) DueReminders(ctx context.Context, now time.Time) ([]RenewalRow, error) {
	return f.reminders, nil
}

func (f *fakeStore) ActivateReminder(ctx context.Context, hostID int64, generatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activatedReminder = append(f.activatedReminder, hostID)
	return nil
}

func TestSweepAppliesDueTrafficResets(t *testing.T) {
	store := &fakeStore{
		traffic: []HostTrafficRow{
			{HostID: 1, ScheduledReset: mustParse(t, "2025-01-15T01:00:00Z"), Config: ResetConfig{Rule: RuleMonthlyDayOfMonth, Day: 15, OffsetSeconds: 3600}},
		},
	}
	now := mustParse(t, "2025-01-15T01:00:01Z")
	sched := NewScheduler(store, logrus.NewEntry(logrus.New()), testMetrics(), func() time.Time { return now })

	sched.Sweep(context.Background())

	require.Len(t, store.appliedTraffic, 1)
	assert.Equal(t, int64(1), store.appliedTraffic[0])
}

func TestSweepSkipsRenewalsWithoutAutoRenew(t *testing.T) {
	store := &fakeStore{
		renewals: []RenewalRow{
			{HostID: 5, AutoRenewEnabled: false, NextRenewalDate: mustParse(t, "2025-01-01T00:00:00Z"), Cycle: CycleMonthly},
		},
	}
	now := mustParse(t, "2025-01-02T00:00:00Z")
	sched := NewScheduler(store, logrus.NewEntry(logrus.New()), testMetrics(), func() time.Time { return now })

	sched.Sweep(context.Background())

	assert.Empty(t, store.appliedRenewal)
}

func TestSweepActivatesReminderIdempotently(t *testing.T) {
	row := RenewalRow{HostID: 9, NextRenewalDate: mustParse(t, "2025-01-05T00:00:00Z"), ReminderThresholdDays: 7, ReminderActive: false}
	store := &fakeStore{reminders: []RenewalRow{row}}
	now := mustParse(t, "2025-01-01T00:00:00Z")
	sched := NewScheduler(store, logrus.NewEntry(logrus.New()), testMetrics(), func() time.Time { return now })

	sched.Sweep(context.Background())
	require.Len(t, store.activatedReminder, 1)

	store.reminders[0].ReminderActive = true
	store.activatedReminder = nil
	sched.Sweep(context.Background())
	assert.Empty(t, store.activatedReminder, "must not re-activate an already-active reminder")
}

