package reset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestNextResetLeapClamp(t *testing.T) {
	// day=31 offset=0, last-reset=2024-01-31 -> 2024-02-29 (leap clamp).
	last := mustParse(t, "2024-01-31T00:00:00Z")
	got := NextReset(last, ResetConfig{Rule: RuleMonthlyDayOfMonth, Day: 31, OffsetSeconds: 0})
	want := mustParse(t, "2024-02-29T00:00:00Z")
	assert.True(t, got.Equal(want), "got %s want %s", got, want)
}

func TestNextResetFollowingMonth(t *testing.T) {
	// last-reset=2024-02-29 -> 2024-03-31.
	last := mustParse(t, "2024-02-29T00:00:00Z")
	got := NextReset(last, ResetConfig{Rule: RuleMonthlyDayOfMonth, Day: 31, OffsetSeconds: 0})
	want := mustParse(t, "2024-03-31T00:00:00Z")
	assert.True(t, got.Equal(want), "got %s want %s", got, want)
}

func TestNextResetMonthlyWithOffset(t *testing.T) {
	last := mustParse(t, "2025-01-15T01:00:00Z")
	got := NextReset(last, ResetConfig{Rule: RuleMonthlyDayOfMonth, Day: 15, OffsetSeconds: 3600})
	want := mustParse(t, "2025-02-15T01:00:00Z")
	assert.True(t, got.Equal(want), "got %s want %s", got, want)
}

func TestNextResetFixedDays(t *testing.T) {
	last := mustParse(t, "2025-01-01T00:00:00Z")
	got := NextReset(last, ResetConfig{Rule: RuleFixedDays, Days: 30})
	want := mustParse(t, "2025-01-31T00:00:00Z")
	assert.True(t, got.Equal(want))
}

func TestNextRenewalPreservesTimeOfDay(t *testing.T) {
	ref := mustParse(t, "2025-01-31T13:45:30Z")
	got := NextRenewal(ref, CycleMonthly, 0)
	want := mustParse(t, "2025-02-28T13:45:30Z")
	assert.True(t, got.Equal(want), "got %s want %s", got, want)
}

func TestNextRenewalQuarterlyAndAnnual(t *testing.T) {
	ref := mustParse(t, "2025-11-30T00:00:00Z")
	q := NextRenewal(ref, CycleQuarterly, 0)
	assert.True(t, q.Equal(mustParse(t, "2026-02-28T00:00:00Z")), "got %s", q)

	a := NextRenewal(ref, CycleAnnual, 0)
	assert.True(t, a.Equal(mustParse(t, "2026-11-30T00:00:00Z")), "got %s", a)
}

func TestNextRenewalCustomDays(t *testing.T) {
	ref := mustParse(t, "2025-01-01T00:00:00Z")
	got := NextRenewal(ref, CycleCustomDays, 45)
	assert.True(t, got.Equal(mustParse(t, "2025-02-15T00:00:00Z")))
}

func TestReminderDueIdempotent(t *testing.T) {
	now := mustParse(t, "2025-01-01T00:00:00Z")
	next := mustParse(t, "2025-01-05T00:00:00Z")

	assert.True(t, ReminderDue(now, next, 7, false))
	assert.False(t, ReminderDue(now, next, 7, true), "must not fire again once active")
	assert.False(t, ReminderDue(now, mustParse(t, "2025-02-01T00:00:00Z"), 7, false), "outside threshold")
}
