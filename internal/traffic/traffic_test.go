package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyTreatsDecreaseAsReset(t *testing.T) {
	// net_rx_cum=[100, 150, 50]: cycle_rx == 200
	// (100 initial + 50 delta + 50-as-reset on the third sample).
	s := &State{}
	Apply(s, Cumulative{Rx: 100})
	Apply(s, Cumulative{Rx: 150})
	d := Apply(s, Cumulative{Rx: 50})

	assert.True(t, d.WasReset)
	assert.Equal(t, uint64(50), d.DeltaRx)
	assert.Equal(t, uint64(200), s.CycleRx)
	assert.Equal(t, uint64(50), s.LastProcessedRx)
}

func TestApplyMonotonicEqualsLastMinusFirst(t *testing.T) {
	// Monotonic case: total delta == cn - c1 when the sequence never
	// decreases and the baseline is already the first reading.
	seq := []uint64{100, 140, 300, 300, 455}
	s := &State{LastProcessedRx: seq[0]}
	var total uint64
	for _, c := range seq[1:] {
		d := Apply(s, Cumulative{Rx: c})
		assert.False(t, d.WasReset)
		total += d.DeltaRx
	}
	assert.Equal(t, seq[len(seq)-1]-seq[0], total)
	assert.Equal(t, seq[len(seq)-1], s.LastProcessedRx)
}

func TestApplyAllResetsSumsEveryReading(t *testing.T) {
	// Worst case: every sample is a reset (strictly decreasing sequence)
	// -> total accumulated delta == sum of all readings.
	seq := []uint64{500, 400, 300, 120, 10}
	s := &State{}
	var total uint64
	for _, c := range seq {
		d := Apply(s, Cumulative{Rx: c})
		total += d.DeltaRx
	}
	var want uint64
	for _, c := range seq {
		want += c
	}
	assert.Equal(t, want, total)
	assert.Equal(t, want, s.CycleRx)
}

func TestCycleCountersNeverDecrease(t *testing.T) {
	s := &State{}
	readings := []uint64{10, 5, 20, 1, 1, 0, 50}
	var prevCycle uint64
	for _, c := range readings {
		Apply(s, Cumulative{Rx: c})
		assert.GreaterOrEqual(t, s.CycleRx, prevCycle)
		prevCycle = s.CycleRx
	}
}

func TestBillableUsage(t *testing.T) {
	assert.Equal(t, uint64(300), BillableUsage(RuleSum, 100, 200))
	assert.Equal(t, uint64(200), BillableUsage(RuleMax, 100, 200))
	assert.Equal(t, uint64(100), BillableUsage(RuleRxOnly, 100, 200))
	assert.Equal(t, uint64(200), BillableUsage(RuleTxOnly, 100, 200))
	assert.Equal(t, uint64(300), BillableUsage(BillingRule("unknown"), 100, 200))
}

func TestReset(t *testing.T) {
	s := &State{CycleRx: 100, CycleTx: 200, LastProcessedRx: 500, LastProcessedTx: 600}
	Reset(s)
	assert.Equal(t, uint64(0), s.CycleRx)
	assert.Equal(t, uint64(0), s.CycleTx)
	assert.Equal(t, uint64(500), s.LastProcessedRx, "last-processed must survive a scheduled reset")
	assert.Equal(t, uint64(600), s.LastProcessedTx)
}
