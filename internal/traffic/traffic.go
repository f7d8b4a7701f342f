// Package traffic implements per-host monotonic-counter delta accounting
// for traffic cycles, including counter-reset detection and the four
// billing-rule variants used to derive a billable usage figure from the
// accumulated cycle counters.
package traffic

// BillingRule selects how cycle_rx/cycle_tx combine into a billable total.
type BillingRule string

const (
	RuleSum    BillingRule = "sum"
	RuleMax    BillingRule = "max"
	RuleRxOnly BillingRule = "rx-only"
	RuleTxOnly BillingRule = "tx-only"
)

// Cumulative is the pair of monotonic counters reported in one sample.
type Cumulative struct {
	Rx uint64
	Tx uint64
}

// State is the per-host traffic-cycle counter state (the fields this
// package owns; reset scheduling fields live in internal/reset).
type State struct {
	CycleRx         uint64
	CycleTx         uint64
	LastProcessedRx uint64
	LastProcessedTx uint64
}

// Delta is the result of applying one new cumulative reading to State.
type Delta struct {
	DeltaRx   uint64
	DeltaTx   uint64
	WasReset  bool
}

// Apply implements the counter accounting:
//
//	delta = new >= last ? new - last : new   (a decrease is a counter reset)
//	cycle += delta
//	last_processed = new
//
// It mutates State in place and returns the computed deltas. Cycle
// counters never decrease.
func Apply(s *State, reading Cumulative) Delta {
	d := Delta{}

	if reading.Rx >= s.LastProcessedRx {
		d.DeltaRx = reading.Rx - s.LastProcessedRx
	} else {
		d.DeltaRx = reading.Rx
		d.WasReset = true
	}

	if reading.Tx >= s.LastProcessedTx {
		d.DeltaTx = reading.Tx - s.LastProcessedTx
	} else {
		d.DeltaTx = reading.Tx
		d.WasReset = true
	}

	s.CycleRx += d.DeltaRx
	s.CycleTx += d.DeltaTx
	s.LastProcessedRx = reading.Rx
	s.LastProcessedTx = reading.Tx

	return d
}

// BillableUsage derives the billable total from accumulated cycle counters
// per the reset-config billing rule.
func BillableUsage(rule BillingRule, cycleRx, cycleTx uint64) uint64 {
	switch rule {
	case RuleMax:
		if cycleRx > cycleTx {
			return cycleRx
		}
		return cycleTx
	case RuleRxOnly:
		return cycleRx
	case RuleTxOnly:
		return cycleTx
	case RuleSum:
		fallthrough
	default:
		return cycleRx + cycleTx
	}
}

// Reset zeroes the cycle counters (invoked by the store's ApplyTrafficReset
// when a scheduled reset fires). It
// deliberately leaves LastProcessed{Rx,Tx} untouched: the next sample after
// a scheduled reset still reports the agent's real cumulative counter, and
// Apply's decrease-detection would otherwise misfire on the very next
// sample if LastProcessed were zeroed here too.
func Reset(s *State) {
	s.CycleRx = 0
	s.CycleTx = 0
}
