package batch

// Rollup computes the parent BatchCommand status from the multiset of its
// children's statuses. It is a pure function of the children and whether
// the parent was already in Terminating state, and it is never
// non-terminal once every child is terminal.
func Rollup(children []ChildStatus, parentWasTerminating bool) Status {
	if len(children) == 0 {
		return StatusPending
	}

	allTerminal := true
	anyPastSentToAgent := false
	for _, c := range children {
		if !c.IsTerminal() {
			allTerminal = false
		}
		if c.pastSentToAgent() {
			anyPastSentToAgent = true
		}
	}

	if !allTerminal {
		if anyPastSentToAgent {
			return StatusExecuting
		}
		return StatusDispatching
	}

	allSuccess := true
	anyFailure := false
	anyTerminated := false
	for _, c := range children {
		if c != ChildCompletedSuccessfully {
			allSuccess = false
		}
		if c.isFailureOutcome() {
			anyFailure = true
		}
		if c == ChildTerminated {
			anyTerminated = true
		}
	}

	switch {
	case allSuccess:
		return StatusCompletedSuccessfully
	case anyFailure:
		return StatusCompletedWithErrors
	case anyTerminated && parentWasTerminating:
		return StatusTerminated
	case anyTerminated:
		// Terminated without an in-flight termination request is not
		// expected by the state machine but must still resolve to a
		// terminal, non-regressing status.
		return StatusCompletedWithErrors
	default:
		return StatusCompletedWithErrors
	}
}
