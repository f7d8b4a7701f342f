// Package batch implements the two-level batch-command orchestrator:
// parent BatchCommand plus per-host ChildCommand rows, dispatch, streamed
// output aggregation, termination, and parent status rollup.
package batch

import "time"

// Status is a BatchCommand's overall status.
type Status string

const (
	StatusPending               Status = "Pending"
	StatusDispatching           Status = "Dispatching"
	StatusExecuting             Status = "Executing"
	StatusCompletedSuccessfully Status = "CompletedSuccessfully"
	StatusCompletedWithErrors   Status = "CompletedWithErrors"
	StatusTerminating           Status = "Terminating"
	StatusTerminated            Status = "Terminated"
	StatusFailedToDispatch      Status = "FailedToDispatch"
)

// IsTerminal reports whether a BatchCommand's status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompletedSuccessfully, StatusCompletedWithErrors, StatusTerminated, StatusFailedToDispatch:
		return true
	default:
		return false
	}
}

// ChildStatus is a ChildCommand's status.
type ChildStatus string

const (
	ChildPending               ChildStatus = "Pending"
	ChildSentToAgent           ChildStatus = "SentToAgent"
	ChildAgentAccepted         ChildStatus = "AgentAccepted"
	ChildExecuting             ChildStatus = "Executing"
	ChildCompletedSuccessfully ChildStatus = "CompletedSuccessfully"
	ChildCompletedWithFailure  ChildStatus = "CompletedWithFailure"
	ChildTerminating           ChildStatus = "Terminating"
	ChildTerminated            ChildStatus = "Terminated"
	ChildAgentUnreachable      ChildStatus = "AgentUnreachable"
	ChildTimedOut              ChildStatus = "TimedOut"
	ChildAgentError            ChildStatus = "AgentError"
)

// IsTerminal reports whether a ChildCommand's status is final.
func (s ChildStatus) IsTerminal() bool {
	switch s {
	case ChildCompletedSuccessfully, ChildCompletedWithFailure, ChildTerminated,
		ChildAgentUnreachable, ChildTimedOut, ChildAgentError:
		return true
	default:
		return false
	}
}

// isFailureOutcome reports whether a terminal child status counts as a
// failure for parent rollup purposes.
func (s ChildStatus) isFailureOutcome() bool {
	switch s {
	case ChildCompletedWithFailure, ChildAgentError, ChildAgentUnreachable, ChildTimedOut:
		return true
	default:
		return false
	}
}

// pastSentToAgent reports whether a child has progressed beyond the initial
// dispatch attempt (used to distinguish Dispatching from Executing while
// children remain non-terminal).
func (s ChildStatus) pastSentToAgent() bool {
	switch s {
	case ChildAgentAccepted, ChildExecuting, ChildCompletedSuccessfully, ChildCompletedWithFailure,
		ChildTerminating, ChildTerminated, ChildAgentError, ChildTimedOut:
		return true
	default:
		return false
	}
}

// Command is the parent BatchCommand row.
type Command struct {
	UUID             string
	OwnerUserID      int64
	Content          string
	ScriptRef        string
	TargetHostIDs    []int64
	WorkingDirectory string
	Alias            string
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// Child is one ChildCommand row.
type Child struct {
	UUID            string
	ParentUUID      string
	HostID          int64
	Status          ChildStatus
	ExitCode        int
	ErrorMessage    string
	AgentStartedAt  *time.Time
	AgentCompletedAt *time.Time
	LastOutputAt    *time.Time
}

// Request is one accepted batch-command submission.
type Request struct {
	OwnerUserID      int64
	TargetHostIDs    []int64
	Content          string
	ScriptRef        string
	WorkingDirectory string
	Alias            string
}
