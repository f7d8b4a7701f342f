package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/obsmetrics"
	"github.com/nodenexus/nodenexus/internal/protocol"
)

// Sink is the narrow outbound capability the orchestrator needs from a
// registered agent session.
type Sink interface {
	Send(ctx context.Context, typ protocol.PayloadType, payload any) error
}

// Dispatcher resolves a host id to its current outbound sink.
type Dispatcher interface {
	Lookup(hostID int64) (Sink, bool)
}

// Store is the persistence boundary for batch/child rows.
type Store interface {
	CreateBatch(ctx context.Context, cmd Command, children []Child) error
	UpdateChildStatus(ctx context.Context, childUUID string, status ChildStatus, exitCode int, errMsg string) error
	UpdateChildOutputTime(ctx context.Context, childUUID string, at time.Time) error
	ChildStatuses(ctx context.Context, batchUUID string) ([]ChildStatus, error)
	Child(ctx context.Context, childUUID string) (Child, error)
	NonTerminalChildren(ctx context.Context, batchUUID string) ([]Child, error)
	UpdateBatchStatus(ctx context.Context, batchUUID string, status Status) (Status, error)
	Batch(ctx context.Context, batchUUID string) (Command, error)
}

// Events is the fan-out boundary for the three broadcast event kinds:
// NEW_LOG_OUTPUT, CHILD_TASK_UPDATE, BATCH_TASK_UPDATE.
type Events interface {
	NewLogOutput(batchUUID string, evt protocol.BatchCommandOutputStream)
	ChildTaskUpdate(batchUUID string, child Child)
	BatchTaskUpdate(cmd Command)
}

// Orchestrator drives batch commands end to end: creation, dispatch,
// output aggregation, termination, and parent rollup.
type Orchestrator struct {
	store      Store
	dispatcher Dispatcher
	events     Events
	metrics    *obsmetrics.Metrics
	log        *logrus.Entry

	childLocks sync.Map // childUUID -> *sync.Mutex, serializes per-child event order
}

// New constructs an Orchestrator.
func New(store Store, dispatcher Dispatcher, events Events, metrics *obsmetrics.Metrics, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{store: store, dispatcher: dispatcher, events: events, metrics: metrics, log: log}
}

func (o *Orchestrator) childLock(childUUID string) *sync.Mutex {
	v, _ := o.childLocks.LoadOrStore(childUUID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Accept creates the parent row plus one child per target host, both
// Pending, and returns the new batch uuid without waiting on dispatch.
func (o *Orchestrator) Accept(ctx context.Context, req Request) (string, error) {
	batchUUID := uuid.NewString()
	now := time.Now().UTC()

	cmd := Command{
		UUID:             batchUUID,
		OwnerUserID:      req.OwnerUserID,
		Content:          req.Content,
		ScriptRef:        req.ScriptRef,
		TargetHostIDs:    req.TargetHostIDs,
		WorkingDirectory: req.WorkingDirectory,
		Alias:            req.Alias,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	children := make([]Child, 0, len(req.TargetHostIDs))
	for _, hostID := range req.TargetHostIDs {
		children = append(children, Child{
			UUID:       uuid.NewString(),
			ParentUUID: batchUUID,
			HostID:     hostID,
			Status:     ChildPending,
		})
	}

	if err := o.store.CreateBatch(ctx, cmd, children); err != nil {
		return "", fmt.Errorf("create batch: %w", err)
	}
	return batchUUID, nil
}

// Dispatch sends each child to its agent, if connected.
func (o *Orchestrator) Dispatch(ctx context.Context, batchUUID string) error {
	cmd, err := o.store.Batch(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchUUID, err)
	}
	children, err := o.store.NonTerminalChildren(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("load children for %s: %w", batchUUID, err)
	}

	for _, child := range children {
		o.dispatchOne(ctx, cmd, child)
	}
	return o.recomputeParent(ctx, batchUUID)
}

func (o *Orchestrator) dispatchOne(ctx context.Context, cmd Command, child Child) {
	sink, ok := o.dispatcher.Lookup(child.HostID)
	if !ok {
		o.setChildStatus(ctx, child.UUID, ChildAgentUnreachable, 0, "Agent not connected")
		o.metrics.BatchChildrenDispatchedTotal.WithLabelValues("unreachable").Inc()
		return
	}

	err := sink.Send(ctx, protocol.TypeBatchAgentCommandRequest, protocol.BatchAgentCommandRequest{
		ChildUUID:        child.UUID,
		Type:             "shell",
		Content:          cmd.Content,
		WorkingDirectory: cmd.WorkingDirectory,
	})
	if err != nil {
		o.setChildStatus(ctx, child.UUID, ChildAgentUnreachable, 0, fmt.Sprintf("enqueue failed: %v", err))
		o.metrics.BatchChildrenDispatchedTotal.WithLabelValues("unreachable").Inc()
		return
	}

	o.setChildStatus(ctx, child.UUID, ChildSentToAgent, 0, "")
	o.metrics.BatchChildrenDispatchedTotal.WithLabelValues("sent").Inc()
}

// HandleOutput handles one output-stream event: update last_output_at and
// broadcast NEW_LOG_OUTPUT. It does not affect status.
func (o *Orchestrator) HandleOutput(ctx context.Context, batchUUID string, evt protocol.BatchCommandOutputStream) error {
	lock := o.childLock(evt.ChildUUID)
	lock.Lock()
	defer lock.Unlock()

	at := time.UnixMilli(evt.Time).UTC()
	if err := o.store.UpdateChildOutputTime(ctx, evt.ChildUUID, at); err != nil {
		return fmt.Errorf("update child output time: %w", err)
	}
	o.events.NewLogOutput(batchUUID, evt)
	return nil
}

// HandleResult handles a child's terminal result: update child status,
// broadcast CHILD_TASK_UPDATE, then recompute and (if changed) broadcast
// the parent rollup. Status transitions never regress from terminal back
// to non-terminal; this method enforces that directly.
func (o *Orchestrator) HandleResult(ctx context.Context, batchUUID string, result protocol.BatchCommandResult) error {
	status := ChildStatus(result.Status)

	lock := o.childLock(result.ChildUUID)
	lock.Lock()
	cur, err := o.store.Child(ctx, result.ChildUUID)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("load child %s: %w", result.ChildUUID, err)
	}
	if cur.Status.IsTerminal() {
		// A terminal status must never be overwritten by a later event.
		lock.Unlock()
		return nil
	}
	if err := o.store.UpdateChildStatus(ctx, result.ChildUUID, status, result.ExitCode, result.ErrorMessage); err != nil {
		lock.Unlock()
		return fmt.Errorf("update child status: %w", err)
	}
	lock.Unlock()

	child, err := o.store.Child(ctx, result.ChildUUID)
	if err != nil {
		return fmt.Errorf("reload child %s: %w", result.ChildUUID, err)
	}
	o.events.ChildTaskUpdate(batchUUID, child)

	return o.recomputeParent(ctx, batchUUID)
}

func (o *Orchestrator) setChildStatus(ctx context.Context, childUUID string, status ChildStatus, exitCode int, errMsg string) {
	lock := o.childLock(childUUID)
	lock.Lock()
	defer lock.Unlock()
	if err := o.store.UpdateChildStatus(ctx, childUUID, status, exitCode, errMsg); err != nil {
		o.log.WithError(err).WithField("child_uuid", childUUID).Error("update child status")
	}
}

// recomputeParent reads every child's status, applies Rollup, and persists
// + broadcasts a new parent status if it changed.
func (o *Orchestrator) recomputeParent(ctx context.Context, batchUUID string) error {
	statuses, err := o.store.ChildStatuses(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("load child statuses: %w", err)
	}
	cmd, err := o.store.Batch(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}

	next := Rollup(statuses, cmd.Status == StatusTerminating)
	if cmd.Status == StatusTerminating && !next.IsTerminal() {
		// A batch being terminated stays Terminating until every child is terminal.
		next = StatusTerminating
	}
	if next == cmd.Status {
		return nil
	}

	prev, err := o.store.UpdateBatchStatus(ctx, batchUUID, next)
	if err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if prev == next {
		return nil
	}

	o.metrics.BatchParentTransitionsTotal.WithLabelValues(string(next)).Inc()
	updated, err := o.store.Batch(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("reload batch: %w", err)
	}
	o.events.BatchTaskUpdate(updated)
	return nil
}

// Terminate marks eligible (non-terminal) children and the parent
// Terminating, then sends BatchTerminateCommandRequest to each reachable
// agent. A child whose agent is unreachable at termination time is
// finalized immediately.
func (o *Orchestrator) Terminate(ctx context.Context, batchUUID string) error {
	if _, err := o.store.UpdateBatchStatus(ctx, batchUUID, StatusTerminating); err != nil {
		return fmt.Errorf("mark batch terminating: %w", err)
	}

	children, err := o.store.NonTerminalChildren(ctx, batchUUID)
	if err != nil {
		return fmt.Errorf("load non-terminal children: %w", err)
	}

	for _, child := range children {
		o.terminateChild(ctx, batchUUID, child)
	}
	return o.recomputeParent(ctx, batchUUID)
}

// TerminateChild terminates one child of a batch.
func (o *Orchestrator) TerminateChild(ctx context.Context, batchUUID string, child Child) error {
	o.terminateChild(ctx, batchUUID, child)
	return o.recomputeParent(ctx, batchUUID)
}

func (o *Orchestrator) terminateChild(ctx context.Context, batchUUID string, child Child) {
	if child.Status.IsTerminal() {
		return
	}

	sink, ok := o.dispatcher.Lookup(child.HostID)
	if !ok {
		o.finalizeChild(ctx, batchUUID, child.UUID, ChildTerminated, -1, "Agent unreachable during termination")
		return
	}

	o.setChildStatus(ctx, child.UUID, ChildTerminating, 0, "")
	if err := sink.Send(ctx, protocol.TypeBatchTerminateCommandRequest, protocol.BatchTerminateCommandRequest{ChildUUID: child.UUID}); err != nil {
		o.finalizeChild(ctx, batchUUID, child.UUID, ChildTerminated, -1, "Agent unreachable during termination")
	}
}

func (o *Orchestrator) finalizeChild(ctx context.Context, batchUUID, childUUID string, status ChildStatus, exitCode int, msg string) {
	o.setChildStatus(ctx, childUUID, status, exitCode, msg)
	child, err := o.store.Child(ctx, childUUID)
	if err != nil {
		o.log.WithError(err).WithField("child_uuid", childUUID).Error("reload child after finalize")
		return
	}
	o.events.ChildTaskUpdate(batchUUID, child)
}
