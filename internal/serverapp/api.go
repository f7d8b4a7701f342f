package serverapp

import (
	"context"
	"fmt"

	"github.com/nodenexus/nodenexus/internal/batch"
	"github.com/nodenexus/nodenexus/internal/effconfig"
)

// This file is the operation surface the client-facing REST layer
// consumes: batch command create/terminate/detail and the config
// push/retry path.

// SubmitBatchCommand accepts a batch command request, returning the new
// batch uuid immediately; dispatch to the target agents proceeds in the
// background.
func (a *App) SubmitBatchCommand(ctx context.Context, req batch.Request) (string, error) {
	batchUUID, err := a.orch.Accept(ctx, req)
	if err != nil {
		return "", err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.orch.Dispatch(context.Background(), batchUUID); err != nil {
			a.log.WithError(err).WithField("batch_id", batchUUID).Error("dispatch batch command")
		}
	}()

	return batchUUID, nil
}

// TerminateBatch marks every eligible child (and the parent) Terminating
// and signals each reachable agent.
func (a *App) TerminateBatch(ctx context.Context, batchUUID string) error {
	return a.orch.Terminate(ctx, batchUUID)
}

// TerminateChild terminates a single child of a batch.
func (a *App) TerminateChild(ctx context.Context, batchUUID, childUUID string) error {
	child, err := a.store.Child(ctx, childUUID)
	if err != nil {
		return err
	}
	if child.ParentUUID != batchUUID {
		return fmt.Errorf("serverapp: child %s does not belong to batch %s", childUUID, batchUUID)
	}
	return a.orch.TerminateChild(ctx, batchUUID, child)
}

// BatchDetail is the parent row plus all of its children.
type BatchDetail struct {
	Command  batch.Command
	Children []batch.Child
}

// GetBatchDetail loads one batch command and its children.
func (a *App) GetBatchDetail(ctx context.Context, batchUUID string) (BatchDetail, error) {
	cmd, err := a.store.Batch(ctx, batchUUID)
	if err != nil {
		return BatchDetail{}, err
	}
	children, err := a.store.Children(ctx, batchUUID)
	if err != nil {
		return BatchDetail{}, err
	}
	return BatchDetail{Command: cmd, Children: children}, nil
}

// PushConfigToHost recomputes hostID's effective config and pushes it to
// the connected agent. Invoked whenever the host's override, the global
// config, monitor assignments, or tag membership changes, and by the
// retry-config route. If the agent is not connected the push is marked
// failed immediately.
func (a *App) PushConfigToHost(ctx context.Context, hostID int64) error {
	cfg, err := a.store.EffectiveConfig(ctx, hostID)
	if err != nil {
		a.metrics.ConfigPushTotal.WithLabelValues("resolve_error").Inc()
		return fmt.Errorf("serverapp: resolve config for host %d: %w", hostID, err)
	}

	var sink effconfig.Sink
	if sess, ok := a.reg.Lookup(hostID); ok {
		sink = sess.Sink
		sess.SetConfig(cfg)
	}

	err = effconfig.Push(ctx, a.pending, a.store, hostID, sink, cfg)
	switch {
	case sink == nil:
		a.metrics.ConfigPushTotal.WithLabelValues("offline").Inc()
	case err != nil:
		a.metrics.ConfigPushTotal.WithLabelValues("error").Inc()
	default:
		a.metrics.ConfigPushTotal.WithLabelValues("sent").Inc()
	}
	return err
}
