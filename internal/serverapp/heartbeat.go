package serverapp

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/livestate"
	"github.com/nodenexus/nodenexus/internal/registry"
)

// offlineDetector implements session.OfflineDetector: when the sweeper
// judges a session to have missed its heartbeat allowance, drop it from the
// registry, mark the host offline, and refresh the live-state snapshot.
type offlineDetector struct {
	reg   *registry.Registry
	store hostStatusStore
	bus   *livestate.Bus
	log   *logrus.Entry
}

func (d *offlineDetector) OnSessionWentOffline(ctx context.Context, hostID int64) {
	sess, ok := d.reg.Lookup(hostID)
	if !ok {
		return
	}
	if !d.reg.Drop(hostID, sess.Token) {
		return // a newer session already replaced this one
	}
	sess.Sink.Close()

	if err := d.store.SetStatus(ctx, hostID, "offline"); err != nil {
		d.log.WithError(err).WithField("host_id", hostID).Error("heartbeat sweep: mark host offline")
		return
	}
	if err := d.bus.RefreshSnapshot(ctx); err != nil {
		d.log.WithError(err).Error("heartbeat sweep: refresh snapshot")
	}
}
