package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nodenexus/nodenexus/internal/registry"
)

// OfflineDetector is notified when the sweeper judges a session to have
// gone silent past its negotiated heartbeat allowance.
type OfflineDetector interface {
	OnSessionWentOffline(ctx context.Context, hostID int64)
}

// Sweeper periodically scans the registry for sessions whose last-seen
// timestamp has exceeded missedBeats * their negotiated heartbeat interval,
// marking them offline.
type Sweeper struct {
	registry         *registry.Registry
	detector         OfflineDetector
	defaultHeartbeat time.Duration
	missedBeats      int
	log              *logrus.Entry
}

// NewSweeper constructs a Sweeper. defaultHeartbeat is used for any session
// whose negotiated HeartbeatIntervalSeconds is unset (zero).
func NewSweeper(reg *registry.Registry, detector OfflineDetector, defaultHeartbeat time.Duration, missedBeats int, log *logrus.Entry) *Sweeper {
	return &Sweeper{
		registry:         reg,
		detector:         detector,
		defaultHeartbeat: defaultHeartbeat,
		missedBeats:      missedBeats,
		log:              log,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep runs one pass, exported for direct testing without a ticker.
func (sw *Sweeper) Sweep(ctx context.Context) {
	now := time.Now()
	for _, s := range sw.registry.Snapshot() {
		heartbeat := sw.negotiatedHeartbeat(s)
		allowance := time.Duration(sw.missedBeats) * heartbeat
		if now.Sub(s.LastSeen()) <= allowance {
			continue
		}
		sw.log.WithField("host_id", s.HostID).Warn("session: marking offline, missed heartbeat allowance")
		sw.detector.OnSessionWentOffline(ctx, s.HostID)
	}
}

func (sw *Sweeper) negotiatedHeartbeat(s *registry.Session) time.Duration {
	secs := s.Config().HeartbeatIntervalSeconds
	if secs <= 0 {
		return sw.defaultHeartbeat
	}
	return time.Duration(secs) * time.Second
}
