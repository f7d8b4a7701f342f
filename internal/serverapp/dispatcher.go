package serverapp

import (
	"github.com/nodenexus/nodenexus/internal/batch"
	"github.com/nodenexus/nodenexus/internal/registry"
)

// registryDispatcher adapts *registry.Registry to batch.Dispatcher: resolve
// a host id to its currently registered outbound sink, if any.
type registryDispatcher struct {
	reg *registry.Registry
}

func (d registryDispatcher) Lookup(hostID int64) (batch.Sink, bool) {
	sess, ok := d.reg.Lookup(hostID)
	if !ok {
		return nil, false
	}
	return sess.Sink, true
}
