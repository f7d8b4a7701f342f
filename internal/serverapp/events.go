package serverapp

import (
	"github.com/nodenexus/nodenexus/internal/batch"
	"github.com/nodenexus/nodenexus/internal/livestate"
	"github.com/nodenexus/nodenexus/internal/protocol"
)

// batchEvents adapts *livestate.Bus to batch.Events, implementing the
// three batch broadcast event kinds.
type batchEvents struct {
	bus *livestate.Bus
}

func (e batchEvents) NewLogOutput(batchUUID string, evt protocol.BatchCommandOutputStream) {
	e.bus.Broadcast(livestate.EventNewLogOutput, struct {
		BatchUUID string                             `json:"batch_uuid"`
		Event     protocol.BatchCommandOutputStream `json:"event"`
	}{batchUUID, evt})
}

func (e batchEvents) ChildTaskUpdate(batchUUID string, child batch.Child) {
	e.bus.Broadcast(livestate.EventChildTaskUpdate, struct {
		BatchUUID string      `json:"batch_uuid"`
		Child     batch.Child `json:"child"`
	}{batchUUID, child})
}

func (e batchEvents) BatchTaskUpdate(cmd batch.Command) {
	e.bus.Broadcast(livestate.EventBatchTaskUpdate, cmd)
}
