package chooser

import (
	"context"

	"github.com/Noma-Machiko/image-chooser-classic/pkg/events"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

// Notifier tells the observer a node has paused
type Notifier interface {
	Notify(ctx context.Context, channel types.EventType, oc types.OpenContext) error
}

// BusNotifier publishes open contexts on the event bus
type BusNotifier struct {
	bus    *events.Bus
	source string
}

// NewBusNotifier creates a notifier publishing on bus
func NewBusNotifier(bus *events.Bus) *BusNotifier {
	return &BusNotifier{bus: bus, source: "chooser"}
}

// Notify implements Notifier
func (n *BusNotifier) Notify(ctx context.Context, channel types.EventType, oc types.OpenContext) error {
	return n.bus.Publish(ctx, types.Event{
		Type:   channel,
		Source: n.source,
		Data:   oc.Map(),
		Metadata: types.EventMetadata{
			NodeID: oc.UniqueID,
		},
	})
}
