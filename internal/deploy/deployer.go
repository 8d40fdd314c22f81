// Package deploy turns topology change events into routing table
// publications. At most one build+publish is in flight per topology;
// changes arriving meanwhile are coalesced so the table converges to the
// latest definition even under a burst of rapid updates.
package deploy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/strandproxy/strand/internal/eventbus"
	"github.com/strandproxy/strand/internal/routing"
	"github.com/strandproxy/strand/internal/topology"
)

// Deployer consumes topology change events and publishes routing entries.
type Deployer struct {
	table   *routing.Table
	builder *routing.Builder
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*workItem
}

// workItem serializes deployments for one topology name. next holds the
// latest event that arrived while a deployment was in flight; older
// superseded events are discarded unprocessed.
type workItem struct {
	busy bool
	next *topology.ChangeEvent
}

// New constructs a Deployer publishing into the given table.
func New(table *routing.Table, builder *routing.Builder, logger *slog.Logger) *Deployer {
	return &Deployer{
		table:   table,
		builder: builder,
		logger:  logger.With("component", "deploy"),
		pending: make(map[string]*workItem),
	}
}

// Apply processes one change event. It is safe to call concurrently;
// events for the same topology are applied one at a time, latest wins.
func (d *Deployer) Apply(ev topology.ChangeEvent) {
	name := ev.Topology.Name

	d.mu.Lock()
	item, ok := d.pending[name]
	if !ok {
		item = &workItem{}
		d.pending[name] = item
	}
	if item.busy {
		item.next = &ev
		d.mu.Unlock()
		return
	}
	item.busy = true
	d.mu.Unlock()

	for {
		d.deploy(ev)

		d.mu.Lock()
		if item.next != nil {
			ev = *item.next
			item.next = nil
			d.mu.Unlock()
			continue
		}
		item.busy = false
		delete(d.pending, name)
		d.mu.Unlock()
		return
	}
}

func (d *Deployer) deploy(ev topology.ChangeEvent) {
	name := ev.Topology.Name
	switch ev.Type {
	case topology.EventDeleted:
		d.table.Remove(name)
		d.logger.Info("topology undeployed", "topology", name)
	case topology.EventAdded, topology.EventUpdated:
		entry, err := d.builder.Build(ev.Topology)
		if err != nil {
			// The previous entry, if any, stays active.
			d.logger.Error("topology build failed", "topology", name, "error", err)
			return
		}
		d.table.Publish(entry)
		d.logger.Info("topology deployed",
			"topology", name,
			"version", entry.Version,
			"rules", entry.Rules.Len(),
		)
	default:
		d.logger.Warn("unknown topology event", "topology", name, "type", string(ev.Type))
	}
}

// Run subscribes to topology change events on the bus and applies them
// until the context is canceled.
func (d *Deployer) Run(ctx context.Context, bus eventbus.Bus) error {
	events := make(chan any, 16)
	unsubscribe, err := bus.Subscribe(topology.TopicChanges, events)
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-events:
			ev, ok := payload.(topology.ChangeEvent)
			if !ok {
				continue
			}
			d.Apply(ev)
		}
	}
}
