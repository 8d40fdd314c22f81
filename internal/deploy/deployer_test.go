package deploy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/strandproxy/strand/internal/eventbus/memory"
	"github.com/strandproxy/strand/internal/logging"
	"github.com/strandproxy/strand/internal/routing"
	"github.com/strandproxy/strand/internal/topology"
)

func newDeployer(table *routing.Table) *Deployer {
	builder := routing.NewBuilder(routing.ConnParams{
		MaxTextMessageSize:   32768,
		MaxBinaryMessageSize: 32768,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          time.Minute,
	})
	return New(table, builder, logging.New("test"))
}

func demoEvent(typ topology.EventType, address string) topology.ChangeEvent {
	return topology.ChangeEvent{
		Type: typ,
		Topology: topology.Topology{
			Name: "demo",
			Services: []topology.Service{
				{Role: "ws", Address: address},
			},
		},
	}
}

func TestApply_AddedPublishesEntry(t *testing.T) {
	table := routing.NewTable()
	d := newDeployer(table)

	d.Apply(demoEvent(topology.EventAdded, "ws://backend:9000/ws"))

	entry, ok := table.Lookup("demo")
	if !ok {
		t.Fatalf("entry not published")
	}
	if _, err := entry.Rules.Resolve("/ws"); err != nil {
		t.Fatalf("published entry does not resolve: %v", err)
	}
}

func TestApply_BuildFailureKeepsPreviousEntry(t *testing.T) {
	table := routing.NewTable()
	d := newDeployer(table)

	d.Apply(demoEvent(topology.EventAdded, "ws://backend:9000/ws"))
	before, _ := table.Lookup("demo")

	d.Apply(demoEvent(topology.EventUpdated, "ftp://nope:21"))

	after, ok := table.Lookup("demo")
	if !ok {
		t.Fatalf("entry vanished after failed build")
	}
	if after.Version != before.Version {
		t.Fatalf("failed build replaced the live entry: %d -> %d", before.Version, after.Version)
	}
}

func TestApply_DeletedRemovesEntry(t *testing.T) {
	table := routing.NewTable()
	d := newDeployer(table)

	d.Apply(demoEvent(topology.EventAdded, "ws://backend:9000/ws"))
	d.Apply(demoEvent(topology.EventDeleted, ""))

	if _, ok := table.Lookup("demo"); ok {
		t.Fatalf("deleted entry still in table")
	}
}

func TestApply_ConcurrentBurstConvergesToLatest(t *testing.T) {
	table := routing.NewTable()
	d := newDeployer(table)

	const updates = 50
	var wg sync.WaitGroup
	for i := 0; i < updates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Apply(demoEvent(topology.EventUpdated, fmt.Sprintf("ws://backend-%d:9000", i)))
		}(i)
	}
	wg.Wait()

	// The final sequential update must always win.
	d.Apply(demoEvent(topology.EventUpdated, "ws://final:9000"))

	entry, ok := table.Lookup("demo")
	if !ok {
		t.Fatalf("entry missing after burst")
	}
	res, err := entry.Rules.Resolve("/ws")
	if err != nil {
		t.Fatalf("resolve returned error: %v", err)
	}
	if res.BackendURI != "ws://final:9000" {
		t.Fatalf("table did not converge to the latest definition: %s", res.BackendURI)
	}
}

func TestRun_ConsumesBusEvents(t *testing.T) {
	table := routing.NewTable()
	d := newDeployer(table)
	bus := memory.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx, bus)
	}()

	// Republish until the subscriber is registered and the event lands.
	deadline := time.After(2 * time.Second)
	for {
		if err := bus.Publish(ctx, topology.TopicChanges, demoEvent(topology.EventAdded, "ws://backend:9000/ws")); err != nil {
			t.Fatalf("publish returned error: %v", err)
		}
		if _, ok := table.Lookup("demo"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("event never applied")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
