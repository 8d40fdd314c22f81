package topology

import "fmt"

// ErrNotFound indicates the requested topology does not exist.
var ErrNotFound = fmt.Errorf("topology not found")

// Service declares one backend reachable through a topology.
type Service struct {
	// Role names the service inside the topology and forms the first
	// virtual path segment under the topology prefix.
	Role string `json:"role"`
	// Address is the backend base URL (ws, wss, http or https scheme).
	Address string `json:"address"`
	// Rules optionally override the default role rule. Patterns are
	// relative to the topology prefix; targets are relative to Address.
	Rules []Rule `json:"rules,omitempty"`
}

// Rule is a declared rewrite override for a service.
type Rule struct {
	Pattern string `json:"pattern"`
	Target  string `json:"target"`
}

// Topology is an immutable named declaration of backend services.
// Updates produce a new value; nothing mutates a Topology in place.
type Topology struct {
	Name     string    `json:"name"`
	Services []Service `json:"services"`
}

// EventType discriminates topology lifecycle events.
type EventType string

const (
	EventAdded   EventType = "ADDED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
)

// ChangeEvent is delivered by the topology source whenever a topology is
// created, updated or removed. Delivery order per name reflects the true
// update order.
type ChangeEvent struct {
	Type     EventType `json:"type"`
	Topology Topology  `json:"topology"`
}

// TopicChanges is the event bus topic carrying ChangeEvent payloads.
const TopicChanges = "topology.changes"
