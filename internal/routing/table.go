// Package routing holds the compiled routing state the relay engine
// consults. The live table is an immutable snapshot behind an atomic
// pointer: readers never take a lock and always observe a fully-formed
// entry, writers replace the whole map copy-on-write.
package routing

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/strandproxy/strand/internal/rewrite"
)

// ConnParams are the connection parameters a snapshot carries for every
// session opened against it.
type ConnParams struct {
	MaxTextMessageSize   int64         `json:"max_text_message_size"`
	MaxBinaryMessageSize int64         `json:"max_binary_message_size"`
	MaxTextBufferSize    int           `json:"max_text_buffer_size"`
	MaxBinaryBufferSize  int           `json:"max_binary_buffer_size"`
	InputBufferSize      int           `json:"input_buffer_size"`
	WriteTimeout         time.Duration `json:"write_timeout"`
	IdleTimeout          time.Duration `json:"idle_timeout"`
}

// Entry is the compiled routing state for one topology. Entries are
// immutable once published; a topology update produces a new Entry.
type Entry struct {
	Topology string
	Version  uint64
	Rules    rewrite.RuleSet
	Params   ConnParams
}

type snapshot map[string]*Entry

// Table maps topology names to their current Entry. Lookup is a single
// atomic load; Publish and Remove are atomic whole-map swaps serialized
// by a writer mutex.
type Table struct {
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
	version uint64
}

// NewTable returns an empty Table.
func NewTable() *Table {
	t := &Table{}
	empty := make(snapshot)
	t.current.Store(&empty)
	return t
}

// Lookup returns the current entry for the topology, if any. The returned
// entry stays valid for the caller's lifetime even if a newer snapshot is
// published afterwards.
func (t *Table) Lookup(name string) (*Entry, bool) {
	snap := *t.current.Load()
	entry, ok := snap[name]
	return entry, ok
}

// Publish installs the entry as the topology's current routing state,
// stamping it with a monotonically increasing version.
func (t *Table) Publish(entry *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.version++
	entry.Version = t.version

	old := *t.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[entry.Topology] = entry
	t.current.Store(&next)
}

// Remove deletes the topology's entry. Sessions holding the old entry
// continue against it until they naturally close.
func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.current.Load()
	if _, ok := old[name]; !ok {
		return
	}
	next := make(snapshot, len(old))
	for k, v := range old {
		if k != name {
			next[k] = v
		}
	}
	t.current.Store(&next)
}

// Entries returns the current entries, for inspection endpoints.
func (t *Table) Entries() []*Entry {
	snap := *t.current.Load()
	entries := make([]*Entry, 0, len(snap))
	for _, entry := range snap {
		entries = append(entries, entry)
	}
	return entries
}
