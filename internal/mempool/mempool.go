// Package mempool defines the minimal MempoolSource collaborator the block
// assembler pulls candidate transactions from. Full mempool eviction and
// gas-fee ordering are explicitly out of scope (spec.md §1 Non-goals); this
// is a thin ordered queue, not a priced transaction pool like the teacher's
// go-ethereum-style tx pool.
package mempool

import "sync"

// Entry is an opaque mempool transaction as the assembler sees it: bytes to
// hand to the block builder plus the time it was received, used for the
// "has transactions since time T" query.
type Entry struct {
	Payload    []byte
	ReceivedAt int64 // unix millis
}

// Source is the collaborator contract the assembler depends on.
type Source interface {
	PendingSince(unixMillis int64) []Entry
	Count() int
}

// InMemory is the default Source: an append-only slice guarded by a mutex,
// good enough for a single-process mocknet miner.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

// Add appends a transaction, called by whatever network-facing component
// relays mempool transactions into this process (out of scope here).
func (m *InMemory) Add(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *InMemory) PendingSince(unixMillis int64) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.ReceivedAt >= unixMillis {
			out = append(out, e)
		}
	}
	return out
}

func (m *InMemory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
