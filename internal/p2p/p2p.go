// Package p2p implements the NetworkHandle collaborator spec.md §6 depends
// on: broadcasting the NakamotoBlocksData wire message. Peer discovery and
// the actual devp2p/libp2p wire protocol are out of scope (spec.md §1); the
// handle here is a thread-safe fan-out to registered peer sinks, matching
// the "thread-safe handle" note in spec.md §5.
package p2p

import (
	"sync"

	"github.com/blockweave/tenure-miner/internal/block"
)

// RelayHint narrows which peers a broadcast should prefer, opaque to this
// core beyond being passed through.
type RelayHint struct {
	PeerID string
}

// NakamotoBlocksData is the wire message spec.md §6 names.
type NakamotoBlocksData struct {
	Blocks []block.CandidateBlock
}

// PeerSink receives outbound broadcasts; the real implementation is a
// devp2p/libp2p session, out of scope here.
type PeerSink interface {
	SendBlocks(msg NakamotoBlocksData) error
}

// NetworkHandle is safe for concurrent use by multiple tenure workers, per
// spec.md §5.
type NetworkHandle struct {
	mu    sync.RWMutex
	peers map[string]PeerSink
}

func NewNetworkHandle() *NetworkHandle {
	return &NetworkHandle{peers: make(map[string]PeerSink)}
}

// AddPeer registers a sink under id; used by the (out-of-scope) peer
// discovery layer and directly by tests.
func (h *NetworkHandle) AddPeer(id string, sink PeerSink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[id] = sink
}

func (h *NetworkHandle) RemovePeer(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, id)
}

// BroadcastMessage sends msg to every peer matching hints, or all peers if
// hints is empty, spec.md §6's broadcast_message(relay_hints, ...).
func (h *NetworkHandle) BroadcastMessage(hints []RelayHint, msg NakamotoBlocksData) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.peers
	if len(hints) > 0 {
		targets = make(map[string]PeerSink, len(hints))
		for _, hint := range hints {
			if sink, ok := h.peers[hint.PeerID]; ok {
				targets[hint.PeerID] = sink
			}
		}
	}
	var firstErr error
	for _, sink := range targets {
		if err := sink.SendBlocks(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PeerCount reports the number of registered peers, used by tests.
func (h *NetworkHandle) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}
