package p2p

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockweave/tenure-miner/internal/block"
)

type recordingSink struct {
	received []NakamotoBlocksData
	err      error
}

func (s *recordingSink) SendBlocks(msg NakamotoBlocksData) error {
	if s.err != nil {
		return s.err
	}
	s.received = append(s.received, msg)
	return nil
}

func TestBroadcastMessageToAllPeers(t *testing.T) {
	h := NewNetworkHandle()
	a := &recordingSink{}
	b := &recordingSink{}
	h.AddPeer("a", a)
	h.AddPeer("b", b)

	msg := NakamotoBlocksData{Blocks: []block.CandidateBlock{{}}}
	require.NoError(t, h.BroadcastMessage(nil, msg))
	assert.Len(t, a.received, 1)
	assert.Len(t, b.received, 1)
}

func TestBroadcastMessageHonorsRelayHints(t *testing.T) {
	h := NewNetworkHandle()
	a := &recordingSink{}
	b := &recordingSink{}
	h.AddPeer("a", a)
	h.AddPeer("b", b)

	require.NoError(t, h.BroadcastMessage([]RelayHint{{PeerID: "a"}}, NakamotoBlocksData{}))
	assert.Len(t, a.received, 1)
	assert.Len(t, b.received, 0)
}

func TestBroadcastMessagePropagatesFirstError(t *testing.T) {
	h := NewNetworkHandle()
	h.AddPeer("a", &recordingSink{err: errors.New("boom")})
	err := h.BroadcastMessage(nil, NakamotoBlocksData{})
	require.Error(t, err)
}

func TestRemovePeer(t *testing.T) {
	h := NewNetworkHandle()
	h.AddPeer("a", &recordingSink{})
	assert.Equal(t, 1, h.PeerCount())
	h.RemovePeer("a")
	assert.Equal(t, 0, h.PeerCount())
}
