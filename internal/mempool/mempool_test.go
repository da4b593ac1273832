package mempool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingSinceFiltersByTime(t *testing.T) {
	m := NewInMemory()
	m.Add(Entry{Payload: []byte("a"), ReceivedAt: 100})
	m.Add(Entry{Payload: []byte("b"), ReceivedAt: 200})

	pending := m.PendingSince(150)
	assert.Len(t, pending, 1)
	assert.Equal(t, []byte("b"), pending[0].Payload)
}

func TestCount(t *testing.T) {
	m := NewInMemory()
	assert.Equal(t, 0, m.Count())
	m.Add(Entry{Payload: []byte("a")})
	assert.Equal(t, 1, m.Count())
}
