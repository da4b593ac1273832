package stackerdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetSlotRoundTrips(t *testing.T) {
	dbs, err := Connect("")
	require.NoError(t, err)

	sess := dbs.SessionFor("127.0.0.1:20445", "miners")
	require.NoError(t, sess.PutSlot(SlotBlockPushed, []byte("block-bytes")))

	got, ok := sess.GetSlot(SlotBlockPushed)
	require.True(t, ok)
	assert.Equal(t, []byte("block-bytes"), got)
}

func TestGetSlotMissingContract(t *testing.T) {
	dbs, err := Connect("")
	require.NoError(t, err)
	sess := &Session{db: dbs, contractID: "unknown"}
	_, ok := sess.GetSlot(SlotBlockPushed)
	assert.False(t, ok)
}

func TestSessionForIsIdempotentPerContract(t *testing.T) {
	dbs, err := Connect("")
	require.NoError(t, err)
	s1 := dbs.SessionFor("addr1", "miners")
	require.NoError(t, s1.PutSlot(SlotBlockPushed, []byte("x")))

	s2 := dbs.SessionFor("addr2", "miners")
	got, ok := s2.GetSlot(SlotBlockPushed)
	require.True(t, ok, "sessions addressing the same contract share its slot store")
	assert.Equal(t, []byte("x"), got)
}
