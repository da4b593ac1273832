package tenure

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/config"
	"github.com/blockweave/tenure-miner/internal/counters"
	"github.com/blockweave/tenure-miner/internal/keychain"
	"github.com/blockweave/tenure-miner/internal/mempool"
	"github.com/blockweave/tenure-miner/internal/rewardset"
)

func newTestWorkerState(t *testing.T, reason block.MinerReason, firstBlock bool) *WorkerState {
	t.Helper()
	kc, err := keychain.NewMockKeychain(false)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Miner.MinTimeBetweenBlocksMs = 1000

	tip := burn.Snapshot{}
	w := &WorkerState{
		Config:         cfg,
		Keychain:       kc,
		Reason:         reason,
		Counters:       counters.New(),
		BurnBlock:      tip,
		SignerSetCache: &rewardset.RewardSet{RewardedAddresses: []string{"SP1", "SP2"}},
	}
	if !firstBlock {
		b := &block.CandidateBlock{}
		w.LastBlockMined = b
	}
	w.SetBurnTipReader(func() (burn.Snapshot, error) { return tip, nil })
	return w
}

func testParentInfo(withTenure bool, parentTimestamp int64) block.ParentStacksBlockInfo {
	info := block.ParentStacksBlockInfo{
		StacksParentHeader: block.Header{ChainLength: 10, Timestamp: parentTimestamp},
	}
	if withTenure {
		info.ParentTenure = &block.ParentTenureInfo{ParentTenureBlocks: 3}
	}
	return info
}

func TestBuildEmptyMempoolReturnsNoTransactionsToMine(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, false)
	parent := testParentInfo(false, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) }

	_, err := a.Build(w, parent, false)
	require.NotNil(t, err)
	assert.Equal(t, KindNoTransactionsToMine, err.Kind)
}

func TestBuildHappyPathFirstBlockEmitsTenureChangeAndCoinbase(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, true)
	parent := testParentInfo(true, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) }

	b, err := a.Build(w, parent, false)
	require.Nil(t, err)
	assert.True(t, b.HasTenureChange())
	assert.True(t, b.HasCoinbase())
	assert.Equal(t, parent.StacksParentHeader.ChainLength+1, b.Header.ChainLength)
	assert.Len(t, b.Transactions, 2)
}

func TestBuildFirstBlockWithoutParentTenureFails(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, true)
	parent := testParentInfo(false, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)

	_, err := a.Build(w, parent, false)
	require.NotNil(t, err)
	assert.Equal(t, KindParentNotFound, err.Kind)
}

func TestBuildTooFastReturnsMinerAborted(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, true)
	parent := testParentInfo(true, 10000)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) } // zero gap, min is 1000ms

	_, err := a.Build(w, parent, false)
	require.NotNil(t, err)
	assert.Equal(t, KindMinerAborted, err.Kind)
	assert.True(t, err.IsSoftAbort())
}

func TestBuildExtensionEmitsOnlyTenureChangeExtended(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonExtended, true)
	w.ExtendedBurnView = chainhash.Hash{7}
	parent := testParentInfo(true, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) }

	b, err := a.Build(w, parent, false)
	require.Nil(t, err)
	assert.True(t, b.HasTenureChange())
	assert.False(t, b.HasCoinbase())
	assert.Len(t, b.Transactions, 1)
	assert.Equal(t, chainhash.Hash{7}, b.Transactions[0].BurnViewConsensusHash)
}

func TestBuildGatesCoinbaseRecipientByEpoch(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, true)
	w.Config.Miner.BlockRewardRecipient = "SP-REWARD-RECIPIENT"
	w.SetEpochReader(func(height uint64) (uint32, error) { return CoinbaseEpochGate, nil })
	parent := testParentInfo(true, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) }

	b, err := a.Build(w, parent, false)
	require.Nil(t, err)
	require.Len(t, b.Transactions, 2)
	assert.Equal(t, "SP-REWARD-RECIPIENT", b.Transactions[1].RewardRecipient)
}

func TestBuildDropsCoinbaseRecipientBeforeEpochGate(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, true)
	w.Config.Miner.BlockRewardRecipient = "SP-REWARD-RECIPIENT"
	w.SetEpochReader(func(height uint64) (uint32, error) { return CoinbaseEpochGate - 1, nil })
	parent := testParentInfo(true, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) }

	b, err := a.Build(w, parent, false)
	require.Nil(t, err)
	assert.Equal(t, "", b.Transactions[1].RewardRecipient)
}

func TestBuildFailsWithSnapshotNotFoundWhenEpochUnresolvable(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, true)
	w.Config.Miner.BlockRewardRecipient = "SP-REWARD-RECIPIENT"
	// No SetEpochReader call: CurrentEpoch errors out, same as an
	// unresolvable epoch for burn_block.block_height+1.
	parent := testParentInfo(true, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) }

	_, err := a.Build(w, parent, false)
	require.NotNil(t, err)
	assert.Equal(t, KindSnapshotNotFoundForChainTip, err.Kind)
	assert.True(t, err.IsFatal())
}

func TestBuildDetectsBurnTipChangeAfterAssembly(t *testing.T) {
	w := newTestWorkerState(t, block.ReasonBlockFound, true)
	parent := testParentInfo(true, 0)

	cs := newFakeChainState()
	mp := mempool.NewInMemory()
	a := NewAssembler(cs, mp)
	a.Now = func() time.Time { return time.Unix(10000, 0) }

	w.SetBurnTipReader(func() (burn.Snapshot, error) {
		return burn.Snapshot{ConsensusHash: chainhash.Hash{42}}, nil
	})

	_, err := a.Build(w, parent, false)
	require.NotNil(t, err)
	assert.Equal(t, KindBurnchainTipChanged, err.Kind)
}
