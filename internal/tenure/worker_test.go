package tenure

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/chainstate"
	"github.com/blockweave/tenure-miner/internal/config"
	"github.com/blockweave/tenure-miner/internal/counters"
	"github.com/blockweave/tenure-miner/internal/faults"
	"github.com/blockweave/tenure-miner/internal/globals"
	"github.com/blockweave/tenure-miner/internal/keychain"
	"github.com/blockweave/tenure-miner/internal/mempool"
	"github.com/blockweave/tenure-miner/internal/p2p"
	"github.com/blockweave/tenure-miner/internal/rewardset"
	"github.com/blockweave/tenure-miner/internal/signer"
	"github.com/blockweave/tenure-miner/internal/stackerdb"
)

// recordingDispatcher captures every candidate the assembler hands off,
// letting tests inspect chain linkage and tenure-change placement across a
// worker's successive iterations without reaching into the broadcaster.
type recordingDispatcher struct {
	blocks []block.CandidateBlock
}

func (r *recordingDispatcher) ProcessMinedNakamotoBlockEvent(b block.CandidateBlock) {
	r.blocks = append(r.blocks, b)
}

// stopAfterNCoord requests a worker stop once it has announced n blocks,
// giving tests a deterministic point to end an otherwise unbounded loop.
type stopAfterNCoord struct {
	n     int
	count int
	stop  func()
}

func (c *stopAfterNCoord) AnnounceNewStacksBlock() {
	c.count++
	if c.count >= c.n {
		c.stop()
	}
}

func TestControllerStopsPriorWorkerBeforeStartingNext(t *testing.T) {
	blocked := &globals.MinerBlocked{}
	controller := NewController(blocked)

	newIdleWorker := func() *Worker {
		cs := newFakeChainState()
		sortDB := &fakeSortDB{tip: burn.Snapshot{TotalBurn: uint256.NewInt(1)}}
		mp := mempool.NewInMemory()
		kc, err := keychain.NewMockKeychain(false)
		require.NoError(t, err)
		w := &WorkerState{
			Config:         config.Default(),
			Keychain:       kc,
			KeepRunning:    globals.NewKeepRunning(),
			Counters:       counters.New(),
			SignerSetCache: &rewardset.RewardSet{},
		}
		w.Config.Miner.WaitOnInterimBlocksMs = 10000
		resolver := NewParentResolver(sortDB, cs)
		assembler := NewAssembler(cs, mp)
		broadcaster := NewBroadcaster(cs, p2p.NewNetworkHandle(), nil, "", "", nil)
		return NewWorker(w, resolver, assembler, broadcaster, nil, sortDB, true)
	}

	handle1 := controller.Spawn(Directive{Kind: DirectiveBeginTenure}, newIdleWorker)
	worker1 := handle1.worker
	time.Sleep(30 * time.Millisecond) // let worker1 enter its ParentNotFound retry loop

	handle2 := controller.Spawn(Directive{Kind: DirectiveBeginTenure}, newIdleWorker)

	// By the time Spawn returns, Controller has already stopped and joined
	// worker1 (property P1: single active worker, stop-before-start).
	assert.False(t, worker1.state.KeepRunning.ShouldKeepRunning())
	assert.NotSame(t, handle1, handle2)
	controller.Stop()
}

// newTenureFixture builds a real, on-disk-backed pipeline (goleveldb burn and
// chain stores) seeded with a genesis block so successive mined blocks chain
// onto each other exactly as the real components would.
func newTenureFixture(t *testing.T) (*WorkerState, *ParentResolver, *Assembler, *recordingDispatcher, burn.SortitionDB) {
	t.Helper()
	dir := t.TempDir()

	sortDB, err := burn.Open(dir+"/sortdb", true, burn.PoxConstants{RewardCycleLength: 2100, PrepareLength: 100})
	require.NoError(t, err)
	t.Cleanup(func() { sortDB.Close() })

	cs, err := chainstate.Open(dir + "/chainstate")
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	var genesisCH, electedCH chainhash.Hash
	genesisCH[0] = 1
	electedCH[0] = 2
	genesisHeader := block.Header{ChainLength: 0, ConsensusHash: genesisCH, Timestamp: 0}
	require.NoError(t, cs.PutHeader(genesisHeader))

	tip := burn.Snapshot{ConsensusHash: electedCH, SortitionID: genesisHeader.BlockID(), TotalBurn: uint256.NewInt(10), SortitionHash: chainhash.Hash{9}}
	require.NoError(t, sortDB.PutSnapshot(tip))

	kc, err := keychain.NewMockKeychain(false)
	require.NoError(t, err)

	mp := mempool.NewInMemory()
	mp.Add(mempool.Entry{Payload: []byte("tx-a"), ReceivedAt: 0})
	// tx-b arrives at the assembler clock's time, so it is still pending
	// when a second block is built on top of the first.
	mp.Add(mempool.Entry{Payload: []byte("tx-b"), ReceivedAt: 100000 * 1000})

	cfg := config.Default()
	cfg.Miner.MinTimeBetweenBlocksMs = 0
	cfg.Miner.WaitOnInterimBlocksMs = 0
	cfg.Node.MockMining = true

	w := &WorkerState{
		Config:         cfg,
		Keychain:       kc,
		KeepRunning:    globals.NewKeepRunning(),
		Counters:       counters.New(),
		BurnBlock:      tip,
		ParentTenureID: genesisHeader.BlockID(),
		Election:       ElectionSnapshot{BurnElectionBlock: burn.Snapshot{ConsensusHash: electedCH}, ParentTenureID: genesisCH},
		SignerSetCache: &rewardset.RewardSet{RewardedAddresses: []string{"SP1", "SP2"}},
	}
	w.SetBurnTipReader(sortDB.CanonicalBurnChainTip)

	resolver := NewParentResolver(sortDB, cs)
	dispatcher := &recordingDispatcher{}
	assembler := NewAssembler(cs, mp)
	assembler.Now = func() time.Time { return time.Unix(100000, 0) }
	assembler.Dispatcher = dispatcher

	return w, resolver, assembler, dispatcher, sortDB
}

// TestWorkerChainsSuccessiveBlocksWithinOneTenure covers P2 (exactly one
// tenure-change transaction across the worker's lifetime), P3 (the first
// block alone carries the coinbase), and P4 (each block's parent id is the
// previous block's id).
func TestWorkerChainsSuccessiveBlocksWithinOneTenure(t *testing.T) {
	w, resolver, assembler, dispatcher, sortDB := newTenureFixture(t)

	broadcaster := NewBroadcaster(assembler.ChainState, p2p.NewNetworkHandle(), mustConnectStackerDB(t), "127.0.0.1:0", "miners", nil)
	coord := &stopAfterNCoord{n: 2}
	broadcaster.Coord = coord

	worker := NewWorker(w, resolver, assembler, broadcaster, nil, sortDB, true)
	coord.stop = worker.RequestStop

	worker.Run()

	require.Len(t, dispatcher.blocks, 2)
	first, second := dispatcher.blocks[0], dispatcher.blocks[1]

	assert.True(t, first.HasTenureChange())
	assert.True(t, first.HasCoinbase())
	assert.False(t, second.HasTenureChange())
	assert.False(t, second.HasCoinbase())
	assert.Equal(t, first.Header.BlockID(), second.Header.ParentBlockID)
	assert.Equal(t, first.Header.ChainLength+1, second.Header.ChainLength)
	assert.Equal(t, int64(2), w.Counters.BlocksBuilt())
}

func mustConnectStackerDB(t *testing.T) *stackerdb.DBs {
	t.Helper()
	dbs, err := stackerdb.Connect("")
	require.NoError(t, err)
	return dbs
}

type fakeSignerTransport struct {
	failAddresses map[string]bool
	tipErr        *signer.Error
}

func (f *fakeSignerTransport) RequestSignature(s rewardset.Signer, digest []byte) ([]byte, error) {
	if f.tipErr != nil {
		return nil, f.tipErr
	}
	if f.failAddresses[s.Address] {
		return nil, errors.New("transient signer failure")
	}
	return []byte("sig-" + s.Address), nil
}

// TestGatherSignaturesReachesQuorum covers property P6: a full quorum across
// three equally-weighted signers reaches the 70%-of-total threshold.
func TestGatherSignaturesReachesQuorum(t *testing.T) {
	kc, err := keychain.NewMockKeychain(false)
	require.NoError(t, err)

	reward := &rewardset.RewardSet{Signers: []rewardset.Signer{
		{Address: "SP1", Weight: 1},
		{Address: "SP2", Weight: 1},
		{Address: "SP3", Weight: 1},
	}}
	w := &WorkerState{Keychain: kc, KeepRunning: globals.NewKeepRunning(), Counters: counters.New(), SignerSetCache: reward}

	worker := &Worker{state: w, signerTransport: &fakeSignerTransport{}}
	candidate := &block.CandidateBlock{Header: block.Header{ChainLength: 1}}

	sigs, err2 := worker.gatherSignatures(candidate)
	require.Nil(t, err2)
	assert.Len(t, sigs, 3)
}

// TestGatherSignaturesFailsQuorumWhenASignerIsUnreachable covers the
// transient-failure branch of the signing coordinator: one signer is
// unreachable and the remaining weight cannot reach threshold.
func TestGatherSignaturesFailsQuorumWhenASignerIsUnreachable(t *testing.T) {
	kc, err := keychain.NewMockKeychain(false)
	require.NoError(t, err)

	reward := &rewardset.RewardSet{Signers: []rewardset.Signer{
		{Address: "SP1", Weight: 1},
		{Address: "SP2", Weight: 1},
		{Address: "SP3", Weight: 1},
	}}
	w := &WorkerState{Keychain: kc, KeepRunning: globals.NewKeepRunning(), Counters: counters.New(), SignerSetCache: reward}

	worker := &Worker{state: w, signerTransport: &fakeSignerTransport{failAddresses: map[string]bool{"SP1": true}}}
	candidate := &block.CandidateBlock{Header: block.Header{ChainLength: 1}}

	_, err2 := worker.gatherSignatures(candidate)
	require.NotNil(t, err2)
	assert.Equal(t, KindSigningCoordinatorFailure, err2.Kind)
	assert.False(t, err2.IsTipChange())
}

// TestGatherSignaturesPropagatesTipChange covers spec.md §4.4's requirement
// that a signer-reported tip change exit the worker rather than retry.
func TestGatherSignaturesPropagatesTipChange(t *testing.T) {
	kc, err := keychain.NewMockKeychain(false)
	require.NoError(t, err)

	reward := &rewardset.RewardSet{Signers: []rewardset.Signer{{Address: "SP1", Weight: 1}}}
	w := &WorkerState{Keychain: kc, KeepRunning: globals.NewKeepRunning(), Counters: counters.New(), SignerSetCache: reward}

	worker := &Worker{state: w, signerTransport: &fakeSignerTransport{tipErr: &signer.Error{Kind: signer.TipChangeBurn, Message: "burn tip moved"}}}
	candidate := &block.CandidateBlock{Header: block.Header{ChainLength: 1}}

	_, err2 := worker.gatherSignatures(candidate)
	require.NotNil(t, err2)
	assert.Equal(t, KindBurnchainTipChanged, err2.Kind)
	assert.True(t, err2.IsTipChange())
}

// TestWorkerRetriesOnMinerAbortedThenSucceeds covers the MinerAborted
// soft-retry path of the mine_block loop: the first attempt is too fast,
// the second (after the configured gap has notionally elapsed) succeeds.
func TestWorkerRetriesOnMinerAbortedThenSucceeds(t *testing.T) {
	w, resolver, assembler, _, sortDB := newTenureFixture(t)
	w.Config.Miner.MinTimeBetweenBlocksMs = 1000

	calls := 0
	assembler.Now = func() time.Time {
		calls++
		if calls == 1 {
			return time.Unix(0, 0) // gap of 0 against genesis timestamp 0: too fast
		}
		return time.Unix(100000, 0)
	}

	broadcaster := NewBroadcaster(assembler.ChainState, p2p.NewNetworkHandle(), mustConnectStackerDB(t), "127.0.0.1:0", "miners", nil)
	coord := &stopAfterNCoord{n: 1}
	worker := NewWorker(w, resolver, assembler, broadcaster, nil, sortDB, true)
	coord.stop = worker.RequestStop
	broadcaster.Coord = coord

	reason := worker.Run()
	require.Nil(t, reason.Err)
	assert.GreaterOrEqual(t, w.Counters.AbortRetries(), int64(1))
	assert.Equal(t, int64(1), w.Counters.BlocksBuilt())
}

// TestWorkerRetriesParentNotFoundInMockMiningInsteadOfExiting covers the
// mock-mining preflight behavior: a missing parent is not fatal, since the
// local node may simply not have processed the winning block-commit yet.
func TestWorkerRetriesParentNotFoundInMockMiningInsteadOfExiting(t *testing.T) {
	kc, err := keychain.NewMockKeychain(false)
	require.NoError(t, err)
	cs := newFakeChainState() // no headers seeded: every Resolve fails ParentNotFound
	sortDB := &fakeSortDB{tip: burn.Snapshot{TotalBurn: uint256.NewInt(1)}}

	w := &WorkerState{
		Config:         config.Default(),
		Keychain:       kc,
		KeepRunning:    globals.NewKeepRunning(),
		Counters:       counters.New(),
		SignerSetCache: &rewardset.RewardSet{},
	}
	resolver := NewParentResolver(sortDB, cs)
	assembler := NewAssembler(cs, mempool.NewInMemory())
	broadcaster := NewBroadcaster(cs, p2p.NewNetworkHandle(), nil, "", "", nil)
	worker := NewWorker(w, resolver, assembler, broadcaster, nil, sortDB, true)

	done := make(chan ExitReason, 1)
	go func() { done <- worker.Run() }()

	time.Sleep(30 * time.Millisecond)
	worker.RequestStop()

	select {
	case reason := <-done:
		assert.Nil(t, reason.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit within 2s of RequestStop")
	}
	assert.GreaterOrEqual(t, w.Counters.AbortRetries(), int64(1))
}

// TestWorkerPausesOnMineStall exercises the TEST_MINE_STALL hook of
// spec.md §6: while set, the loop must not progress past the stall gate,
// and must still react to a stop request raised while paused.
func TestWorkerPausesOnMineStall(t *testing.T) {
	defer faults.Reset()
	w, resolver, assembler, _, sortDB := newTenureFixture(t)
	broadcaster := NewBroadcaster(assembler.ChainState, p2p.NewNetworkHandle(), mustConnectStackerDB(t), "127.0.0.1:0", "miners", nil)
	worker := NewWorker(w, resolver, assembler, broadcaster, nil, sortDB, true)

	faults.SetMineStall(true)
	done := make(chan ExitReason, 1)
	go func() { done <- worker.Run() }()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(0), w.Counters.BlocksBuilt())

	worker.RequestStop()
	select {
	case reason := <-done:
		assert.Nil(t, reason.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after stop request while mine-stalled")
	}
}
