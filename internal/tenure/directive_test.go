package tenure

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/config"
	"github.com/blockweave/tenure-miner/internal/counters"
	"github.com/blockweave/tenure-miner/internal/globals"
	"github.com/blockweave/tenure-miner/internal/keychain"
	"github.com/blockweave/tenure-miner/internal/mempool"
	"github.com/blockweave/tenure-miner/internal/p2p"
	"github.com/blockweave/tenure-miner/internal/rewardset"
)

// newBlockedWorker builds a mock-mining worker whose chain state holds no
// headers, so every Resolve fails ParentNotFound and the worker keeps
// retrying every AbortTryAgain without ever producing a block until it is
// stopped, the same idle shape TestControllerStopsPriorWorkerBeforeStartingNext
// relies on, so these tests can exercise Spawn/Stop/Join.
func newBlockedWorker(t *testing.T) *Worker {
	t.Helper()
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

func TestSpawnReturnsAHandleWhoseWorkerIsRunning(t *testing.T) {
	blocked := &globals.MinerBlocked{}
	controller := NewController(blocked)

	handle := controller.Spawn(Directive{Kind: DirectiveBeginTenure}, func() *Worker { return newBlockedWorker(t) })
	defer controller.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, handle.worker.state.KeepRunning.ShouldKeepRunning())
}

func TestStopIsIdempotentWhenNoWorkerIsRunning(t *testing.T) {
	blocked := &globals.MinerBlocked{}
	controller := NewController(blocked)

	assert.NotPanics(t, func() {
		controller.Stop()
		controller.Stop()
	})
	assert.False(t, blocked.Get())
}

func TestStopClearsTheMinerBlockedGateAfterward(t *testing.T) {
	blocked := &globals.MinerBlocked{}
	controller := NewController(blocked)

	controller.Spawn(Directive{Kind: DirectiveBeginTenure}, func() *Worker { return newBlockedWorker(t) })
	time.Sleep(10 * time.Millisecond)

	controller.Stop()
	assert.False(t, blocked.Get(), "the blocked gate must be released once the stop completes")
}

func TestHandleJoinBlocksUntilTheWorkerExits(t *testing.T) {
	blocked := &globals.MinerBlocked{}
	controller := NewController(blocked)

	handle := controller.Spawn(Directive{Kind: DirectiveBeginTenure}, func() *Worker { return newBlockedWorker(t) })

	joined := make(chan ExitReason, 1)
	go func() { joined <- handle.Join() }()

	select {
	case <-joined:
		t.Fatal("Join returned before the worker was asked to stop")
	case <-time.After(30 * time.Millisecond):
	}

	handle.worker.RequestStop()

	select {
	case reason := <-joined:
		assert.Nil(t, reason.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("Join did not return within 2s of RequestStop")
	}
}

func TestSpawnStopsThePriorWorkerBeforeReturningTheNewHandle(t *testing.T) {
	blocked := &globals.MinerBlocked{}
	controller := NewController(blocked)

	newWorker := func() *Worker { return newBlockedWorker(t) }

	handle1 := controller.Spawn(Directive{Kind: DirectiveBeginTenure}, newWorker)
	time.Sleep(10 * time.Millisecond)

	handle2 := controller.Spawn(Directive{Kind: DirectiveContinueTenure}, newWorker)
	defer controller.Stop()

	assert.False(t, handle1.worker.state.KeepRunning.ShouldKeepRunning())
	assert.True(t, handle2.worker.state.KeepRunning.ShouldKeepRunning())
	assert.NotSame(t, handle1, handle2)
}
