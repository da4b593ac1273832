package tenure

import (
	"container/ring"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/aristanetworks/goarista/monotime"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/chainstate"
	"github.com/blockweave/tenure-miner/internal/faults"
	"github.com/blockweave/tenure-miner/internal/log"
	"github.com/blockweave/tenure-miner/internal/p2p"
	"github.com/blockweave/tenure-miner/internal/stackerdb"
)

// AbortTryAgain is the polling interval spec.md §5 names ABORT_TRY_AGAIN_MS.
const AbortTryAgain = 200 * time.Millisecond

// Coordinator announces new Stacks blocks and bumps process-global
// counters, spec.md §6's Globals collaborator subset this component uses.
type Coordinator interface {
	AnnounceNewStacksBlock()
}

// Broadcaster is C5: persist-and-accept, P2P push, signer-bus push, and
// the interim-block wait, spec.md §4.5.
type Broadcaster struct {
	ChainState   chainstate.Store
	Network      *p2p.NetworkHandle
	StackerDBs   *stackerdb.DBs
	RPCLoopback  string
	MinersContractID string
	Coord        Coordinator

	mu sync.Mutex
	// unconfirmed tracks the last few locally-mined blocks pending
	// canonical confirmation, a ring buffer adapted from the teacher's
	// miner/unconfirmed.go, sized to the number of blocks a single tenure
	// is likely to produce before the next one confirms.
	unconfirmed *ring.Ring
}

func NewBroadcaster(cs chainstate.Store, network *p2p.NetworkHandle, dbs *stackerdb.DBs, rpcLoopback, minersContractID string, coord Coordinator) *Broadcaster {
	return &Broadcaster{
		ChainState:       cs,
		Network:          network,
		StackerDBs:       dbs,
		RPCLoopback:      rpcLoopback,
		MinersContractID: minersContractID,
		Coord:            coord,
		unconfirmed:      ring.New(16),
	}
}

// Broadcast implements persist-and-accept, P2P push, signer-bus push, and
// counter/last-block-mined bookkeeping, spec.md §4.5.
func (b *Broadcaster) Broadcast(w *WorkerState, candidate block.CandidateBlock) *Error {
	accepted, err := b.ChainState.AcceptBlock(candidate, candidate.Header.ConsensusHash, chainstate.AcceptMethodMined)
	if err != nil {
		return newErr(KindAcceptFailure, "accept_block failed", err)
	}
	if !accepted {
		// Expected self-delivery race (spec.md §4.5, scenario 4): the
		// network delivered our own block first via the signer fan-out.
		// This is not an error; the P2P push below is still attempted,
		// matching the observed upstream behavior.
		log.Info("accept_block reported self-delivery race", "block_id", candidate.Header.BlockID().String())
	}

	b.pushP2P(candidate)
	if err := b.pushSignerBus(w, candidate); err != nil {
		log.Warn("signer-bus push failed", "err", err)
	}

	w.Counters.IncBroadcastOK()
	if w.IsFirstBlock() {
		// The first block of the tenure is only logged here: no mined-
		// tenures counter is incremented, since counters.Tenure has no such
		// counter (WorkerState.Counters is itself scoped to one tenure).
		log.Info("mined first block of tenure", "chain_length", candidate.Header.ChainLength)
	}
	w.Counters.IncBlocksBuilt()

	if b.Coord != nil {
		b.Coord.AnnounceNewStacksBlock()
	}
	b.trackUnconfirmed(candidate)
	w.LastBlockMined = &candidate
	return nil
}

func (b *Broadcaster) pushP2P(candidate block.CandidateBlock) {
	if faults.SkipP2PBroadcast() {
		return
	}
	if faults.BlockPushFailProbability() > 0 && rollDrop(faults.BlockPushFailProbability()) {
		log.Info("fault injection dropped p2p block push", "block_id", candidate.Header.BlockID().String())
		return
	}
	msg := p2p.NakamotoBlocksData{Blocks: []block.CandidateBlock{candidate}}
	if err := b.Network.BroadcastMessage(nil, msg); err != nil {
		log.Warn("p2p broadcast failed", "err", err)
	}
}

func rollDrop(pct uint32) bool {
	var buf [1]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return false
	}
	roll := uint32(buf[0]) % 100
	return roll < pct
}

func (b *Broadcaster) pushSignerBus(w *WorkerState, candidate block.CandidateBlock) error {
	if b.StackerDBs == nil {
		return nil
	}
	sess := b.StackerDBs.SessionFor(b.RPCLoopback, b.MinersContractID)
	msg := encodeBlockPushed(candidate)
	return sess.PutSlot(stackerdb.SlotBlockPushed, msg)
}

func encodeBlockPushed(candidate block.CandidateBlock) []byte {
	id := candidate.Header.BlockID()
	buf := make([]byte, 0, 40)
	buf = append(buf, id[:]...)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], candidate.Header.ChainLength)
	return append(buf, lenBuf[:]...)
}

func (b *Broadcaster) trackUnconfirmed(candidate block.CandidateBlock) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unconfirmed.Value = candidate.Header.BlockID()
	b.unconfirmed = b.unconfirmed.Next()
}

// BurnTipPoller re-reads the canonical burn tip, used by InterimWait to
// detect divergence.
type BurnTipPoller interface {
	CanonicalBurnChainTip() (burn.Snapshot, error)
}

// InterimWait sleeps for up to waitDuration, waking every AbortTryAgain to
// check the burn tip, spec.md §4.5's "Interim wait" and §8 property P8.
func (b *Broadcaster) InterimWait(w *WorkerState, poller BurnTipPoller, waitDuration time.Duration) *Error {
	deadline := monotime.Now() + waitDuration
	for monotime.Now() < deadline {
		if !w.KeepRunning.ShouldKeepRunning() {
			return nil
		}
		tip, err := poller.CanonicalBurnChainTip()
		if err != nil {
			return newErr(KindUnexpectedChainState, "poll burn tip during interim wait", err)
		}
		if !tip.Equal(w.BurnBlock) {
			return newErr(KindBurnchainTipChanged, "burn tip changed during interim wait", nil)
		}
		time.Sleep(AbortTryAgain)
	}
	return nil
}
