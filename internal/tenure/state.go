package tenure

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/config"
	"github.com/blockweave/tenure-miner/internal/counters"
	"github.com/blockweave/tenure-miner/internal/globals"
	"github.com/blockweave/tenure-miner/internal/keychain"
	"github.com/blockweave/tenure-miner/internal/p2p"
	"github.com/blockweave/tenure-miner/internal/rewardset"
)

// ElectionSnapshot identifies the burnchain sortition that elected the
// worker's tenure, carrying the fields C2/C3 need beyond the raw
// burn.Snapshot (the tenure's own consensus hash and parent-tenure id).
type ElectionSnapshot struct {
	BurnElectionBlock burn.Snapshot
	ParentTenureID    chainhash.Hash
}

// WorkerState is owned by exactly one tenure worker, spec.md §3. It is
// constructed once at spawn time; every field except LastBlockMined and
// SignerSetCache is immutable for the worker's lifetime.
type WorkerState struct {
	Config           *config.Config
	Globals          *globals.MinerBlocked
	KeepRunning      *globals.KeepRunning
	Keychain         *keychain.Keychain
	PoxConstants     burn.PoxConstants
	RegisteredVRFKey uint64
	Election         ElectionSnapshot
	BurnBlock        burn.Snapshot
	ParentTenureID   chainhash.Hash
	Reason           block.MinerReason
	ExtendedBurnView chainhash.Hash
	P2P              *p2p.NetworkHandle
	Counters         *counters.Tenure

	LastBlockMined *block.CandidateBlock
	SignerSetCache *rewardset.RewardSet

	// rereadBurnTip lets the assembler re-check the burn tip without
	// depending on burn.SortitionDB directly, installed through
	// SetBurnTipReader by whoever builds the WorkerState.
	rereadBurnTip func() (burn.Snapshot, error)

	// epochAt resolves the Stacks epoch active at a given burn height,
	// backing the coinbase-recipient epoch gate without the assembler
	// depending on burn.SortitionDB directly.
	epochAt func(height uint64) (uint32, error)
}

// SetBurnTipReader installs the callback rereadBurnTip uses; called once by
// whoever builds a WorkerState, before the worker runs.
func (w *WorkerState) SetBurnTipReader(f func() (burn.Snapshot, error)) {
	w.rereadBurnTip = f
}

// SetEpochReader installs the callback CurrentEpoch uses; called once by
// whoever builds a WorkerState, before the worker runs.
func (w *WorkerState) SetEpochReader(f func(height uint64) (uint32, error)) {
	w.epochAt = f
}

// CurrentEpoch resolves the Stacks epoch active at the next block height,
// the "next epoch for burn_block.block_height+1" lookup miner.rs performs
// before gating the coinbase recipient.
func (w *WorkerState) CurrentEpoch() (uint32, error) {
	if w.epochAt == nil {
		return 0, errors.New("tenure: no epoch reader configured")
	}
	return w.epochAt(w.BurnBlock.BlockHeight + 1)
}

// IsFirstBlock reports whether no block has been mined yet in this
// worker's lifetime, spec.md §3 invariant 4.
func (w *WorkerState) IsFirstBlock() bool {
	return w.LastBlockMined == nil
}
