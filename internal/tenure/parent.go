package tenure

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	mapset "github.com/deckarep/golang-set"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/chainstate"
	"github.com/blockweave/tenure-miner/internal/faults"
)

// ParentResolver is C2: it produces a ParentStacksBlockInfo consistent with
// current canonical tips, or fails with a classified error, spec.md §4.2.
type ParentResolver struct {
	SortDB     burn.SortitionDB
	ChainState chainstate.Store
	// visited is reset on every Resolve call and records the canonical
	// Stacks tip's consensus hash read in step 1, the same mapset.Set
	// idiom the teacher uses in miner/worker.go. Resolve does not walk the
	// tenure chain and nothing reads this set back.
	visited mapset.Set
}

func NewParentResolver(sortDB burn.SortitionDB, chainState chainstate.Store) *ParentResolver {
	return &ParentResolver{SortDB: sortDB, ChainState: chainState}
}

// Resolve implements the seven-step algorithm of spec.md §4.2.
func (r *ParentResolver) Resolve(w *WorkerState) (block.ParentStacksBlockInfo, *Error) {
	r.visited = mapset.NewSet()

	if faults.ConsumeForceParentNotFound() {
		return block.ParentStacksBlockInfo{}, newErr(KindParentNotFound, "forced by fault injection", nil)
	}

	// Step 1: canonical Stacks tip.
	tipCH, tipID, err := r.SortDB.CanonicalStacksChainTipHash()
	if err != nil {
		return block.ParentStacksBlockInfo{}, newErr(KindUnexpectedChainState, "read canonical stacks tip", err)
	}
	r.visited.Add(tipCH)

	var parentHeader block.Header
	var parentTenure *block.ParentTenureInfo

	// Step 2: highest block in the elected tenure reachable from tip.
	electedCH := w.Election.BurnElectionBlock.ConsensusHash
	if hdr, ok, ferr := r.ChainState.GetHighestBlockHeaderInTenure(electedCH, tipID); ferr != nil {
		return block.ParentStacksBlockInfo{}, newErr(KindUnexpectedChainState, "query elected tenure", ferr)
	} else if ok {
		parentHeader = hdr
	} else {
		// Step 3: elected tenure empty on canonical fork; try parent tenure.
		parentTenureHeader, ok, ferr := r.ChainState.GetBlockHeader(w.ParentTenureID)
		if ferr != nil {
			return block.ParentStacksBlockInfo{}, newErr(KindUnexpectedChainState, "fetch parent tenure header", ferr)
		}
		if !ok {
			return block.ParentStacksBlockInfo{}, newErr(KindParentNotFound, "parent tenure start block missing", nil)
		}
		if hdr, ok, ferr := r.ChainState.GetHighestBlockHeaderInTenure(parentTenureHeader.ConsensusHash, tipID); ferr != nil {
			return block.ParentStacksBlockInfo{}, newErr(KindUnexpectedChainState, "query parent tenure", ferr)
		} else if ok {
			parentHeader = hdr
		} else {
			// Step 4: legacy (pre-Nakamoto) block; use its header directly.
			parentHeader = parentTenureHeader
		}
	}

	// Step 5: re-read canonical burn tip; divergence means our election is stale.
	currentTip, err := r.SortDB.CanonicalBurnChainTip()
	if err != nil {
		return block.ParentStacksBlockInfo{}, newErr(KindUnexpectedChainState, "re-read burn tip", err)
	}
	if !currentTip.Equal(w.BurnBlock) {
		w.Counters.IncAbortRetries()
		return block.ParentStacksBlockInfo{}, newErr(KindBurnchainTipChanged, "burn tip advanced during parent resolution", nil)
	}

	// Step 6: resolve coinbase_nonce at the parent's index block.
	originAddr := w.Keychain.OriginAddress()
	nonce, nerr := r.ChainState.GetAccountNonce(originAddr, parentHeader.BlockID())
	if nerr != nil {
		return block.ParentStacksBlockInfo{}, newErr(KindUnexpectedChainState, "resolve coinbase nonce", nerr)
	}

	// Step 7: decide parent_tenure.
	if parentHeader.ConsensusHash == w.ParentTenureConsensusHash() {
		blocks, nerr := r.countParentTenureBlocks(w, parentHeader)
		if nerr != nil {
			return block.ParentStacksBlockInfo{}, nerr
		}
		parentTenure = &block.ParentTenureInfo{
			ParentTenureBlocks:        blocks,
			ParentTenureConsensusHash: parentHeader.ConsensusHash,
		}
		mismatch, verr := r.verifyStacksTipMatchesParentTenure(parentHeader.BlockID())
		if verr != nil {
			return block.ParentStacksBlockInfo{}, verr
		}
		if mismatch {
			return block.ParentStacksBlockInfo{}, newErr(KindNewParentDiscovered, "stacks tip diverged from last known parent-tenure block", nil)
		}
	}

	return block.ParentStacksBlockInfo{
		StacksParentHeader: parentHeader,
		CoinbaseNonce:      nonce,
		ParentTenure:       parentTenure,
	}, nil
}

// ParentTenureConsensusHash resolves the consensus hash of the tenure
// pointed to by ParentTenureID, used to test whether a candidate parent
// header is the start of a brand-new tenure.
func (w *WorkerState) ParentTenureConsensusHash() chainhash.Hash {
	return w.Election.ParentTenureID
}

func (r *ParentResolver) countParentTenureBlocks(w *WorkerState, parentTenureHeader block.Header) (uint64, *Error) {
	// GetNakamotoTenureLength already answers with a tenure-relative block
	// count (1 + (highest chain_length - tenure start chain_length)), not an
	// absolute height, so it is returned as-is.
	length, err := r.ChainState.GetNakamotoTenureLength(parentTenureHeader.BlockID())
	if err != nil {
		return 0, newErr(KindUnexpectedChainState, "count parent tenure length", err)
	}
	return length, nil
}

// verifyStacksTipMatchesParentTenure re-reads the canonical Stacks tip and
// reports whether it differs from the last known block of the parent tenure,
// i.e. whether the canonical tip has moved past the block we build on.
func (r *ParentResolver) verifyStacksTipMatchesParentTenure(lastParentTenureID chainhash.Hash) (bool, *Error) {
	_, latestTipID, err := r.SortDB.CanonicalStacksChainTipHash()
	if err != nil {
		return false, newErr(KindUnexpectedChainState, "re-verify stacks tip", err)
	}
	return latestTipID != lastParentTenureID, nil
}
