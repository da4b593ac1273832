package tenure

import (
	"math"
	"time"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/chainstate"
	"github.com/blockweave/tenure-miner/internal/log"
	"github.com/blockweave/tenure-miner/internal/mempool"
)

// CoinbaseEpochGate is the minimum epoch id (matching burn.SortitionDB's
// GetStacksEpoch numbering) at or above which a configured block-reward
// recipient is honored; below it the recipient is dropped with a warning,
// the supplemental behavior recovered from miner.rs's
// get_coinbase_recipient.
const CoinbaseEpochGate = 3 // epoch 2.1 equivalent in this core's single-epoch numbering

// EventDispatcher is the optional collaborator mine_block notifies right
// after a block is signed, independent of the broadcast path (supplemental
// feature 5 from miner.rs). Nil is a valid, no-op dispatcher.
type EventDispatcher interface {
	ProcessMinedNakamotoBlockEvent(b block.CandidateBlock)
}

// Assembler is C3: it builds the candidate block from the resolved parent,
// a VRF proof, the tenure-change/coinbase bookkeeping, and mempool
// selection, spec.md §4.3.
type Assembler struct {
	ChainState chainstate.Store
	Mempool    mempool.Source
	Dispatcher EventDispatcher
	Now        func() time.Time
}

func NewAssembler(cs chainstate.Store, mp mempool.Source) *Assembler {
	return &Assembler{ChainState: cs, Mempool: mp, Now: time.Now}
}

// Build implements spec.md §4.3 steps 1-8.
func (a *Assembler) Build(w *WorkerState, parent block.ParentStacksBlockInfo, mockMining bool) (block.CandidateBlock, *Error) {
	// Step 1: VRF proof.
	proof, err := w.Keychain.GenerateProof(w.RegisteredVRFKey, w.Election.BurnElectionBlock.SortitionHash, mockMining)
	if err != nil {
		return block.CandidateBlock{}, newErr(KindBadVrfConstruction, "vrf proof construction failed", err)
	}

	// Step 2: first-block-of-tenure invariant.
	if w.IsFirstBlock() && parent.ParentTenure == nil {
		return block.CandidateBlock{}, newErr(KindParentNotFound, "first block of tenure requires a resolved parent tenure", nil)
	}

	// Step 3: tenure start info / transaction set.
	txs, nonce, terr := a.buildTenureStartTxs(w, parent, proof)
	if terr != nil {
		return block.CandidateBlock{}, terr
	}

	// Step 4: timestamp gap enforcement.
	now := a.Now()
	parentTimestamp := time.Unix(parent.StacksParentHeader.Timestamp, 0)
	minGap := time.Duration(w.Config.Miner.MinTimeBetweenBlocksMs) * time.Millisecond
	if now.Sub(parentTimestamp) < minGap {
		return block.CandidateBlock{}, newErr(KindMinerAborted, "timestamp gap too small", nil)
	}

	// Step 5: invoke the block builder against the mempool pinned at the
	// election consensus hash. Transaction selection itself is mempool's
	// concern (spec.md §9's "iterator-style transaction selection... is
	// hidden behind the builder's interface").
	pending := a.Mempool.PendingSince(parentTimestamp.UnixMilli())
	for i, p := range pending {
		txs = append(txs, block.Transaction{
			Cause:   block.CauseNone,
			Nonce:   nonce + uint64(i) + 1,
			Payload: p.Payload,
			ChainID: w.Config.Burnchain.ChainID,
			Mainnet: w.Config.IsMainnet(),
		})
	}

	// Step 6: reject empty blocks.
	if len(txs) == 0 {
		return block.CandidateBlock{}, newErr(KindNoTransactionsToMine, "no transactions available to mine", nil)
	}

	signerBitvecLen := len(w.SignerSetCache.RewardedAddresses)
	if uint64(signerBitvecLen) > math.MaxUint32 {
		signerBitvecLen = 0
	}
	header := block.Header{
		ChainLength:     parent.StacksParentHeader.ChainLength + 1,
		ConsensusHash:   w.Election.BurnElectionBlock.ConsensusHash,
		ParentBlockID:   parent.StacksParentHeader.BlockID(),
		Timestamp:       now.Unix(),
		SignerBitvecLen: uint32(signerBitvecLen),
	}
	candidate := block.CandidateBlock{Header: header, Transactions: txs}

	// Step 7: miner signature.
	sigDigest := candidate.Header.MinerSignatureHash()
	candidate.Header.MinerSignature = w.Keychain.SignAsOrigin(sigDigest)

	// Step 8: re-check burn tip.
	currentTip, terr := a.reReadBurnTip(w)
	if terr != nil {
		return block.CandidateBlock{}, terr
	}
	if !currentTip.Equal(w.BurnBlock) {
		return block.CandidateBlock{}, newErr(KindBurnchainTipChanged, "burn tip advanced during assembly", nil)
	}

	if a.Dispatcher != nil {
		a.Dispatcher.ProcessMinedNakamotoBlockEvent(candidate)
	}

	log.Info("assembled candidate block", "chain_length", candidate.Header.ChainLength,
		"consensus_hash", candidate.Header.ConsensusHash.String(), "num_txs", len(txs))
	return candidate, nil
}

func (a *Assembler) buildTenureStartTxs(w *WorkerState, parent block.ParentStacksBlockInfo, proof []byte) ([]block.Transaction, uint64, *Error) {
	nonce := parent.CoinbaseNonce
	var txs []block.Transaction

	switch {
	case w.Reason == block.ReasonBlockFound && w.IsFirstBlock():
		txs = append(txs, block.Transaction{
			Cause:   block.CauseTenureChangeBlockFound,
			Nonce:   nonce,
			ChainID: w.Config.Burnchain.ChainID,
			Mainnet: w.Config.IsMainnet(),
		})
		recipient, rerr := a.coinbaseRecipient(w)
		if rerr != nil {
			return nil, 0, rerr
		}
		txs = append(txs, block.Transaction{
			Cause:           block.CauseCoinbase,
			Nonce:           nonce + 1,
			VRFProof:        proof,
			RewardRecipient: recipient,
			ChainID:         w.Config.Burnchain.ChainID,
			Mainnet:         w.Config.IsMainnet(),
		})
		return txs, nonce + 1, nil

	case w.Reason == block.ReasonExtended && w.IsFirstBlock():
		previousTenureBlocks, _ := a.ChainState.GetNakamotoTenureLength(parent.StacksParentHeader.BlockID())
		txs = append(txs, block.Transaction{
			Cause:                 block.CauseTenureChangeExtended,
			Nonce:                 nonce,
			BurnViewConsensusHash: w.ExtendedBurnView,
			PreviousTenureBlocks:  previousTenureBlocks,
			ChainID:               w.Config.Burnchain.ChainID,
			Mainnet:               w.Config.IsMainnet(),
		})
		return txs, nonce, nil

	default:
		return txs, nonce, nil
	}
}

// coinbaseRecipient implements the epoch-gating supplemental feature: a
// configured recipient is dropped (with a warning) before CoinbaseEpochGate.
// Resolving the next block's epoch reuses SnapshotNotFoundForChainTip when
// the lookup itself fails, since miner.rs treats an unresolvable epoch at
// burn_block.block_height+1 the same way regardless of which caller needed it.
func (a *Assembler) coinbaseRecipient(w *WorkerState) (string, *Error) {
	recipient := w.Config.Miner.BlockRewardRecipient
	if recipient == "" {
		return "", nil
	}
	epoch, err := w.CurrentEpoch()
	if err != nil {
		return "", newErr(KindSnapshotNotFoundForChainTip, "resolve epoch for coinbase recipient gating", err)
	}
	if epoch < CoinbaseEpochGate {
		log.Warn("block reward recipient configured before required epoch; ignoring", "recipient", recipient)
		return "", nil
	}
	return recipient, nil
}

func (a *Assembler) reReadBurnTip(w *WorkerState) (burn.Snapshot, *Error) {
	// The assembler only needs the SortitionDB for this one check; it is
	// installed on the WorkerState by whoever builds it (SetBurnTipReader)
	// rather than stored on Assembler, since every other step here is
	// chain-state or mempool driven.
	if w.rereadBurnTip == nil {
		return burn.Snapshot{}, newErr(KindUnexpectedChainState, "no burn tip reader configured", nil)
	}
	tip, err := w.rereadBurnTip()
	if err != nil {
		return burn.Snapshot{}, newErr(KindUnexpectedChainState, "re-read burn tip", err)
	}
	return tip, nil
}
