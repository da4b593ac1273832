// Package block defines the Nakamoto block and transaction types the
// assembler, signature coordinator and broadcaster pass between each other,
// spec.md §3's CandidateBlock/ParentStacksBlockInfo/ParentTenureInfo family.
package block

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
)

// TxCause distinguishes the two consensus-critical transaction kinds the
// assembler ever emits itself; ordinary mempool transactions carry
// CauseNone.
type TxCause int

const (
	CauseNone TxCause = iota
	CauseTenureChangeBlockFound
	CauseTenureChangeExtended
	CauseCoinbase
)

// Transaction is a minimal anchored transaction. Real transaction payloads
// (mempool contract calls, token transfers) are opaque to this core per
// spec.md §1 Non-goals; only the fields the assembler and its invariants
// need are modeled.
type Transaction struct {
	Cause                TxCause
	Nonce                uint64
	BurnViewConsensusHash chainhash.Hash
	PreviousTenureBlocks  uint64
	VRFProof              []byte
	RewardRecipient       string
	Payload               []byte
	ChainID               uint32
	Mainnet               bool
}

// Header is the Nakamoto block header, spec.md §3's CandidateBlock.header.
type Header struct {
	ChainLength      uint64
	ConsensusHash    chainhash.Hash
	ParentBlockID    chainhash.Hash
	Timestamp        int64 // unix seconds
	MinerSignature   []byte
	SignerSignature  [][]byte
	SignerBitvecLen  uint32
}

// BlockID is the identifying hash of the block: ChainLength, ConsensusHash,
// ParentBlockID and Timestamp hashed together. The signatures (appended
// after the id is fixed by the signing flow in the original) and
// SignerBitvecLen are not hashed.
func (h Header) BlockID() chainhash.Hash {
	buf := make([]byte, 0, 8+32+32+8)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], h.ChainLength)
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, h.ConsensusHash[:]...)
	buf = append(buf, h.ParentBlockID[:]...)
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(h.Timestamp))
	buf = append(buf, tsBuf[:]...)
	return chainhash.Hash(sha256.Sum256(buf))
}

// MinerSignatureHash is the digest the miner key signs; it is the BlockID,
// so it covers the same four fields and neither signatures nor
// SignerBitvecLen.
func (h Header) MinerSignatureHash() chainhash.Hash {
	return h.BlockID()
}

// CandidateBlock is an assembled Nakamoto block awaiting or carrying its
// signatures, spec.md §3.
type CandidateBlock struct {
	Header       Header
	Transactions []Transaction
}

// HasTenureChange reports whether the block carries a tenure-change
// transaction of either cause, used by the P2/P3 invariant checks.
func (b CandidateBlock) HasTenureChange() bool {
	for _, tx := range b.Transactions {
		if tx.Cause == CauseTenureChangeBlockFound || tx.Cause == CauseTenureChangeExtended {
			return true
		}
	}
	return false
}

// HasCoinbase reports whether the block carries a Coinbase transaction.
func (b CandidateBlock) HasCoinbase() bool {
	for _, tx := range b.Transactions {
		if tx.Cause == CauseCoinbase {
			return true
		}
	}
	return false
}

// MinerReason distinguishes why this worker was spawned, spec.md §3.
type MinerReason int

const (
	ReasonBlockFound MinerReason = iota
	ReasonExtended
)

// ParentTenureInfo is present only when mining the first block of a new
// tenure.
type ParentTenureInfo struct {
	ParentTenureBlocks        uint64
	ParentTenureConsensusHash chainhash.Hash
}

// ParentStacksBlockInfo is the immediate parent to build upon, recomputed
// every loop iteration per spec.md §3's lifecycle note.
type ParentStacksBlockInfo struct {
	StacksParentHeader Header
	CoinbaseNonce      uint64
	ParentTenure       *ParentTenureInfo
}

// TotalBurn names the 256-bit integer type of a burn snapshot's total burn.
// No block type carries a field of this type; burn.Snapshot declares its
// own TotalBurn field with the same underlying type.
type TotalBurn = *uint256.Int
