// Package burn models the burnchain-facing half of the tenure controller:
// the immutable BurnSnapshot record and the SortitionDB collaborator spec.md
// §6 describes, backed by a goleveldb handle the way the teacher's
// consensus engine keeps its staking-list store open alongside an in-memory
// LRU cache (consensus/bsrr/berith.go).
package burn

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Snapshot is an immutable record of an anchor-chain block, spec.md §3.
type Snapshot struct {
	ConsensusHash   chainhash.Hash
	SortitionID     chainhash.Hash
	BurnHeaderHash  chainhash.Hash
	BlockHeight     uint64
	TotalBurn       *uint256.Int
	SortitionHash   chainhash.Hash
}

// Equal compares two snapshots by identity fields, ignoring TotalBurn's
// pointer identity.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.ConsensusHash == o.ConsensusHash &&
		s.SortitionID == o.SortitionID &&
		s.BurnHeaderHash == o.BurnHeaderHash &&
		s.BlockHeight == o.BlockHeight
}

// PoxConstants is the subset of reward-cycle parameters SortitionDB opens
// require, mirroring config.PoxConstants without importing the config
// package (burn is a lower layer).
type PoxConstants struct {
	RewardCycleLength uint32
	PrepareLength     uint32
}

var (
	// ErrNotFound is returned when a requested snapshot or header does not
	// exist in the store.
	ErrNotFound = errors.New("burn: snapshot not found")
)

// SortitionDB is the collaborator contract from spec.md §6: canonical tip
// lookups, per-consensus-hash snapshot lookups, and index handles pinned at
// a given chain position.
type SortitionDB interface {
	CanonicalBurnChainTip() (Snapshot, error)
	CanonicalStacksChainTipHash() (chainhash.Hash, chainhash.Hash, error)
	GetStacksEpoch(height uint64) (uint32, error)
	GetBlockSnapshotConsensus(ch chainhash.Hash) (Snapshot, bool, error)
	IndexHandleAtCH(ch chainhash.Hash) (IndexHandle, error)
	IndexHandleAtBlock(blockID chainhash.Hash) (IndexHandle, error)
	Close() error
}

// IndexHandle is a read-only cursor pinned at a specific chain position,
// used by the parent resolver and block assembler to walk ancestry.
type IndexHandle interface {
	Pinned() chainhash.Hash
}

// LevelDBSortitionDB is the default SortitionDB implementation, a thin
// wrapper over a goleveldb handle plus an ARC cache of recently-read
// snapshots, following the teacher's "open a backing store, cache with an
// ARC" idiom.
type LevelDBSortitionDB struct {
	mu     sync.RWMutex
	db     *leveldb.DB
	cache  *lru.ARCCache
	consts PoxConstants
}

// Open opens (creating if necessary) a LevelDB-backed sortition store at
// path, matching SortitionDB::open(path, writable, pox_constants).
func Open(path string, writable bool, consts PoxConstants) (*LevelDBSortitionDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{ReadOnly: !writable})
	if err != nil {
		return nil, err
	}
	cache, err := lru.NewARC(4096)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &LevelDBSortitionDB{db: db, cache: cache, consts: consts}, nil
}

func snapshotKey(ch chainhash.Hash) []byte {
	return append([]byte("snap:"), ch[:]...)
}

func heightKey(h uint64) []byte {
	buf := make([]byte, 8+len("height:"))
	copy(buf, "height:")
	binary.BigEndian.PutUint64(buf[len("height:"):], h)
	return buf
}

// PutSnapshot persists a snapshot keyed by consensus hash and indexes it by
// height for tip lookups; used by tests to seed store state.
func (s *LevelDBSortitionDB) PutSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := encodeSnapshot(snap)
	batch := new(leveldb.Batch)
	batch.Put(snapshotKey(snap.ConsensusHash), enc)
	batch.Put(heightKey(snap.BlockHeight), snap.ConsensusHash[:])
	batch.Put([]byte("tip"), snap.ConsensusHash[:])
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.cache.Add(snap.ConsensusHash, snap)
	return nil
}

func (s *LevelDBSortitionDB) CanonicalBurnChainTip() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tipCH, err := s.db.Get([]byte("tip"), nil)
	if err != nil {
		return Snapshot{}, ErrNotFound
	}
	var ch chainhash.Hash
	copy(ch[:], tipCH)
	snap, ok, err := s.getBlockSnapshotConsensusLocked(ch)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

func (s *LevelDBSortitionDB) CanonicalStacksChainTipHash() (chainhash.Hash, chainhash.Hash, error) {
	tip, err := s.CanonicalBurnChainTip()
	if err != nil {
		return chainhash.Hash{}, chainhash.Hash{}, err
	}
	return tip.ConsensusHash, tip.SortitionID, nil
}

func (s *LevelDBSortitionDB) GetStacksEpoch(height uint64) (uint32, error) {
	// Epoch schedule is out of scope (spec.md §1 Non-goals); a single
	// Nakamoto epoch id is returned for any height, matching a mocknet
	// single-epoch burnchain config.
	return 3, nil
}

func (s *LevelDBSortitionDB) GetBlockSnapshotConsensus(ch chainhash.Hash) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBlockSnapshotConsensusLocked(ch)
}

func (s *LevelDBSortitionDB) getBlockSnapshotConsensusLocked(ch chainhash.Hash) (Snapshot, bool, error) {
	if v, ok := s.cache.Get(ch); ok {
		return v.(Snapshot), true, nil
	}
	raw, err := s.db.Get(snapshotKey(ch), nil)
	if err == leveldb.ErrNotFound {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	snap := decodeSnapshot(raw)
	s.cache.Add(ch, snap)
	return snap, true, nil
}

func (s *LevelDBSortitionDB) IndexHandleAtCH(ch chainhash.Hash) (IndexHandle, error) {
	if _, ok, err := s.GetBlockSnapshotConsensus(ch); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrNotFound
	}
	return pinnedHandle{ch}, nil
}

func (s *LevelDBSortitionDB) IndexHandleAtBlock(blockID chainhash.Hash) (IndexHandle, error) {
	return pinnedHandle{blockID}, nil
}

func (s *LevelDBSortitionDB) Close() error {
	return s.db.Close()
}

type pinnedHandle struct{ h chainhash.Hash }

func (p pinnedHandle) Pinned() chainhash.Hash { return p.h }

func encodeSnapshot(s Snapshot) []byte {
	buf := make([]byte, 0, 32*4+8+32)
	buf = append(buf, s.ConsensusHash[:]...)
	buf = append(buf, s.SortitionID[:]...)
	buf = append(buf, s.BurnHeaderHash[:]...)
	buf = append(buf, s.SortitionHash[:]...)
	height := make([]byte, 8)
	binary.BigEndian.PutUint64(height, s.BlockHeight)
	buf = append(buf, height...)
	var burnBytes [32]byte
	if s.TotalBurn != nil {
		burnBytes = s.TotalBurn.Bytes32()
	}
	buf = append(buf, burnBytes[:]...)
	return buf
}

func decodeSnapshot(raw []byte) Snapshot {
	var s Snapshot
	off := 0
	copy(s.ConsensusHash[:], raw[off:off+32])
	off += 32
	copy(s.SortitionID[:], raw[off:off+32])
	off += 32
	copy(s.BurnHeaderHash[:], raw[off:off+32])
	off += 32
	copy(s.SortitionHash[:], raw[off:off+32])
	off += 32
	s.BlockHeight = binary.BigEndian.Uint64(raw[off : off+8])
	off += 8
	var burnBytes [32]byte
	copy(burnBytes[:], raw[off:off+32])
	s.TotalBurn = new(uint256.Int).SetBytes32(burnBytes[:])
	return s
}
