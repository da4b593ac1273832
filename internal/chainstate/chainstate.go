// Package chainstate implements the ChainState/NakamotoChainState
// collaborators of spec.md §6: header storage, account nonce lookups, and
// the accept_block persist step, backed by goleveldb with a fastcache
// front for decoded headers, the way the teacher layers an ARC cache in
// front of its staking-list store (consensus/bsrr/berith.go).
package chainstate

import (
	"errors"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/blockweave/tenure-miner/internal/block"
)

var ErrHeaderNotFound = errors.New("chainstate: header not found")

// AcceptMethod distinguishes how a block reached accept_block; the core
// only ever uses Mined, per spec.md §4.5.
type AcceptMethod int

const (
	AcceptMethodMined AcceptMethod = iota
)

// Store is the ChainState collaborator: header persistence, account nonce
// resolution and the block-accept transactional boundary.
type Store interface {
	GetBlockHeader(blockID chainhash.Hash) (block.Header, bool, error)
	GetHighestBlockHeaderInTenure(consensusHash chainhash.Hash, tipID chainhash.Hash) (block.Header, bool, error)
	GetNakamotoTenureLength(parentBlockID chainhash.Hash) (uint64, error)
	GetAccountNonce(address string, atBlockID chainhash.Hash) (uint64, error)
	AcceptBlock(b block.CandidateBlock, consensusHash chainhash.Hash, method AcceptMethod) (accepted bool, err error)
	Close() error
}

// tenureExtent tracks the chain_length of the first and last header seen for
// a single consensus hash, enough to compute the tenure-relative block count
// GetNakamotoTenureLength answers without a full scan.
type tenureExtent struct {
	start uint64
	end   uint64
}

// LevelDBStore is the default Store, goleveldb-backed with a fastcache
// front for decoded headers.
type LevelDBStore struct {
	mu          sync.RWMutex
	db          *leveldb.DB
	headerCache *fastcache.Cache
	// tenureHeights tracks, per consensus hash, the tenure's starting and
	// highest chain_length observed.
	tenureHeights map[chainhash.Hash]tenureExtent
}

// Open opens a chainstate store at path.
func Open(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{
		db:            db,
		headerCache:   fastcache.New(8 * 1024 * 1024),
		tenureHeights: make(map[chainhash.Hash]tenureExtent),
	}, nil
}

func headerKey(id chainhash.Hash) []byte {
	return append([]byte("hdr:"), id[:]...)
}

// PutHeader stores a header keyed by its block id and updates the tenure
// chain-length index, used by AcceptBlock and by tests seeding fixtures.
func (s *LevelDBStore) PutHeader(h block.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := encodeHeader(h)
	id := h.BlockID()
	if err := s.db.Put(headerKey(id), enc, nil); err != nil {
		return err
	}
	s.headerCache.Set(id[:], enc)
	extent, ok := s.tenureHeights[h.ConsensusHash]
	if !ok {
		extent = tenureExtent{start: h.ChainLength, end: h.ChainLength}
	} else {
		if h.ChainLength < extent.start {
			extent.start = h.ChainLength
		}
		if h.ChainLength > extent.end {
			extent.end = h.ChainLength
		}
	}
	s.tenureHeights[h.ConsensusHash] = extent
	return nil
}

func (s *LevelDBStore) GetBlockHeader(blockID chainhash.Hash) (block.Header, bool, error) {
	if raw, ok := s.headerCache.HasGet(nil, blockID[:]); ok {
		return decodeHeader(raw), true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.db.Get(headerKey(blockID), nil)
	if err == leveldb.ErrNotFound {
		return block.Header{}, false, nil
	}
	if err != nil {
		return block.Header{}, false, err
	}
	s.headerCache.Set(blockID[:], raw)
	return decodeHeader(raw), true, nil
}

// GetHighestBlockHeaderInTenure scans stored headers for the highest
// chain_length header carrying consensusHash, reachable in spirit from
// tipID (this store keeps no fork structure, so it returns the
// global highest for that consensus hash; callers supply a fork-aware
// Store in fork-sensitive tests).
func (s *LevelDBStore) GetHighestBlockHeaderInTenure(consensusHash chainhash.Hash, tipID chainhash.Hash) (block.Header, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	iter := s.db.NewIterator(util.BytesPrefix([]byte("hdr:")), nil)
	defer iter.Release()

	var best block.Header
	found := false
	for iter.Next() {
		h := decodeHeader(iter.Value())
		if h.ConsensusHash != consensusHash {
			continue
		}
		if !found || h.ChainLength > best.ChainLength {
			best = h
			found = true
		}
	}
	if err := iter.Error(); err != nil {
		return block.Header{}, false, err
	}
	return best, found, nil
}

// GetNakamotoTenureLength returns the number of blocks mined so far within
// the tenure parentBlockID belongs to: 1 + (highest chain_length seen for
// that consensus hash - the tenure's starting chain_length), not the
// absolute chain_length itself.
func (s *LevelDBStore) GetNakamotoTenureLength(parentBlockID chainhash.Hash) (uint64, error) {
	hdr, ok, err := s.GetBlockHeader(parentBlockID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrHeaderNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	extent := s.tenureHeights[hdr.ConsensusHash]
	return 1 + (extent.end - extent.start), nil
}

// GetAccountNonce is a deliberately minimal account-state stand-in; full
// Clarity state is out of scope per spec.md §1 Non-goals. Unknown
// addresses start at nonce zero.
func (s *LevelDBStore) GetAccountNonce(address string, atBlockID chainhash.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := s.db.Get(nonceKey(address, atBlockID), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeUint64(raw), nil
}

// SetAccountNonce is a test/seed helper.
func (s *LevelDBStore) SetAccountNonce(address string, atBlockID chainhash.Hash, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(nonceKey(address, atBlockID), encodeUint64(nonce), nil)
}

// AcceptBlock persists b and indexes its header. It returns false when a
// block with the same id already exists, modeling the "network delivered
// our own block first" self-race spec.md §4.5 treats as a non-error.
func (s *LevelDBStore) AcceptBlock(b block.CandidateBlock, consensusHash chainhash.Hash, method AcceptMethod) (bool, error) {
	id := b.Header.BlockID()
	if _, ok, err := s.GetBlockHeader(id); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}
	if err := s.PutHeader(b.Header); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDBStore) Close() error { return s.db.Close() }

func nonceKey(address string, blockID chainhash.Hash) []byte {
	key := append([]byte("nonce:"), []byte(address)...)
	key = append(key, ':')
	return append(key, blockID[:]...)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * (7 - i)))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func encodeHeader(h block.Header) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, encodeUint64(h.ChainLength)...)
	buf = append(buf, h.ConsensusHash[:]...)
	buf = append(buf, h.ParentBlockID[:]...)
	buf = append(buf, encodeUint64(uint64(h.Timestamp))...)
	buf = append(buf, encodeUint64(uint64(h.SignerBitvecLen))...)
	sigLen := uint64(len(h.MinerSignature))
	buf = append(buf, encodeUint64(sigLen)...)
	buf = append(buf, h.MinerSignature...)
	return buf
}

func decodeHeader(buf []byte) block.Header {
	var h block.Header
	off := 0
	h.ChainLength = decodeUint64(buf[off : off+8])
	off += 8
	copy(h.ConsensusHash[:], buf[off:off+32])
	off += 32
	copy(h.ParentBlockID[:], buf[off:off+32])
	off += 32
	h.Timestamp = int64(decodeUint64(buf[off : off+8]))
	off += 8
	h.SignerBitvecLen = uint32(decodeUint64(buf[off : off+8]))
	off += 8
	sigLen := decodeUint64(buf[off : off+8])
	off += 8
	h.MinerSignature = append([]byte(nil), buf[off:off+int(sigLen)]...)
	return h
}
