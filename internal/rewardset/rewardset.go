// Package rewardset models the signer/reward set active for a reward cycle
// and the worker-lifetime-stable cache described by spec.md §3 invariant 3
// and §8 property P7. The weighted-address bookkeeping is adapted from the
// teacher's berith/selection/candidates.go committee-selection math, which
// also ranks addresses by cumulative weight over a deterministic seed.
package rewardset

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// Signer is one member of a reward set: an address and its signing weight.
type Signer struct {
	Address string
	Weight  uint64
	PubKey  []byte
}

// RewardSet is the set of addresses authorized to co-sign Nakamoto blocks
// in a given reward cycle.
type RewardSet struct {
	RewardCycle        uint64
	RewardedAddresses  []string
	Signers            []Signer
	totalWeight        uint64
}

// TotalWeight returns the sum of all signer weights, computed once and
// cached on first call.
func (r *RewardSet) TotalWeight() uint64 {
	if r.totalWeight != 0 {
		return r.totalWeight
	}
	var total uint64
	for _, s := range r.Signers {
		total += s.Weight
	}
	r.totalWeight = total
	return total
}

// ThresholdWeight is the minimum cumulative weight required for a valid
// signature quorum; Nakamoto uses a 70% supermajority.
func (r *RewardSet) ThresholdWeight() uint64 {
	return (r.TotalWeight()*70 + 99) / 100
}

// rangeEntry is one cumulative-weight bucket, mirroring the teacher's
// selectBlockCreator's range table built from GetSeed-derived weights.
type rangeEntry struct {
	signer    Signer
	rangeLow  uint64
	rangeHigh uint64
}

// SelectByWeight deterministically picks a signer whose cumulative weight
// range contains seedValue mod totalWeight, the same binary-search-over-
// ranges technique berith/selection/candidates.go uses for block-creator
// selection, repurposed here for reproducible signer sampling in tests.
func (r *RewardSet) SelectByWeight(seed []byte) (Signer, bool) {
	if len(r.Signers) == 0 {
		return Signer{}, false
	}
	ordered := make([]Signer, len(r.Signers))
	copy(ordered, r.Signers)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Address < ordered[j].Address })

	ranges := make([]rangeEntry, 0, len(ordered))
	var cum uint64
	for _, s := range ordered {
		low := cum
		cum += s.Weight
		ranges = append(ranges, rangeEntry{signer: s, rangeLow: low, rangeHigh: cum})
	}
	total := cum
	if total == 0 {
		return Signer{}, false
	}
	target := seedToUint64(seed) % total

	lo, hi := 0, len(ranges)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case target < ranges[mid].rangeLow:
			hi = mid - 1
		case target >= ranges[mid].rangeHigh:
			lo = mid + 1
		default:
			return ranges[mid].signer, true
		}
	}
	return Signer{}, false
}

func seedToUint64(seed []byte) uint64 {
	h := sha256.Sum256(seed)
	return binary.BigEndian.Uint64(h[:8])
}

// Loader produces the RewardSet active at a reward cycle / sortition, the
// load_nakamoto_reward_set collaborator of spec.md §6.
type Loader interface {
	LoadNakamotoRewardSet(rewardCycle uint64, sortitionID [32]byte) (*RewardSet, bool, error)
}

// Cache enforces spec.md invariant 3 and property P7: once populated for a
// worker, the same RewardSet value is returned for the worker's entire
// lifetime regardless of what the Loader would return on a later call.
// Internally it is an LRU the way the teacher caches staking lists
// (consensus/bsrr/berith.go's lru.ARCCache), sized for many concurrent
// tenure workers in the same process even though any single worker only
// ever touches one entry.
type Cache struct {
	mu     sync.Mutex
	loader Loader
	lru    *lru.ARCCache
}

// NewCache wraps loader with a worker-lifetime-stable cache of the given
// capacity (number of distinct worker keys it can hold concurrently).
func NewCache(loader Loader, capacity int) (*Cache, error) {
	l, err := lru.NewARC(capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{loader: loader, lru: l}, nil
}

// Get returns the cached RewardSet for workerKey if present; otherwise it
// loads once via the Loader and caches the result, including a definitive
// "not found" outcome, so a later Loader change cannot alter what this
// workerKey observes.
func (c *Cache) Get(workerKey string, rewardCycle uint64, sortitionID [32]byte) (*RewardSet, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(workerKey); ok {
		entry := v.(cacheEntry)
		return entry.set, entry.found, entry.err
	}
	set, found, err := c.loader.LoadNakamotoRewardSet(rewardCycle, sortitionID)
	if err != nil {
		return nil, false, err
	}
	c.lru.Add(workerKey, cacheEntry{set: set, found: found})
	return set, found, nil
}

type cacheEntry struct {
	set   *RewardSet
	found bool
	err   error
}
