// Package faults holds the process-global fault-injection knobs spec.md §6
// calls for, toggled directly by tests and consulted by the worker loop.
package faults

import (
	"sync/atomic"
	"time"
)

var (
	blockPushFailProbability uint32
	longTenureDelayMs        uint32
	forceParentNotFound      int32

	testMineStall          int32
	testBroadcastStall     int32
	testBlockAnnounceStall int32
	testSkipP2PBroadcast   int32
)

// SetBlockPushFailProbability sets node.fault_injection_block_push_fail_probability
// as an integer 0-100. The broadcaster rolls against this before every push.
func SetBlockPushFailProbability(pct uint32) {
	if pct > 100 {
		pct = 100
	}
	atomic.StoreUint32(&blockPushFailProbability, pct)
}

// BlockPushFailProbability returns the currently configured percentage.
func BlockPushFailProbability() uint32 {
	return atomic.LoadUint32(&blockPushFailProbability)
}

// SetLongTenureDelay configures InjectLongTenure to sleep for the given
// duration, in milliseconds, each time it is called. Zero disables it.
func SetLongTenureDelay(ms uint32) {
	atomic.StoreUint32(&longTenureDelayMs, ms)
}

// LongTenureDelayMs reports the configured delay without clearing it.
func LongTenureDelayMs() uint32 {
	return atomic.LoadUint32(&longTenureDelayMs)
}

// InjectLongTenure sleeps for the configured delay, mirroring the
// fault_injection_long_tenure hook invoked right after the burn-tip check
// in mine_block; it is a no-op unless a test has installed a delay.
func InjectLongTenure() {
	if ms := LongTenureDelayMs(); ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

// ForceParentNotFound makes the next parent resolution attempt fail
// regardless of chain state, consumed once then automatically cleared.
func ForceParentNotFound(on bool) {
	if on {
		atomic.StoreInt32(&forceParentNotFound, 1)
	} else {
		atomic.StoreInt32(&forceParentNotFound, 0)
	}
}

// ConsumeForceParentNotFound reports whether the flag is set and clears it.
func ConsumeForceParentNotFound() bool {
	return atomic.CompareAndSwapInt32(&forceParentNotFound, 1, 0)
}

// SetMineStall toggles TEST_MINE_STALL (spec.md §6): while true, the main
// loop must pause before assembling a candidate block.
func SetMineStall(on bool) { storeFlag(&testMineStall, on) }

// MineStalled reports the current TEST_MINE_STALL value.
func MineStalled() bool { return loadFlag(&testMineStall) }

// SetBroadcastStall toggles TEST_BROADCAST_STALL: while true, the main loop
// must pause after gathering signatures but before broadcasting.
func SetBroadcastStall(on bool) { storeFlag(&testBroadcastStall, on) }

// BroadcastStalled reports the current TEST_BROADCAST_STALL value.
func BroadcastStalled() bool { return loadFlag(&testBroadcastStall) }

// SetBlockAnnounceStall toggles TEST_BLOCK_ANNOUNCE_STALL: while true, the
// main loop must pause after a successful broadcast before bumping counters
// and re-entering the interim wait.
func SetBlockAnnounceStall(on bool) { storeFlag(&testBlockAnnounceStall, on) }

// BlockAnnounceStalled reports the current TEST_BLOCK_ANNOUNCE_STALL value.
func BlockAnnounceStalled() bool { return loadFlag(&testBlockAnnounceStall) }

// SetSkipP2PBroadcast toggles TEST_SKIP_P2P_BROADCAST, letting tests exercise
// the signer-bus and persistence paths without a live network handle.
func SetSkipP2PBroadcast(on bool) { storeFlag(&testSkipP2PBroadcast, on) }

// SkipP2PBroadcast reports the current TEST_SKIP_P2P_BROADCAST value.
func SkipP2PBroadcast() bool { return loadFlag(&testSkipP2PBroadcast) }

func storeFlag(p *int32, on bool) {
	if on {
		atomic.StoreInt32(p, 1)
	} else {
		atomic.StoreInt32(p, 0)
	}
}

func loadFlag(p *int32) bool { return atomic.LoadInt32(p) != 0 }

// Reset clears all fault-injection state, called between test cases.
func Reset() {
	atomic.StoreUint32(&blockPushFailProbability, 0)
	atomic.StoreUint32(&longTenureDelayMs, 0)
	atomic.StoreInt32(&forceParentNotFound, 0)
	atomic.StoreInt32(&testMineStall, 0)
	atomic.StoreInt32(&testBroadcastStall, 0)
	atomic.StoreInt32(&testBlockAnnounceStall, 0)
	atomic.StoreInt32(&testSkipP2PBroadcast, 0)
}
