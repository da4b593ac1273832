// Package globals holds the process-wide coordination flags spec.md §5
// describes: the miner-blocked gate and the shared should_keep_running flag
// a worker polls to know when to abandon its tenure early.
package globals

import "sync/atomic"

// MinerBlocked is a single process-wide miner-blocked switch. The tenure
// Controller sets it while it stops and joins the outgoing worker and clears
// it afterwards; the worker loop itself does not consult it. It mirrors the
// teacher's w.running atomic gate in miner/worker.go generalized to a
// single global rather than per-worker flag.
type MinerBlocked struct {
	blocked int32
}

func (m *MinerBlocked) Set(blocked bool) {
	if blocked {
		atomic.StoreInt32(&m.blocked, 1)
	} else {
		atomic.StoreInt32(&m.blocked, 0)
	}
}

func (m *MinerBlocked) Get() bool {
	return atomic.LoadInt32(&m.blocked) != 0
}

// KeepRunning is the cooperative cancellation flag a worker polls on every
// burn-tip tick; clearing it asks the worker to exit at its next checkpoint.
type KeepRunning struct {
	running int32
}

// NewKeepRunning returns a flag initialized to true.
func NewKeepRunning() *KeepRunning {
	k := &KeepRunning{}
	k.running = 1
	return k
}

func (k *KeepRunning) Stop() {
	atomic.StoreInt32(&k.running, 0)
}

func (k *KeepRunning) ShouldKeepRunning() bool {
	return atomic.LoadInt32(&k.running) != 0
}
