// Package counters tracks the atomic tenure-lifecycle counters the worker
// loop updates as it runs, in the spirit of the teacher's atomic newTxs/
// running counters in miner/worker.go.
package counters

import "sync/atomic"

// Tenure aggregates the counters for a single worker's lifetime. A fresh
// Tenure is created per TenureDirective, matching spec.md's WorkerState
// scoping.
type Tenure struct {
	blocksBuilt        int64
	signaturesGathered int64
	broadcastsOK       int64
	broadcastsFailed   int64
	abortRetries       int64
}

func (t *Tenure) IncBlocksBuilt()        { atomic.AddInt64(&t.blocksBuilt, 1) }
func (t *Tenure) IncSignaturesGathered() { atomic.AddInt64(&t.signaturesGathered, 1) }
func (t *Tenure) IncBroadcastOK()        { atomic.AddInt64(&t.broadcastsOK, 1) }
func (t *Tenure) IncBroadcastFailed()    { atomic.AddInt64(&t.broadcastsFailed, 1) }
func (t *Tenure) IncAbortRetries()       { atomic.AddInt64(&t.abortRetries, 1) }

func (t *Tenure) BlocksBuilt() int64        { return atomic.LoadInt64(&t.blocksBuilt) }
func (t *Tenure) SignaturesGathered() int64 { return atomic.LoadInt64(&t.signaturesGathered) }
func (t *Tenure) BroadcastsOK() int64       { return atomic.LoadInt64(&t.broadcastsOK) }
func (t *Tenure) BroadcastsFailed() int64   { return atomic.LoadInt64(&t.broadcastsFailed) }
func (t *Tenure) AbortRetries() int64       { return atomic.LoadInt64(&t.abortRetries) }

// New returns a zeroed Tenure counter set.
func New() *Tenure { return &Tenure{} }
