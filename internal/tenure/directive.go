package tenure

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/globals"
	"github.com/blockweave/tenure-miner/internal/log"
)

// DirectiveKind tags a TenureDirective, spec.md §3.
type DirectiveKind int

const (
	DirectiveBeginTenure DirectiveKind = iota
	DirectiveContinueTenure
	DirectiveStopTenure
)

// Directive is the tagged variant spec.md §3 describes:
// BeginTenure{parent_tenure_start_id, burn_tip_snapshot},
// ContinueTenure{new_burn_view_hash}, StopTenure.
type Directive struct {
	Kind                DirectiveKind
	ParentTenureStartID chainhash.Hash
	BurnTipSnapshot     burn.Snapshot
	NewBurnViewHash     chainhash.Hash
}

// ExitReason is the worker's terminal state, surfaced to the relayer.
type ExitReason struct {
	Err *Error // nil on a clean StopTenure-triggered exit
}

// Handle is what spawn() returns: a reference to the running worker's
// lifecycle, used to stop it and wait for its exit reason.
type Handle struct {
	worker *Worker
	done   chan ExitReason
}

// Join blocks until the worker exits and returns its terminal reason.
func (h *Handle) Join() ExitReason {
	return <-h.done
}

// Controller is the directive & lifecycle controller, C1. It owns the
// single-active-worker invariant (spec.md §3 invariant 1): spawning a new
// worker always stops the prior one first.
type Controller struct {
	blocked *globals.MinerBlocked
	current *Handle
}

// NewController builds a Controller sharing the given process-wide
// miner-blocked gate.
func NewController(blocked *globals.MinerBlocked) *Controller {
	return &Controller{blocked: blocked}
}

// Spawn implements spec.md §4.1's spawn(directive, prior_worker?): if a
// worker is already running, it is blocked and joined before the new one
// starts, enforcing property P1 (stop-before-start).
func (c *Controller) Spawn(directive Directive, newWorker func() *Worker) *Handle {
	if c.current != nil {
		c.stopAndJoin()
	}

	w := newWorker()
	done := make(chan ExitReason, 1)
	handle := &Handle{worker: w, done: done}
	c.current = handle

	go func() {
		reason := w.Run()
		done <- reason
	}()
	return handle
}

// Stop implements spec.md §4.1's stop(prior_worker): idempotent, and
// errors from the prior worker are logged, never propagated, because an
// abort due to tip change is expected.
func (c *Controller) Stop() {
	if c.current == nil {
		return
	}
	c.stopAndJoin()
}

func (c *Controller) stopAndJoin() {
	c.blocked.Set(true)
	defer c.blocked.Set(false)

	c.current.worker.RequestStop()
	result := c.current.Join()
	if result.Err != nil {
		log.Info("prior tenure worker exited", "kind", result.Err.Kind.String())
	}
	c.current = nil
}
