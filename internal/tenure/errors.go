// Package tenure implements the tenure state machine and block-production
// loop: the five cooperating components (directive/lifecycle controller,
// parent resolver, block assembler, signature coordinator driver,
// broadcaster/interim waiter) and the main loop gluing them together.
//
// The worker-loop and atomic-gating idiom is grounded on the teacher's
// miner/worker.go (newWorkLoop/mainLoop/taskLoop separation, atomic running
// counters); the exact control flow is grounded on
// nakamoto_node/miner.rs's run_miner/mine_block/load_block_parent_info.
package tenure

import "fmt"

// Kind enumerates the error kinds of spec.md §7 by name, not by Go type,
// so the main loop can classify on a single field rather than a type
// switch, the same "classify, don't just bubble" approach the teacher uses
// for its own err... sentinel variables in consensus/bsrr/berith.go.
type Kind int

const (
	KindParentNotFound Kind = iota
	KindBurnchainTipChanged
	KindStacksTipChanged
	KindNewParentDiscovered
	KindMinerAborted
	KindNoTransactionsToMine
	KindSigningCoordinatorFailure
	KindAcceptFailure
	KindMinerConfigurationFailed
	KindBadVrfConstruction
	KindMinerSignatureError
	KindUnexpectedChainState
	KindSnapshotNotFoundForChainTip
)

func (k Kind) String() string {
	switch k {
	case KindParentNotFound:
		return "ParentNotFound"
	case KindBurnchainTipChanged:
		return "BurnchainTipChanged"
	case KindStacksTipChanged:
		return "StacksTipChanged"
	case KindNewParentDiscovered:
		return "NewParentDiscovered"
	case KindMinerAborted:
		return "MinerAborted"
	case KindNoTransactionsToMine:
		return "NoTransactionsToMine"
	case KindSigningCoordinatorFailure:
		return "SigningCoordinatorFailure"
	case KindAcceptFailure:
		return "AcceptFailure"
	case KindMinerConfigurationFailed:
		return "MinerConfigurationFailed"
	case KindBadVrfConstruction:
		return "BadVrfConstruction"
	case KindMinerSignatureError:
		return "MinerSignatureError"
	case KindUnexpectedChainState:
		return "UnexpectedChainState"
	case KindSnapshotNotFoundForChainTip:
		return "SnapshotNotFoundForChainTip"
	default:
		return "Unknown"
	}
}

// Error is the single error type every component in this package returns,
// carrying its classification plus block-identifying context for logging
// (spec.md §7: "at minimum {block_id, chain_length, consensus_hash}").
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// NewError builds a classified Error for callers outside this package, such
// as the CLI entrypoint raising KindMinerConfigurationFailed before a
// Worker even exists to run.
func NewError(kind Kind, msg string, cause error) *Error {
	return newErr(kind, msg, cause)
}

// IsTipChange reports whether the loop must exit the worker entirely and
// surface the result to the relayer, spec.md §7's "errors that reflect
// environment change propagate".
func (e *Error) IsTipChange() bool {
	switch e.Kind {
	case KindBurnchainTipChanged, KindStacksTipChanged, KindNewParentDiscovered:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the loop must exit the worker due to an
// unrecoverable local failure (configuration, cryptography, chain-state
// access), as opposed to a transient condition worth retrying.
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case KindMinerConfigurationFailed, KindBadVrfConstruction, KindMinerSignatureError, KindUnexpectedChainState, KindSnapshotNotFoundForChainTip:
		return true
	default:
		return false
	}
}

// IsSoftAbort reports whether the loop should sleep ABORT_TRY_AGAIN_MS and
// retry assembly with the same WorkerState, spec.md §7's MinerAborted row.
func (e *Error) IsSoftAbort() bool {
	return e.Kind == KindMinerAborted
}
