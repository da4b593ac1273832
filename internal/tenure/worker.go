package tenure

import (
	"time"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/faults"
	"github.com/blockweave/tenure-miner/internal/log"
	"github.com/blockweave/tenure-miner/internal/signer"
)

// stallPollInterval is how often a TEST_*_STALL gate is re-checked while the
// worker is paused on it, spec.md §6.
const stallPollInterval = 10 * time.Millisecond

// interimWaitCeiling bounds how long a single interim wait blocks before the
// worker loop re-evaluates from scratch. In practice InterimWait itself
// returns as soon as the burn tip changes or the worker is stopped; this is
// only a backstop against a canonical tip that never advances.
const interimWaitCeiling = 24 * time.Hour

// Worker is C6: the main tenure loop gluing the parent resolver, assembler,
// signature coordinator driver and broadcaster together, spec.md §4.6. A
// fresh Worker is built by the node for every TenureDirective and run on its
// own goroutine by Controller.Spawn.
type Worker struct {
	state           *WorkerState
	parentResolver  *ParentResolver
	assembler       *Assembler
	broadcaster     *Broadcaster
	signerTransport signer.Transport
	burnPoller      BurnTipPoller
	mockMining      bool
}

// NewWorker assembles a Worker from its collaborators. mockMining, when set,
// short-circuits the signature-gathering phase entirely (spec.md §4.4's
// "short-circuit in mock-mining mode"), matching node.mock_mining.
func NewWorker(state *WorkerState, parentResolver *ParentResolver, assembler *Assembler, broadcaster *Broadcaster, signerTransport signer.Transport, burnPoller BurnTipPoller, mockMining bool) *Worker {
	if mockMining {
		log.Info("tenure worker starting in mock-mining mode, signer quorum skipped")
	}
	return &Worker{
		state:           state,
		parentResolver:  parentResolver,
		assembler:       assembler,
		broadcaster:     broadcaster,
		signerTransport: signerTransport,
		burnPoller:      burnPoller,
		mockMining:      mockMining,
	}
}

// RequestStop asks the worker to exit at its next checkpoint, the
// should_keep_running flag of spec.md §5. Controller.stopAndJoin calls this
// before joining.
func (w *Worker) RequestStop() {
	w.state.KeepRunning.Stop()
}

// Run is the main loop of spec.md §4.6: mine, sign, broadcast, wait, repeat
// until stopped or an error that must propagate out of the worker occurs.
func (w *Worker) Run() ExitReason {
	for {
		if !w.state.KeepRunning.ShouldKeepRunning() {
			return ExitReason{}
		}
		if !w.waitWhileStalled(faults.MineStalled) {
			return ExitReason{}
		}

		candidate, mineErr := w.mineBlock()
		if mineErr != nil {
			return ExitReason{Err: mineErr}
		}
		if candidate == nil {
			// NoTransactionsToMine, or the worker was asked to stop mid-attempt:
			// either way there is nothing to sign or broadcast this round.
			if ierr := w.broadcaster.InterimWait(w.state, w.burnPoller, w.interimWait()); ierr != nil {
				return ExitReason{Err: ierr}
			}
			continue
		}

		if !w.waitWhileStalled(faults.BroadcastStalled) {
			return ExitReason{}
		}

		if !w.mockMining {
			sigs, serr := w.gatherSignatures(candidate)
			if serr != nil {
				if serr.IsTipChange() {
					return ExitReason{Err: serr}
				}
				log.Warn("signature gathering failed, retrying tenure loop", "err", serr)
				continue
			}
			candidate.Header.SignerSignature = sigs
			w.state.Counters.IncSignaturesGathered()
		}

		if berr := w.broadcaster.Broadcast(w.state, *candidate); berr != nil {
			w.state.Counters.IncBroadcastFailed()
			log.Warn("broadcast failed, retrying tenure loop", "err", berr)
			continue
		}

		if !w.waitWhileStalled(faults.BlockAnnounceStalled) {
			return ExitReason{}
		}

		wait := w.state.Config.Miner.WaitOnInterimBlocks()
		if wait <= 0 {
			continue
		}
		if ierr := w.broadcaster.InterimWait(w.state, w.burnPoller, wait); ierr != nil {
			return ExitReason{Err: ierr}
		}
	}
}

// interimWait bounds the wait after an empty mine_block attempt by the
// configured miner.wait_on_interim_blocks, falling back to
// interimWaitCeiling when it is unset so an empty mempool doesn't spin the
// loop in a tight retry.
func (w *Worker) interimWait() time.Duration {
	if wait := w.state.Config.Miner.WaitOnInterimBlocks(); wait > 0 {
		return wait
	}
	return interimWaitCeiling
}

// mineBlock implements the mine_block retry loop of spec.md §4.6:
// MinerAborted sleeps ABORT_TRY_AGAIN_MS and retries with the same
// WorkerState, NoTransactionsToMine breaks out with a nil candidate and no
// error, a missing parent during the mock-mining preflight also retries
// rather than exits, and anything else exits the worker.
func (w *Worker) mineBlock() (*block.CandidateBlock, *Error) {
	for {
		if !w.state.KeepRunning.ShouldKeepRunning() {
			return nil, nil
		}

		parentInfo, perr := w.parentResolver.Resolve(w.state)
		if perr != nil {
			// Mock-mining preflight: the local node may simply not have
			// processed the winning block-commit yet, so a missing parent
			// here is worth a retry rather than a fatal resolution failure.
			if w.mockMining && perr.Kind == KindParentNotFound {
				w.state.Counters.IncAbortRetries()
				time.Sleep(AbortTryAgain)
				continue
			}
			return nil, perr
		}
		faults.InjectLongTenure()

		candidate, aerr := w.assembler.Build(w.state, parentInfo, w.mockMining)
		if aerr == nil {
			return &candidate, nil
		}

		switch {
		case aerr.Kind == KindNoTransactionsToMine:
			return nil, nil
		case aerr.IsSoftAbort():
			w.state.Counters.IncAbortRetries()
			time.Sleep(AbortTryAgain)
			continue
		default:
			return nil, aerr
		}
	}
}

// gatherSignatures drives a fresh signer.Coordinator to threshold, spec.md
// §4.4; signer.Error's tip-change classification is re-expressed as this
// package's own Kind so the main loop can treat it identically to every
// other exit-worthy error.
func (w *Worker) gatherSignatures(candidate *block.CandidateBlock) ([][]byte, *Error) {
	coord := signer.New(w.state.Keychain.GetNakamotoSK(), w.state.KeepRunning, w.signerTransport)
	sigs, err := coord.RunSignV0(*candidate, w.state.SignerSetCache)
	if err == nil {
		return sigs, nil
	}
	se, ok := err.(*signer.Error)
	if !ok {
		return nil, newErr(KindSigningCoordinatorFailure, err.Error(), err)
	}
	switch se.Kind {
	case signer.TipChangeStacks:
		return nil, newErr(KindStacksTipChanged, se.Message, nil)
	case signer.TipChangeBurn:
		return nil, newErr(KindBurnchainTipChanged, se.Message, nil)
	default:
		return nil, newErr(KindSigningCoordinatorFailure, se.Message, nil)
	}
}

// waitWhileStalled blocks in stallPollInterval increments while check
// reports true, used for the TEST_MINE_STALL / TEST_BROADCAST_STALL /
// TEST_BLOCK_ANNOUNCE_STALL hooks of spec.md §6. It returns false if the
// worker is asked to stop while paused, so the caller can exit immediately
// instead of resuming a phase nobody wants finished.
func (w *Worker) waitWhileStalled(check func() bool) bool {
	for check() {
		if !w.state.KeepRunning.ShouldKeepRunning() {
			return false
		}
		time.Sleep(stallPollInterval)
	}
	return true
}
