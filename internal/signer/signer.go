// Package signer drives the external signer quorum to a threshold
// signature over an assembled block, spec.md §4.4's SignCoordinator
// collaborator. Verification tracking of which signers have already
// responded is adapted from the teacher's mapset.Set ancestor/family
// bookkeeping in miner/worker.go, here tracking responding pubkeys instead
// of block hashes.
package signer

import (
	"crypto/ed25519"
	"errors"

	mapset "github.com/deckarep/golang-set"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/rewardset"
)

// TipChangeKind classifies the two error kinds spec.md §4.4 says must
// surface up and out of the worker loop.
type TipChangeKind int

const (
	TipChangeNone TipChangeKind = iota
	TipChangeStacks
	TipChangeBurn
)

// Error wraps a signing-coordinator failure with its loop-policy
// classification: tip changes exit the worker, everything else retries.
type Error struct {
	Kind    TipChangeKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// IsTipChange reports whether the worker loop must exit on this error.
func (e *Error) IsTipChange() bool { return e.Kind != TipChangeNone }

// Transport is how messages reach individual signers; out of scope per
// spec.md §1 (signer network transport), modeled as a narrow interface so
// tests can inject a fake quorum.
type Transport interface {
	// RequestSignature asks signer to co-sign digest, returning its
	// signature or an error if it does not respond / rejects.
	RequestSignature(signer rewardset.Signer, digest []byte) ([]byte, error)
}

// CancelFlag is the shared should_keep_running flag from spec.md §5; the
// coordinator polls it between signer requests.
type CancelFlag interface {
	ShouldKeepRunning() bool
}

// Coordinator is instantiated fresh per invocation, parameterized by the
// miner private key and the cancellation flag, per spec.md §4.4.
type Coordinator struct {
	minerKey   ed25519.PrivateKey
	cancelFlag CancelFlag
	transport  Transport
}

// New constructs a fresh Coordinator. A new Coordinator must be built for
// every gather_signatures call; state is never reused across invocations.
func New(minerKey ed25519.PrivateKey, cancelFlag CancelFlag, transport Transport) *Coordinator {
	return &Coordinator{minerKey: minerKey, cancelFlag: cancelFlag, transport: transport}
}

// RunSignV0 drives the reward set's signers to threshold weight, returning
// their signatures in reward.Signers order. Mock-mining mode is
// short-circuited by the caller before RunSignV0 is ever invoked (spec.md
// §4.4 "short-circuit in mock-mining mode").
func (c *Coordinator) RunSignV0(b block.CandidateBlock, reward *rewardset.RewardSet) ([][]byte, error) {
	if reward == nil || len(reward.Signers) == 0 {
		return nil, &Error{Message: "signer: empty reward set"}
	}

	digest := b.Header.MinerSignatureHash()
	responded := mapset.NewSet()
	sigs := make([][]byte, 0, len(reward.Signers))
	var gathered uint64

	for _, s := range reward.Signers {
		if !c.cancelFlag.ShouldKeepRunning() {
			return nil, &Error{Message: "signer: cancelled", Kind: TipChangeNone}
		}
		if responded.Contains(s.Address) {
			continue
		}
		sig, err := c.transport.RequestSignature(s, digest[:])
		if err != nil {
			if tc, ok := err.(*Error); ok && tc.IsTipChange() {
				return nil, tc
			}
			// Transient per-signer failure: skip and keep trying others,
			// matching "any other error logs and causes re-entry" at the
			// worker level while still giving remaining signers a chance
			// to reach quorum within this single RunSignV0 call.
			continue
		}
		responded.Add(s.Address)
		sigs = append(sigs, sig)
		gathered += s.Weight
		if gathered >= reward.ThresholdWeight() {
			return sigs, nil
		}
	}
	return nil, &Error{Message: "signer: quorum not reached"}
}

var ErrNoTransport = errors.New("signer: no transport configured")
