// Package keychain implements the signing-side collaborator spec.md §6
// calls Keychain: miner signature production, VRF proof generation and
// address derivation. It has no transaction-authorization method. Key
// generation and VRF registration are out of scope (spec.md §1 Non-goals);
// this package only signs with an already-configured key.
package keychain

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var ErrNoMiningKey = errors.New("keychain: no mining key configured")

// VRFProof is a verifiable random function output over a sortition hash.
// A full VRF construction is outside this core's scope; the proof here is
// a deterministic ed25519 signature over the sortition hash, which is
// sufficient to exercise every invariant the tenure controller itself
// checks (non-empty proof, construction failure classification).
type VRFProof []byte

// Keychain holds the miner's Nakamoto signing key and mock-mining key.
type Keychain struct {
	miningKey     ed25519.PrivateKey
	mockMiningKey ed25519.PrivateKey
	mainnet       bool
}

// FromHex constructs a Keychain from a hex-encoded ed25519 seed, the format
// miner.mining_key in the configuration holds.
func FromHex(hexKey string, mainnet bool) (*Keychain, error) {
	if hexKey == "" {
		return nil, ErrNoMiningKey
	}
	seed, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("keychain: mining key must be a 32-byte seed")
	}
	return &Keychain{miningKey: ed25519.NewKeyFromSeed(seed), mainnet: mainnet}, nil
}

// NewMockKeychain generates an ephemeral random key for mock-mining mode
// (node.mock_mining), where no real mining key is required.
func NewMockKeychain(mainnet bool) (*Keychain, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Keychain{miningKey: priv, mockMiningKey: priv, mainnet: mainnet}, nil
}

// OriginAddress returns the miner's origin address, derived from the
// public key, matching get_nakamoto_pkh/origin_address(mainnet).
func (k *Keychain) OriginAddress() string {
	pub := k.miningKey.Public().(ed25519.PublicKey)
	h := sha256.Sum256(pub)
	prefix := "SP"
	if !k.mainnet {
		prefix = "ST"
	}
	return prefix + hex.EncodeToString(h[:20])
}

// GetNakamotoPKH returns the public key hash used to identify this miner
// to the signer quorum.
func (k *Keychain) GetNakamotoPKH() [20]byte {
	pub := k.miningKey.Public().(ed25519.PublicKey)
	h := sha256.Sum256(pub)
	var pkh [20]byte
	copy(pkh[:], h[:20])
	return pkh
}

// GetNakamotoSK exposes the raw signing key for the signature coordinator,
// which must parameterize a fresh coordinator per invocation with it
// (spec.md §4.4).
func (k *Keychain) GetNakamotoSK() ed25519.PrivateKey {
	return k.miningKey
}

// SignAsOrigin signs digest with the miner's key, used for the block's
// miner_signature_hash (spec.md §4.3 step 7).
func (k *Keychain) SignAsOrigin(digest chainhash.Hash) []byte {
	return ed25519.Sign(k.miningKey, digest[:])
}

// GenerateProof produces a VRF-style proof over the sortition hash at the
// given target block height, using the mock key when mockMining is set
// (spec.md §4.3 step 1).
func (k *Keychain) GenerateProof(targetHeight uint64, sortitionHash chainhash.Hash, mockMining bool) (VRFProof, error) {
	key := k.miningKey
	if mockMining {
		if k.mockMiningKey == nil {
			return nil, errors.New("keychain: mock mining requested without a mock key")
		}
		key = k.mockMiningKey
	}
	msg := append([]byte{}, sortitionHash[:]...)
	msg = append(msg, encodeHeight(targetHeight)...)
	sig := ed25519.Sign(key, msg)
	if len(sig) == 0 {
		return nil, errors.New("keychain: empty VRF proof")
	}
	return VRFProof(sig), nil
}

func encodeHeight(h uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(h >> (8 * (7 - i)))
	}
	return b
}
