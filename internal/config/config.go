// Package config loads the tenure miner's TOML configuration, following the
// same naoina/toml decode conventions as cmd/berith/config.go.
package config

import (
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/naoina/toml"
)

// PoxConstants mirrors the handful of burnchain-cycle parameters the worker
// needs to reason about reward cycles and prepare phases.
type PoxConstants struct {
	RewardCycleLength uint32 `toml:"reward_cycle_length"`
	PrepareLength     uint32 `toml:"prepare_length"`
	V1UnlockHeight    uint32 `toml:"v1_unlock_height"`
}

// MinerConfig covers spec.md §6's miner.* keys. Durations are decoded as
// plain millisecond integers, the same naoina/toml-friendly shape
// MinTimeBetweenBlocksMs and its siblings already use, rather than relying on
// a time.Duration TextUnmarshaler naoina/toml doesn't provide.
type MinerConfig struct {
	MiningKey               string `toml:"mining_key"`
	BlockRewardRecipient    string `toml:"block_reward_recipient"`
	WaitOnInterimBlocksMs   uint64 `toml:"wait_on_interim_blocks_ms"`
	MinTimeBetweenBlocksMs  uint64 `toml:"min_time_between_blocks_ms"`
	FirstAttemptTimeMs      uint64 `toml:"first_attempt_time_ms"`
	SubsequentAttemptTimeMs uint64 `toml:"subsequent_attempt_time_ms"`
}

// WaitOnInterimBlocks is miner.wait_on_interim_blocks, spec.md §4.5's
// duration to sleep between successive block attempts within a tenure. Zero
// skips the wait after a broadcast block and loops straight back into
// mining; after an attempt that found nothing to mine, the worker then waits
// up to its built-in ceiling instead.
func (m MinerConfig) WaitOnInterimBlocks() time.Duration {
	return time.Duration(m.WaitOnInterimBlocksMs) * time.Millisecond
}

// NodeConfig covers spec.md §6's node.* keys.
type NodeConfig struct {
	FaultInjectionBlockPushFailProbability uint8  `toml:"fault_injection_block_push_fail_probability"`
	MockMining                             bool   `toml:"mock_mining"`
	RPCLoopback                            string `toml:"rpc_loopback"`
	DataDir                                string `toml:"data_dir"`
}

// BurnchainConfig covers spec.md §6's burnchain.* keys.
type BurnchainConfig struct {
	ChainID      uint32       `toml:"chain_id"`
	PoxConstants PoxConstants `toml:"pox_constants"`
	Mode         string       `toml:"mode"`
}

// Config is the top-level decoded document.
type Config struct {
	Miner      MinerConfig     `toml:"miner"`
	Node       NodeConfig      `toml:"node"`
	Burnchain  BurnchainConfig `toml:"burnchain"`
}

// IsMainnet reports whether the configured burnchain mode is mainnet,
// matching spec.md's is_mainnet() predicate.
func (c *Config) IsMainnet() bool {
	return strings.EqualFold(c.Burnchain.Mode, "mainnet")
}

// Default returns a Config populated the way defaultNodeConfig() seeds the
// teacher's node config: conservative, safe-to-run-locally defaults.
func Default() *Config {
	return &Config{
		Miner: MinerConfig{
			WaitOnInterimBlocksMs:   10000,
			MinTimeBetweenBlocksMs:  1000,
			FirstAttemptTimeMs:      5000,
			SubsequentAttemptTimeMs: 30000,
		},
		Node: NodeConfig{
			RPCLoopback: "127.0.0.1:20445",
			DataDir:     "./chainstate",
		},
		Burnchain: BurnchainConfig{
			ChainID: 0x80000000,
			Mode:    "mocknet",
			PoxConstants: PoxConstants{
				RewardCycleLength: 2100,
				PrepareLength:     100,
			},
		},
	}
}

var tomlCodec = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return matchFieldName(rt, key)
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return toSnakeCase(field)
	},
	MissingField: func(rt reflect.Type, field string) error {
		return nil
	},
}

func matchFieldName(rt reflect.Type, key string) string {
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if strings.EqualFold(toSnakeCase(f.Name), key) {
			return f.Name
		}
	}
	return key
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// Load reads and decodes a TOML config file at path, starting from Default().
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a TOML document from r into a fresh Default() config.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := tomlCodec.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Dump renders cfg back to TOML, mirroring dumpConfig() in cmd/berith.
func Dump(cfg *Config) ([]byte, error) {
	return tomlCodec.Marshal(cfg)
}
