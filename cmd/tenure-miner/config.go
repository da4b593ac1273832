package main

import (
	"fmt"
	"os"

	cli "gopkg.in/urfave/cli.v1"

	"github.com/blockweave/tenure-miner/internal/config"
)

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML configuration file",
	}
	dataDirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "directory holding the sortition db, chain state, and stacker-db",
		Value: "./chainstate",
	}
	mockMiningFlag = cli.BoolFlag{
		Name:  "mock-mining",
		Usage: "mine without waiting on a live signer quorum",
	}
	rpcLoopbackFlag = cli.StringFlag{
		Name:  "rpc-loopback",
		Usage: "loopback address the stacker-db session binds to",
		Value: "127.0.0.1:20445",
	}
	miningKeyFlag = cli.StringFlag{
		Name:  "mining-key",
		Usage: "hex-encoded ed25519 seed for the miner's Nakamoto signing key",
	}

	minerFlags = []cli.Flag{configFileFlag, dataDirFlag, mockMiningFlag, rpcLoopbackFlag, miningKeyFlag}

	dumpConfigCommand = cli.Command{
		Action: dumpConfig,
		Name:   "dumpconfig",
		Usage:  "show the fully-resolved configuration and exit",
		Flags:  minerFlags,
	}
)

// loadConfigFromContext mirrors the teacher's loadConfig-then-apply-flags
// pattern in cmd/berith/config.go, starting from a TOML file when given and
// falling back to config.Default() otherwise.
func loadConfigFromContext(ctx *cli.Context) (*config.Config, error) {
	var cfg *config.Config
	if path := ctx.GlobalString(configFileFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}
	applyFlagOverrides(ctx, cfg)
	return cfg, nil
}

func applyFlagOverrides(ctx *cli.Context, cfg *config.Config) {
	if ctx.GlobalIsSet(dataDirFlag.Name) {
		cfg.Node.DataDir = ctx.GlobalString(dataDirFlag.Name)
	}
	if ctx.GlobalIsSet(mockMiningFlag.Name) {
		cfg.Node.MockMining = ctx.GlobalBool(mockMiningFlag.Name)
	}
	if ctx.GlobalIsSet(rpcLoopbackFlag.Name) {
		cfg.Node.RPCLoopback = ctx.GlobalString(rpcLoopbackFlag.Name)
	}
	if ctx.GlobalIsSet(miningKeyFlag.Name) {
		cfg.Miner.MiningKey = ctx.GlobalString(miningKeyFlag.Name)
	}
}

// dumpConfig implements the dumpconfig subcommand, grounded on the teacher's
// dumpConfig in cmd/berith/config.go.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := loadConfigFromContext(ctx)
	if err != nil {
		return err
	}
	out, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
