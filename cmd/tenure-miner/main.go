// Command tenure-miner runs a single Nakamoto tenure-mining worker against a
// local sortition db, chain state store, and stacker-db loopback, following
// the app/commands/flags shape of the teacher's cmd/runcore/main.go.
package main

import (
	"crypto/sha256"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/holiman/uint256"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/blockweave/tenure-miner/internal/block"
	"github.com/blockweave/tenure-miner/internal/burn"
	"github.com/blockweave/tenure-miner/internal/chainstate"
	"github.com/blockweave/tenure-miner/internal/config"
	"github.com/blockweave/tenure-miner/internal/counters"
	"github.com/blockweave/tenure-miner/internal/globals"
	"github.com/blockweave/tenure-miner/internal/keychain"
	"github.com/blockweave/tenure-miner/internal/log"
	"github.com/blockweave/tenure-miner/internal/mempool"
	"github.com/blockweave/tenure-miner/internal/p2p"
	"github.com/blockweave/tenure-miner/internal/rewardset"
	"github.com/blockweave/tenure-miner/internal/stackerdb"
	"github.com/blockweave/tenure-miner/internal/tenure"
)

var app = cli.NewApp()

func init() {
	app.Name = "tenure-miner"
	app.Usage = "run a Nakamoto proof-of-transfer tenure mining worker"
	app.Version = "0.1.0"
	app.Flags = minerFlags
	app.Action = runMiner
	app.Commands = []cli.Command{dumpConfigCommand}
	sort.Sort(cli.CommandsByName(app.Commands))
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runMiner wires every collaborator in internal/tenure's dependency list and
// spawns a single worker under a Controller, blocking until SIGINT/SIGTERM.
func runMiner(ctx *cli.Context) error {
	cfg, err := loadConfigFromContext(ctx)
	if err != nil {
		return err
	}
	log.Info("starting tenure miner", "datadir", cfg.Node.DataDir, "mock_mining", cfg.Node.MockMining)

	sortDB, err := burn.Open(filepath.Join(cfg.Node.DataDir, "sortdb"), true, burn.PoxConstants{
		RewardCycleLength: cfg.Burnchain.PoxConstants.RewardCycleLength,
		PrepareLength:     cfg.Burnchain.PoxConstants.PrepareLength,
	})
	if err != nil {
		return fmt.Errorf("open sortition db: %w", err)
	}
	defer sortDB.Close()

	chainState, err := chainstate.Open(filepath.Join(cfg.Node.DataDir, "chainstate"))
	if err != nil {
		return fmt.Errorf("open chain state: %w", err)
	}
	defer chainState.Close()

	genesisBlockID, genesisCH, err := bootstrapMocknetIfEmpty(sortDB, chainState)
	if err != nil {
		return fmt.Errorf("bootstrap mocknet genesis: %w", err)
	}

	kc, err := loadKeychain(cfg)
	if err != nil {
		return fmt.Errorf("load keychain: %w", err)
	}

	mp := mempool.NewInMemory()
	network := p2p.NewNetworkHandle()
	dbs, err := stackerdb.Connect(filepath.Join(cfg.Node.DataDir, "stackerdb"))
	if err != nil {
		return fmt.Errorf("connect stacker-db: %w", err)
	}

	blocked := &globals.MinerBlocked{}
	controller := tenure.NewController(blocked)

	newWorker := func() *tenure.Worker {
		tip, terr := sortDB.CanonicalBurnChainTip()
		if terr != nil {
			log.Error("cannot read burn tip, worker starting with an empty snapshot", "err", terr)
		}

		origin := kc.OriginAddress()
		state := &tenure.WorkerState{
			Config:       cfg,
			Globals:      blocked,
			KeepRunning:  globals.NewKeepRunning(),
			Keychain:     kc,
			PoxConstants: burn.PoxConstants{RewardCycleLength: cfg.Burnchain.PoxConstants.RewardCycleLength, PrepareLength: cfg.Burnchain.PoxConstants.PrepareLength},
			Election:     tenure.ElectionSnapshot{BurnElectionBlock: tip, ParentTenureID: genesisCH},
			BurnBlock:    tip,
			ParentTenureID: genesisBlockID,
			Reason:         block.ReasonBlockFound,
			P2P:            network,
			Counters:       counters.New(),
			SignerSetCache: &rewardset.RewardSet{
				RewardedAddresses: []string{origin},
				Signers:           []rewardset.Signer{{Address: origin, Weight: 1}},
			},
		}
		state.SetBurnTipReader(sortDB.CanonicalBurnChainTip)
		state.SetEpochReader(sortDB.GetStacksEpoch)

		resolver := tenure.NewParentResolver(sortDB, chainState)
		assembler := tenure.NewAssembler(chainState, mp)
		broadcaster := tenure.NewBroadcaster(chainState, network, dbs, cfg.Node.RPCLoopback, "miners", nil)
		return tenure.NewWorker(state, resolver, assembler, broadcaster, nil, sortDB, cfg.Node.MockMining)
	}

	controller.Spawn(tenure.Directive{Kind: tenure.DirectiveBeginTenure}, newWorker)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutdown requested, stopping tenure worker")
	controller.Stop()
	return nil
}

// loadKeychain refuses to substitute a mock keychain for a production run:
// node.mock_mining is the only sanctioned way to mine without a real key.
// An empty miner.mining_key outside mock-mining mode is a configuration
// error, spec.md §7's KindMinerConfigurationFailed, not a silent fallback.
func loadKeychain(cfg *config.Config) (*keychain.Keychain, error) {
	if cfg.Node.MockMining {
		return keychain.NewMockKeychain(cfg.IsMainnet())
	}
	if cfg.Miner.MiningKey == "" {
		return nil, tenure.NewError(tenure.KindMinerConfigurationFailed, "miner.mining_key is required outside node.mock_mining", nil)
	}
	return keychain.FromHex(cfg.Miner.MiningKey, cfg.IsMainnet())
}

// bootstrapMocknetIfEmpty seeds a deterministic genesis block and an initial
// elected tenure the first time a data directory is used, so a fresh
// tenure-miner invocation has somewhere to start mining without depending on
// a live burnchain indexer (out of scope, spec.md §1 Non-goals). It returns
// the genesis block id and the genesis tenure's consensus hash, which is the
// parent tenure of the elected tenure.
func bootstrapMocknetIfEmpty(sortDB *burn.LevelDBSortitionDB, cs *chainstate.LevelDBStore) (chainhash.Hash, chainhash.Hash, error) {
	genesisCH := deterministicHash("tenure-miner-mocknet-genesis")
	electedCH := deterministicHash("tenure-miner-mocknet-tenure-1")
	genesisHeader := block.Header{ChainLength: 0, ConsensusHash: genesisCH, Timestamp: 0}

	if _, err := sortDB.CanonicalBurnChainTip(); err == nil {
		return genesisHeader.BlockID(), genesisCH, nil
	} else if err != burn.ErrNotFound {
		return chainhash.Hash{}, chainhash.Hash{}, err
	}

	if err := cs.PutHeader(genesisHeader); err != nil {
		return chainhash.Hash{}, chainhash.Hash{}, err
	}
	snap := burn.Snapshot{
		ConsensusHash:  electedCH,
		SortitionID:    genesisHeader.BlockID(),
		BurnHeaderHash: genesisCH,
		BlockHeight:    1,
		TotalBurn:      uint256.NewInt(1),
		SortitionHash:  electedCH,
	}
	if err := sortDB.PutSnapshot(snap); err != nil {
		return chainhash.Hash{}, chainhash.Hash{}, err
	}
	log.Info("bootstrapped mocknet genesis", "genesis_id", genesisHeader.BlockID().String(), "elected_tenure", electedCH.String())
	return genesisHeader.BlockID(), genesisCH, nil
}

func deterministicHash(seed string) chainhash.Hash {
	return chainhash.Hash(sha256.Sum256([]byte(seed)))
}
