// Ferrite full node daemon.
//
// Usage:
//
//	ferrited [--mine --coinbase=...]  Run node
//	ferrited --help                   Show help
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ferrite-chain/ferrite/config"
	"github.com/ferrite-chain/ferrite/internal/chain"
	"github.com/ferrite-chain/ferrite/internal/consensus"
	"github.com/ferrite-chain/ferrite/internal/coordinator"
	"github.com/ferrite-chain/ferrite/internal/keyderive"
	flog "github.com/ferrite-chain/ferrite/internal/log"
	"github.com/ferrite-chain/ferrite/internal/mempool"
	"github.com/ferrite-chain/ferrite/internal/miner"
	"github.com/ferrite-chain/ferrite/internal/storage"
	"github.com/ferrite-chain/ferrite/internal/utxo"
	"github.com/ferrite-chain/ferrite/pkg/crypto"
	"github.com/ferrite-chain/ferrite/pkg/types"
	"github.com/rs/zerolog"
)

func main() {
	// derive-key is genesis tooling, not node startup: it derives the
	// well-known testnet miner key (or a caller-supplied mnemonic) and
	// exits, without touching the data directory.
	if len(os.Args) > 1 && os.Args[1] == "derive-key" {
		runDeriveKey(os.Args[2:])
		return
	}

	// ── 1. Load config (defaults → file → flags) ────────────────────────
	cfg, flags, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// ── 1a. Set address HRP based on network ─────────────────────────────
	if cfg.Network == config.Testnet {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	// ── 2. Init logger ────────────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating logs dir: %v\n", err)
			os.Exit(1)
		}
		logFile = logsDir + "/ferrite.log"
	}
	if err := flog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	logger := flog.WithComponent("node")

	// ── 3. Genesis (hardcoded, not loaded from file) ─────────────────────
	genesis := config.GenesisFor(cfg.Network)

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Int("block_time", genesis.Protocol.Consensus.TargetBlockTime).
		Msg("Starting Ferrite node")

	// ── 4. Open storage ───────────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.ChainDataDir())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ChainDataDir()).Msg("Failed to open database")
	}
	defer db.Close()

	utxoStore := utxo.NewStore(db)
	logger.Info().Str("path", cfg.ChainDataDir()).Msg("Database opened")

	// ── 5. Create consensus engine ────────────────────────────────────────
	engine, err := consensus.NewPoW(
		genesis.Protocol.Consensus.InitialBits,
		genesis.Protocol.Consensus.RetargetInterval,
		genesis.Protocol.Consensus.TargetBlockTime,
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create consensus engine")
	}
	engine.Threads = cfg.Mining.Threads

	// ── 6. Create chain (auto-recovers tip from DB) ──────────────────────
	ch, err := chain.New(deriveChainID(genesis.ChainID), db, utxoStore, engine)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create chain")
	}
	ch.SetConsensusRules(genesis.Protocol.Consensus)
	ch.SetCheckpoints(genesis.Protocol.Checkpoints)

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(genesis); err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize from genesis")
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().String()[:16]+"...").
			Msg("Chain resumed from database")
	}

	// ── 7. Create mempool ─────────────────────────────────────────────────
	adapter := miner.NewUTXOAdapter(utxoStore)
	pool := mempool.New(adapter, int(cfg.Mempool.MaxBytes))
	pool.SetMinFeeRate(genesis.Protocol.Consensus.MinFeeRate)
	pool.SetCoinbaseMaturity(config.CoinbaseMaturity, ch.Height, utxoStore)

	logger.Info().
		Uint64("min_fee_rate", genesis.Protocol.Consensus.MinFeeRate).
		Int64("max_bytes", cfg.Mempool.MaxBytes).
		Msg("Mempool ready")

	// ── 8. Wire coordinator ───────────────────────────────────────────────
	coord := coordinator.New(ch, pool, flog.Coordinator)

	// ── 9. Context for the miner and shutdown ─────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Mining.Enabled {
		coinbaseAddr, err := types.ParseAddress(cfg.Mining.Coinbase)
		if err != nil {
			logger.Fatal().Err(err).Str("coinbase", cfg.Mining.Coinbase).Msg("--mine requires a valid --coinbase address")
		}

		m := miner.New(coord, engine, coinbaseAddr,
			genesis.Protocol.Consensus.BlockReward,
			genesis.Protocol.Consensus.MaxSupply,
			config.MaxBlockTxs)

		go runMiner(ctx, m, coord, flog.Miner)
	}

	// ── 10. Startup banner ────────────────────────────────────────────────
	logger.Info().
		Uint64("height", ch.Height()).
		Str("tip", ch.TipHash().String()[:16]+"...").
		Bool("mining", cfg.Mining.Enabled).
		Msg("Node started successfully")

	// ── 11. Wait for shutdown ─────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	cancel()
	logger.Info().Msg("Goodbye!")
}

// runMiner repeatedly produces and submits blocks until ctx is cancelled.
func runMiner(ctx context.Context, m *miner.Miner, coord *coordinator.Coordinator, logger zerolog.Logger) {
	logger.Info().Msg("Miner started")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Miner stopped")
			return
		default:
		}

		blk, err := m.ProduceBlockCtx(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Warn().Err(err).Msg("Block production failed")
			time.Sleep(time.Second)
			continue
		}

		switch res := coord.SubmitBlock(blk).(type) {
		case coordinator.Applied:
			logger.Info().
				Uint64("height", res.Height).
				Str("hash", res.Hash.String()[:16]+"...").
				Int("txs", len(blk.Transactions)).
				Msg("Block mined")
		case coordinator.Rejected:
			logger.Warn().Str("reason", res.Reason).Msg("Mined block rejected")
		default:
			logger.Warn().Msg("Mined block did not become tip")
		}
	}
}

// deriveChainID derives a fixed-size chain ID from the genesis chain_id
// string, which is a human-readable identifier rather than a hash.
func deriveChainID(chainIDStr string) types.ChainID {
	return types.ChainID(crypto.Hash([]byte(chainIDStr)))
}

// runDeriveKey derives and prints a BIP-44 address at m/44'/8888'/account'/
// change/index from a mnemonic, defaulting to the well-known testnet
// mnemonic (config.TestnetMnemonic). With --export it additionally
// password-encrypts the derived seed to a file for cold storage.
func runDeriveKey(args []string) {
	fs := flag.NewFlagSet("ferrited derive-key", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", config.TestnetMnemonic, "BIP-39 mnemonic (default: well-known testnet mnemonic)")
	passphrase := fs.String("passphrase", "", "Optional BIP-39 passphrase")
	account := fs.Uint("account", 0, "BIP-44 account index")
	change := fs.Uint("change", keyderive.ChangeExternal, "BIP-44 change index (0=external, 1=internal)")
	index := fs.Uint("index", 0, "BIP-44 address index")
	network := fs.String("network", string(config.Testnet), "mainnet or testnet (selects the address HRP)")
	export := fs.String("export", "", "Path to write the password-encrypted seed (optional)")
	password := fs.String("password", "", "Password protecting --export (required if --export is set)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *network == string(config.Testnet) {
		types.SetAddressHRP(types.TestnetHRP)
	} else {
		types.SetAddressHRP(types.MainnetHRP)
	}

	seed, err := keyderive.SeedFromMnemonic(*mnemonic, *passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	master, err := keyderive.NewMasterKey(seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	hd, err := master.DeriveAddress(uint32(*account), uint32(*change), uint32(*index))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("address:     %s\n", hd.Address())
	fmt.Printf("public_key:  %s\n", hex.EncodeToString(hd.PublicKeyBytes()))
	fmt.Printf("private_key: %s\n", hex.EncodeToString(hd.PrivateKeyBytes()))

	if *export != "" {
		if *password == "" {
			fmt.Fprintln(os.Stderr, "Error: --export requires --password")
			os.Exit(1)
		}
		encrypted, err := keyderive.EncryptSeed(seed, []byte(*password), keyderive.DefaultParams())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*export, encrypted, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *export, err)
			os.Exit(1)
		}
		fmt.Printf("encrypted seed written to %s\n", *export)
	}
}
