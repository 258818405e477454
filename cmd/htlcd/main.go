// Package main provides the htlcd daemon: a hosted rich-state ledger, a simulated
// Bitcoin chain and optional EVM bindings behind one swap coordinator and JSON-RPC API.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/klingon-htlc/internal/config"
	"github.com/klingon-exchange/klingon-htlc/internal/contracts/evmhtlc"
	"github.com/klingon-exchange/klingon-htlc/internal/coordinator"
	"github.com/klingon-exchange/klingon-htlc/internal/htlc"
	"github.com/klingon-exchange/klingon-htlc/internal/journal"
	"github.com/klingon-exchange/klingon-htlc/internal/ledger"
	"github.com/klingon-exchange/klingon-htlc/internal/metrics"
	"github.com/klingon-exchange/klingon-htlc/internal/rpc"
	"github.com/klingon-exchange/klingon-htlc/internal/storage"
	"github.com/klingon-exchange/klingon-htlc/internal/utxo"
	"github.com/klingon-exchange/klingon-htlc/internal/wallet"
	"github.com/klingon-exchange/klingon-htlc/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Environment variables holding wallet secrets.
const (
	envPassword = "HTLC_WALLET_PASSWORD"
	envMnemonic = "HTLC_MNEMONIC"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.klingon-htlc", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("htlcd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	var logOut io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		f, err := logging.OpenFile(expandPath(cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		defer f.Close()
		logOut = f
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(configDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath, DBName: cfg.Storage.DBName})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Hosted rich-state ledger
	stx, err := ledger.New(ctx, store, ledgerConfig(cfg))
	if err != nil {
		log.Fatal("Failed to open ledger", "error", err)
	}
	contracts := []htlc.Contract{stx.Native(), stx.Fungible(), stx.NonFungible()}

	// Wallet and the simulated Bitcoin chain
	params, err := cfg.BitcoinParams()
	if err != nil {
		log.Fatal("Invalid network", "error", err)
	}
	w, err := openWallet(cfg, params)
	if err != nil {
		log.Fatal("Failed to open wallet", "error", err)
	}
	keys := wallet.NewKeyring(w)
	for _, p := range cfg.Bitcoin.Principals {
		if _, err := keys.Derive(htlc.Principal(p)); err != nil {
			log.Fatal("Failed to derive key", "principal", p, "error", err)
		}
	}
	btc := utxo.NewHTLC(utxo.NewChain(params, cfg.Bitcoin.StartHeight), keys, utxo.HTLCConfig{
		SpendFee:   cfg.Bitcoin.Fee,
		FundingFee: cfg.Bitcoin.FundingFee,
	})
	for _, a := range cfg.Bitcoin.Genesis {
		if _, err := btc.Faucet(htlc.Principal(a.Principal), a.Value); err != nil {
			log.Fatal("Failed to fund principal", "principal", a.Principal, "error", err)
		}
	}
	contracts = append(contracts, btc)
	log.Info("Bitcoin chain initialized", "network", params.Name, "principals", len(cfg.Bitcoin.Principals))

	// Optional EVM bindings
	if cfg.EVM.Enabled {
		evmContracts, ec, err := openEVM(ctx, cfg, w)
		if err != nil {
			log.Fatal("Failed to bind EVM contracts", "error", err)
		}
		defer ec.Close()
		contracts = append(contracts, evmContracts...)
	}

	// Swap journal
	var swapJournal coordinator.Journal = store
	if cfg.Journal.Driver == config.JournalPostgres {
		pg, err := journal.NewPostgres(ctx, cfg.Journal.DSN)
		if err != nil {
			log.Fatal("Failed to open swap journal", "error", err)
		}
		defer pg.Close()
		swapJournal = pg
	}
	log.Info("Swap journal ready", "driver", cfg.Journal.Driver)

	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}

	coord, err := coordinator.New(coordinator.Config{
		Journal:   swapJournal,
		Contracts: contracts,
		Timing: coordinator.TimingPolicy{
			BlockTimes:     cfg.Timing.BlockTimes,
			MinMargin:      cfg.Timing.MinMargin,
			MarginFraction: cfg.Timing.MarginFraction,
		},
		Metrics: reg,
	})
	if err != nil {
		log.Fatal("Failed to create coordinator", "error", err)
	}
	defer coord.Close()
	if cfg.Timing.MonitorInterval > 0 {
		coord.StartTimeoutMonitor(cfg.Timing.MonitorInterval)
	}

	rpcServer := rpc.NewServer(rpc.Config{
		Coordinator:    coord,
		Ledger:         stx,
		Bitcoin:        btc,
		Metrics:        reg,
		AllowedOrigins: cfg.RPC.AllowedOrigins,
	})
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, coord.Ledgers())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

func ledgerConfig(cfg *config.Config) ledger.Config {
	lc := ledger.Config{
		Name:        cfg.Ledger.Name,
		Owner:       htlc.Principal(cfg.Ledger.Owner),
		Whitelist:   cfg.Ledger.Whitelist,
		StartHeight: cfg.Ledger.StartHeight,
	}
	for _, g := range cfg.Ledger.Genesis {
		// Validated on load.
		a, _ := g.Asset()
		lc.Genesis = append(lc.Genesis, ledger.Allocation{Principal: htlc.Principal(g.Principal), Asset: a})
	}
	return lc
}

// openWallet restores the wallet from HTLC_MNEMONIC, the sealed seed file, or a fresh
// mnemonic that is sealed with HTLC_WALLET_PASSWORD on first run.
func openWallet(cfg *config.Config, params *chaincfg.Params) (*wallet.Wallet, error) {
	if m := os.Getenv(envMnemonic); m != "" {
		return wallet.NewFromMnemonic(m, "", params)
	}

	password := os.Getenv(envPassword)
	path := cfg.SeedPath()
	if _, err := os.Stat(path); err == nil {
		mnemonic, err := wallet.OpenSeedFile(path, password)
		if err != nil {
			return nil, err
		}
		return wallet.NewFromMnemonic(mnemonic, "", params)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		return nil, err
	}
	seed, err := wallet.EncryptMnemonic(mnemonic, password)
	if err != nil {
		return nil, err
	}
	if err := wallet.SaveEncryptedSeed(seed, path); err != nil {
		return nil, err
	}
	logging.GetDefault().Info("New wallet seed created", "path", path)
	return wallet.NewFromMnemonic(mnemonic, "", params)
}

// openEVM binds the native and token deployments registered for the node's chain.
func openEVM(ctx context.Context, cfg *config.Config, w *wallet.Wallet) ([]htlc.Contract, *ethclient.Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.EVM.RPCURL)
	if err != nil {
		return nil, nil, err
	}

	chainID := new(big.Int).SetUint64(cfg.EVM.ChainID)
	if cfg.EVM.ChainID == 0 {
		if chainID, err = ec.ChainID(ctx); err != nil {
			ec.Close()
			return nil, nil, err
		}
	}

	cfg.EVM.RegisterConfigured()
	deployed := config.GetEVMContracts(chainID.Uint64())
	if deployed == nil {
		ec.Close()
		return nil, nil, errors.New("no HTLC deployment configured for chain " + chainID.String())
	}

	priv, err := w.EVMKey(0)
	if cfg.EVM.PrivateKey != "" {
		priv, err = wallet.PrivateKeyFromHex(cfg.EVM.PrivateKey)
	}
	if err != nil {
		ec.Close()
		return nil, nil, err
	}
	key, err := wallet.ToECDSA(priv)
	if err != nil {
		ec.Close()
		return nil, nil, err
	}

	tokenKind, _ := htlc.ParseAssetKind(cfg.EVM.TokenKind)
	bindings := []evmhtlc.Config{{Kind: htlc.AssetNative, Address: deployed.NativeHTLC}}
	if deployed.TokenHTLC != (common.Address{}) {
		bindings = append(bindings, evmhtlc.Config{Kind: tokenKind, Address: deployed.TokenHTLC})
	}

	log := logging.GetDefault().Component("evm")
	var out []htlc.Contract
	for _, b := range bindings {
		b.ChainID = chainID
		b.ReceiptTimeout = cfg.EVM.ReceiptTimeout
		c, err := evmhtlc.New(ctx, ec, b)
		if err != nil {
			ec.Close()
			return nil, nil, err
		}
		signer := c.AddSigner(key)
		log.Info("EVM HTLC bound", "name", c.Name(), "address", b.Address.Hex(), "chain_id", chainID, "signer", signer)
		out = append(out, c)
	}
	return out, ec, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, ledgers []string) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingon HTLC Daemon (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Info("  Deployments:")
	for _, name := range ledgers {
		log.Infof("    %s", name)
	}
	log.Info("")
	log.Infof("  API: http://%s", cfg.RPC.Listen)
	log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
	if cfg.Metrics.Enabled {
		log.Infof("  Metrics: http://%s/metrics", cfg.RPC.Listen)
	}
	log.Info("")
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
