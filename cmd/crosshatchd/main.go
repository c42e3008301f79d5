// Package main provides the crosshatchd daemon - the swap orchestrator.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosshatch-labs/crosshatch/internal/adapter"
	"github.com/crosshatch-labs/crosshatch/internal/announce"
	"github.com/crosshatch-labs/crosshatch/internal/auction"
	"github.com/crosshatch-labs/crosshatch/internal/backend"
	"github.com/crosshatch-labs/crosshatch/internal/chain"
	"github.com/crosshatch-labs/crosshatch/internal/config"
	"github.com/crosshatch-labs/crosshatch/internal/monitor"
	"github.com/crosshatch-labs/crosshatch/internal/notify"
	"github.com/crosshatch-labs/crosshatch/internal/oracle"
	"github.com/crosshatch-labs/crosshatch/internal/retry"
	"github.com/crosshatch-labs/crosshatch/internal/rpc"
	"github.com/crosshatch-labs/crosshatch/internal/secret"
	"github.com/crosshatch-labs/crosshatch/internal/storage"
	"github.com/crosshatch-labs/crosshatch/internal/swap"
	"github.com/crosshatch-labs/crosshatch/internal/timelock"
	"github.com/crosshatch-labs/crosshatch/internal/wallet"
	"github.com/crosshatch-labs/crosshatch/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data", "~/.crosshatch", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data>/config.yaml)")
		listenAddr  = flag.String("listen", "", "JSON-RPC listen address, overrides config")
		networkName = flag.String("network", "", "Network (mainnet or testnet), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosshatchd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	var cfg *config.Config
	var err error

	if *configFile != "" {
		// Use specified config file
		cfg, err = config.LoadConfig(filepath.Dir(*configFile))
	} else {
		// Use default config location in data directory
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *listenAddr != "" {
		cfg.RPC.Listen = *listenAddr
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	cfg.Storage.DataDir = *dataDir

	switch *networkName {
	case "":
	case "mainnet":
		cfg.Network = chain.Mainnet
	case "testnet":
		cfg.Network = chain.Testnet
	default:
		log.Fatal("Unknown network", "network", *networkName)
	}

	// Update logging with config level, and the log file when one is set
	var logOut io.Writer
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(config.ExpandPath(cfg.Logging.File), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warn("Failed to open log file, keeping stderr", "file", cfg.Logging.File, "error", err)
		} else {
			logOut = f
			defer f.Close()
		}
	}
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(cfg.Storage.DataDir), "network", cfg.Network)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Operator wallet: every chain key derives from one mnemonic
	mnemonic, err := cfg.WalletMnemonic()
	if err != nil {
		log.Fatal("Failed to load wallet mnemonic", "error", err)
	}
	wlt, err := wallet.NewFromMnemonic(mnemonic, "", cfg.Network)
	if err != nil {
		log.Fatal("Failed to initialize wallet", "error", err)
	}
	log.Info("Wallet initialized", "network", cfg.Network)

	// Initialize session store
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	var store swap.Store
	switch cfg.Sessions.Backend {
	case "sqlite":
		db, err := storage.NewSQLite(&storage.SQLiteConfig{
			DataDir:     dataPath,
			Capacity:    cfg.Sessions.Capacity,
			ExpiryGrace: cfg.Sessions.ExpiryGrace,
		})
		if err != nil {
			log.Fatal("Failed to initialize storage", "error", err)
		}
		db.Start(ctx)
		store = db
	default:
		mem := storage.NewMemory(&storage.MemoryConfig{
			Capacity:    cfg.Sessions.Capacity,
			ExpiryGrace: cfg.Sessions.ExpiryGrace,
		})
		mem.Start(ctx)
		store = mem
	}
	defer store.Close()
	log.Info("Session store initialized", "backend", cfg.Sessions.Backend, "path", dataPath)

	// Initialize preimage vault
	passphrase, err := cfg.VaultPassphrase()
	if err != nil {
		log.Fatal("Failed to load vault passphrase", "error", err)
	}
	secrets, err := secret.NewManager(&secret.Config{
		Passphrase:    passphrase,
		Lifetime:      cfg.Secrets.Lifetime,
		SweepInterval: cfg.Secrets.SweepInterval,
	})
	if err != nil {
		log.Fatal("Failed to initialize secret vault", "error", err)
	}
	secrets.Start(ctx)

	// Price oracle and Dutch auction quoter
	var rates oracle.Oracle
	switch cfg.Oracle.Provider {
	case "http":
		rates = oracle.NewHTTPOracle(cfg.Oracle.URL, cfg.Oracle.RefreshInterval)
	default:
		rates = oracle.NewStatic(cfg.Oracle.Rates)
	}
	quoter := auction.New(rates, &auction.Config{
		BaseDuration:   cfg.Auction.BaseDuration,
		PremiumBps:     int64(cfg.Auction.PremiumBPS),
		DiscountBps:    int64(cfg.Auction.DiscountBPS),
		ProtocolFeeBps: int64(cfg.Auction.ProtocolFeeBPS),
		QuoteValidity:  cfg.Auction.QuoteValidity,
	}, cfg.Network)
	log.Info("Quoter initialized", "oracle", cfg.Oracle.Provider)

	// Chain adapters. A chain that cannot be brought up is skipped with a
	// warning; the daemon runs with whatever survives.
	mon := monitor.NewMonitor(cfg.Monitor, log)
	adapters := make(map[string]adapter.Adapter)

	evmSymbols := chain.ListByFamily(chain.FamilyEVM)
	sort.Strings(evmSymbols)
	for _, sym := range evmSymbols {
		params, ok := chain.Get(sym, cfg.Network)
		if !ok {
			continue
		}
		chainCfg := cfg.GetChainConfig(sym)
		if chainCfg == nil || len(chainCfg.Endpoints) == 0 {
			continue
		}
		if chainCfg.Escrow != "" {
			config.SetEscrowContract(params.ChainID, common.HexToAddress(chainCfg.Escrow))
		}
		escrowAddr := config.GetEscrowContract(params.ChainID)
		if escrowAddr == (common.Address{}) {
			log.Warn("No escrow contract for chain, skipping", "chain", sym, "network", cfg.Network)
			continue
		}
		if chainCfg.Confirmations > 0 {
			override := *params
			override.Confirmations = chainCfg.Confirmations
			params = &override
		}
		key, err := wlt.ECDSAKey(sym, cfg.Wallet.Account, 0)
		if err != nil {
			log.Warn("Failed to derive operator key", "chain", sym, "error", err)
			continue
		}
		a, err := adapter.NewEVM(params, escrowAddr, chainCfg.Endpoints, key, log)
		if err != nil {
			log.Warn("Failed to create adapter", "chain", sym, "error", err)
			continue
		}
		if err := connectChain(ctx, mon, cfg, chainCfg, a, log); err != nil {
			continue
		}
		adapters[sym] = a
	}

	// UTXO chains ride on explorer backends; chains without a configured
	// or default backend are skipped.
	registry := backend.NewRegistry()
	defer registry.CloseAll()

	utxoSymbols := chain.ListByFamily(chain.FamilyUTXO)
	sort.Strings(utxoSymbols)
	for _, sym := range utxoSymbols {
		params, ok := chain.Get(sym, cfg.Network)
		if !ok {
			continue
		}
		bcfg := cfg.GetBackendConfig(sym)
		if bcfg == nil {
			continue
		}
		b, err := backend.New(bcfg, cfg.Network)
		if err != nil {
			log.Warn("Failed to create backend", "chain", sym, "error", err)
			continue
		}
		registry.Register(sym, b)
		a, err := adapter.NewUTXO(params, registry.Ranked(sym), wlt, log)
		if err != nil {
			log.Warn("Failed to create adapter", "chain", sym, "error", err)
			continue
		}
		if err := connectChain(ctx, mon, cfg, cfg.GetChainConfig(sym), a, log); err != nil {
			continue
		}
		adapters[sym] = a
	}

	if len(adapters) == 0 {
		log.Fatal("No chains available; configure chain endpoints or backends")
	}
	chains := make([]string, 0, len(adapters))
	for sym := range adapters {
		chains = append(chains, sym)
	}
	sort.Strings(chains)
	log.Info("Chain adapters connected", "chains", strings.Join(chains, ", "))

	mon.Start(ctx)

	// Subscription registry feeds the WebSocket push channel
	notifier := notify.NewRegistry(&notify.Config{Backlog: cfg.Notify.Backlog})

	// Announce layer is optional; the daemon is fully functional without
	// it. The execute hook lets makers attach signed orders from the mesh.
	var coord *swap.Coordinator
	var announcer *announce.Service
	if cfg.Announce.Enabled {
		announcer, err = announce.New(ctx, cfg, store, func(id string, order []byte) error {
			return coord.Execute(id, order)
		})
		if err != nil {
			log.Warn("Failed to create announce service", "error", err)
			announcer = nil
		}
	}
	var announceHook func(*swap.Session)
	if announcer != nil {
		announceHook = announcer.Session
	}

	coord, err = swap.NewCoordinator(swap.CoordinatorConfig{
		Store:    store,
		Secrets:  secrets,
		Adapters: adapters,
		Notifier: notifier,
		Events:   mon.Sink(),
		Retry: retry.Policy{
			Interval:    cfg.Coordinator.RetryInterval,
			Factor:      cfg.Coordinator.RetryFactor,
			MaxInterval: cfg.Coordinator.RetryMaxInterval,
			Attempts:    cfg.Coordinator.RetryAttempts,
		},
		Announce: announceHook,
		Logger:   log,
	})
	if err != nil {
		log.Fatal("Failed to initialize coordinator", "error", err)
	}
	if err := coord.Start(ctx); err != nil {
		log.Fatal("Failed to start coordinator", "error", err)
	}
	log.Info("Swap coordinator started", "adopted", coord.ActiveSessions())

	// Start RPC server
	rpcServer, err := rpc.NewServer(rpc.Config{
		Store:       store,
		Coordinator: coord,
		Secrets:     secrets,
		Quoter:      quoter,
		Rates:       rates,
		Notifier:    notifier,
		Network:     cfg.Network,
		Timelock: timelock.Params{
			PublicWindow: cfg.Timelock.PublicWindow,
			CancelWindow: cfg.Timelock.CancelWindow,
			SafetyBuffer: cfg.Timelock.SafetyBuffer,
		},
		AuthToken: cfg.RPC.AuthToken,
		Version:   version,
		Logger:    log,
	})
	if err != nil {
		log.Fatal("Failed to create RPC server", "error", err)
	}
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	if announcer != nil {
		if err := announcer.Start(); err != nil {
			log.Warn("Failed to start announce service", "error", err)
		}
	}

	// Price feed streams oracle rates to subscribed clients
	feed := oracle.NewFeed(rates, notifier, cfg.Oracle.Pairs, cfg.Oracle.RefreshInterval)
	feed.Start(ctx)

	printBanner(log, cfg, announcer, chains)

	// Start status ticker
	started := time.Now()
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if announcer != nil {
					log.Info("Status", "sessions", coord.ActiveSessions(), "peers", announcer.PeerCount(), "uptime", time.Since(started).Round(time.Second))
				} else {
					log.Info("Status", "sessions", coord.ActiveSessions(), "uptime", time.Since(started).Round(time.Second))
				}
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown
	cancel()

	feed.Stop()
	if announcer != nil {
		if err := announcer.Stop(); err != nil {
			log.Error("Error stopping announce service", "error", err)
		}
	}
	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}
	coord.Stop()
	mon.Stop()
	for _, a := range adapters {
		a.Close()
	}

	log.Info("Goodbye!")
}

// connectChain brings one adapter online: dial, register with the
// monitor from the current finalized height, and start the reconnect
// sentinel.
func connectChain(ctx context.Context, mon *monitor.Monitor, cfg *config.Config, chainCfg *config.ChainConfig, a adapter.Adapter, log *logging.Logger) error {
	if err := a.Connect(ctx); err != nil {
		log.Warn("Chain unreachable, skipping", "chain", a.ChainTag(), "error", err)
		return err
	}
	start, err := a.FinalizedHeight(ctx)
	if err != nil {
		log.Warn("Finalized height probe failed, skipping", "chain", a.ChainTag(), "error", err)
		a.Close()
		return err
	}

	every := cfg.Monitor.PollInterval
	var sentinelEvery time.Duration
	if chainCfg != nil {
		if chainCfg.PollInterval > 0 {
			every = chainCfg.PollInterval
		}
		sentinelEvery = chainCfg.SentinelInterval
	}
	mon.Register(a, start, every)
	go sentinel(ctx, a, sentinelEvery, log)
	return nil
}

// sentinel keeps one chain's endpoint set healthy. Per-call rotation
// only moves forward through the ranked list; when the read path goes
// dark the sentinel re-dials everything, bringing recovered endpoints
// back into rotation.
func sentinel(ctx context.Context, a adapter.Adapter, every time.Duration, log *logging.Logger) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe, done := context.WithTimeout(ctx, 15*time.Second)
			if _, err := a.CurrentHeight(probe); err != nil {
				log.Warn("Chain probe failed, redialing", "chain", a.ChainTag(), "error", err)
				if err := a.Connect(probe); err != nil {
					log.Warn("Redial failed", "chain", a.ChainTag(), "error", err)
				}
			}
			done()
		}
	}
}

func printBanner(log *logging.Logger, cfg *config.Config, announcer *announce.Service, chains []string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crosshatch Swap Orchestrator (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Chains: %s", strings.Join(chains, ", "))
	log.Info("")
	log.Infof("  API: http://%s", cfg.RPC.Listen)
	log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
	if announcer != nil {
		log.Info("")
		log.Infof("  Peer ID: %s", announcer.ID().String())
		log.Info("  Listening on:")
		for _, addr := range announcer.Addrs() {
			log.Infof("    %s/p2p/%s", addr.String(), announcer.ID().String())
		}
	}
	log.Info("")
	log.Infof("  Network: %s | announce: %v", networkLabel, cfg.Announce.Enabled)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
