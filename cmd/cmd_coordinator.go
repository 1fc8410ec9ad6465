package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	pond "github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/PsyLabsWeb3/Flip10/auth"
	"github.com/PsyLabsWeb3/Flip10/chain"
	"github.com/PsyLabsWeb3/Flip10/config"
	"github.com/PsyLabsWeb3/Flip10/game"
	"github.com/PsyLabsWeb3/Flip10/logging"
	"github.com/PsyLabsWeb3/Flip10/observability"
	"github.com/PsyLabsWeb3/Flip10/persistence"
	"github.com/PsyLabsWeb3/Flip10/server"
	"github.com/PsyLabsWeb3/Flip10/ws"
)

const flagConfig = "config"

// chainWorkers bounds concurrent background chain submissions.
const chainWorkers = 4

// CoordinatorCmd returns the command for starting the session coordinator.
func CoordinatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start the Flip10 session coordinator",
		Long: `Start the Flip10 session coordinator.

The coordinator is the single authority for the daily coin-flip session:
it authenticates players over websockets, credits flips from on-chain
purchases, applies flips against the deterministic outcome engine, and
starts/finalizes sessions on the Flip10Sessions contract.

Configuration comes from an optional YAML file plus environment overrides
(RPC_WS_URL, AUTHORITY_PRIVATE_KEY, CONTRACT_ADDRESS, SESSION_START_HOUR,
HOST, PORT, BASE, TIME_RATE, FLIP_RATE).

Example:
  flip10 coordinator --config /path/to/config.yaml
`,
		RunE: runCoordinator,
	}

	cmd.Flags().String(flagConfig, "", "Path to config YAML file")

	return cmd
}

func runCoordinator(cmd *cobra.Command, _ []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator panic: %v", r)
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	configPath, _ := cmd.Flags().GetString(flagConfig)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.NewLoggerFromConfig(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("configuration validation failed")
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Observability.MetricsEnabled {
		obsServer := observability.NewServer(logger, cfg.Observability)
		if err := obsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		defer func() { _ = obsServer.Stop() }()
		logger.Info().Str(logging.FieldAddr, cfg.Observability.MetricsAddr).Msg("observability server started")
	}

	pointers, err := persistence.NewFileStore(logger, cfg.SessionStorePath)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	// Chain client for authority transactions and signature validation.
	client, err := ethclient.DialContext(ctx, cfg.RPCWSURL)
	if err != nil {
		return fmt.Errorf("failed to dial chain provider: %w", err)
	}
	defer client.Close()

	contract, err := chain.NewContract(
		ctx,
		logger,
		client,
		common.HexToAddress(cfg.ContractAddress),
		cfg.AuthorityPrivateKey,
		cfg.GetTxWaitTimeout(),
	)
	if err != nil {
		return fmt.Errorf("failed to bind contract: %w", err)
	}
	logger.Info().
		Str(logging.FieldContract, contract.Address().Hex()).
		Str(logging.FieldAddress, contract.Authority().Hex()).
		Msg("contract bound")

	ledger := game.NewCreditLedger(logger)
	hub := ws.NewHub(logger)
	chainPool := pond.NewPool(chainWorkers)
	defer chainPool.StopAndWait()

	store := game.NewSessionStore(
		ctx,
		logger,
		game.StoreConfig{
			StartHour:    cfg.SessionStartHour,
			WinStreak:    cfg.WinStreak,
			FlipCooldown: cfg.GetFlipCooldown(),
			Probability: game.ProbabilityParams{
				Base:     cfg.Probability.Base,
				TimeRate: cfg.Probability.TimeRate,
				FlipRate: cfg.Probability.FlipRate,
			},
		},
		ledger,
		contract,
		pointers,
		hub,
		chainPool,
	)

	bridge := chain.NewEventBridge(
		logger,
		chain.BridgeConfig{
			RPCWSURL:            cfg.RPCWSURL,
			Contract:            common.HexToAddress(cfg.ContractAddress),
			ResubscribeInterval: cfg.GetResubscribeInterval(),
		},
		store,
		ledger,
	)

	// Crash recovery: rehydrate the pointer, then rebuild credit balances
	// from the session's purchase history before serving flips.
	if ptr := pointers.Load(); ptr != nil && !ptr.Finalized {
		store.RestoreFromDisk(*ptr)
		if err := bridge.Backfill(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to backfill purchase history")
			return err
		}
	}

	var sigValidator common.Address
	if cfg.SigValidatorAddress != "" {
		sigValidator = common.HexToAddress(cfg.SigValidatorAddress)
	}

	limiter := ws.NewIPLimiter(logger, cfg.MaxConnsPerIP, cfg.GetIPTTL())

	handler := ws.NewHandler(
		logger,
		ws.HandlerConfig{MsgsPerSecond: cfg.MaxMessagesPerSecond},
		hub,
		limiter,
		store,
		auth.NewVerifier(logger, client, sigValidator),
	)

	watcher := game.NewDailyWatcher(logger, store, cfg.SessionStartHour)

	go logging.RecoverGoRoutine(logger, logging.ComponentChainBridge, bridge.Run)(ctx)
	go logging.RecoverGoRoutine(logger, logging.ComponentDailyScheduler, watcher.Run)(ctx)
	go logging.RecoverGoRoutine(logger, logging.ComponentIPLimiter, limiter.Run)(ctx)
	go logging.RecoverGoRoutine(logger, logging.ComponentConnectionHub, func(ctx context.Context) {
		hub.RunTicker(ctx, store)
	})(ctx)

	httpServer := server.New(logger, cfg.ListenAddr(), store, handler)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start(ctx)
	}()

	logger.Info().
		Str(logging.FieldListenAddr, cfg.ListenAddr()).
		Int("session_start_hour", cfg.SessionStartHour).
		Msg("coordinator started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received, stopping coordinator")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server failed")
			return err
		}
	}

	cancel()
	hub.CloseAll()

	logger.Info().Msg("coordinator stopped")
	return nil
}
