package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/openalpha/perp-engine/chain"
	"github.com/openalpha/perp-engine/config"
	"github.com/openalpha/perp-engine/engine"
	"github.com/openalpha/perp-engine/fixedpoint"
	"github.com/openalpha/perp-engine/funding"
	"github.com/openalpha/perp-engine/liquidation"
	"github.com/openalpha/perp-engine/metrics"
	"github.com/openalpha/perp-engine/position"
	"github.com/openalpha/perp-engine/repo"
	"github.com/openalpha/perp-engine/risk"
	"github.com/openalpha/perp-engine/settlement"
	"github.com/openalpha/perp-engine/store"
	"github.com/openalpha/perp-engine/ws"
)

const shutdownGrace = 10 * time.Second

// devAccounts are the well-known local development addresses the faucet
// funds in --dev mode.
var devAccounts = []string{
	"0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
	"0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
}

// StartCmd returns the command that runs the engine until SIGINT/SIGTERM.
func StartCmd() *cobra.Command {
	var (
		cfgPath string
		dev     bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the matching, risk, funding and fan-out loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, dev)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file (default configs/engine.yaml)")
	cmd.Flags().BoolVar(&dev, "dev", false, "in-memory store and a synthetic deposit source")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, dev bool) error {
	filter, err := log.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	logger := log.NewLogger(os.Stderr, log.FilterOption(filter))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var s store.Store
	if dev {
		s = store.NewMemory()
		logger.Info("dev mode: in-memory store, balances reset on restart")
	} else {
		s, err = store.NewRedis(ctx, cfg.StoreConfig())
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}

	markets, err := cfg.MarketRegistry()
	if err != nil {
		return err
	}

	keys := store.NewKeys(cfg.Store.KeyPrefix)
	locker := store.NewLocker(s, logger)
	repos := repo.New(s, keys, locker, logger)
	journal := settlement.New(repos, locker, keys, logger)
	collector := metrics.NewCollector()

	hub := ws.NewHub(repos, markets, collector, logger)
	manager := position.NewManager(repos, journal, locker, keys, markets, position.DefaultParams(), logger)
	liquidator := liquidation.NewLiquidator(repos, manager, journal, locker, keys, markets, hub, collector, logger)
	eng := engine.New(repos, manager, journal, locker, keys, liquidator, markets, hub, collector, cfg.EngineConfig(), logger)
	riskEng := risk.New(repos, eng, markets, cfg.RiskConfig(), hub, collector, logger)
	liqSvc := liquidation.NewService(repos, eng, logger)
	settler := funding.New(repos, journal, locker, keys, cfg.Tokens(), cfg.FundingConfig(), hub, collector, logger)
	pusher := ws.NewPusher(hub, repos, cfg.Tokens(), logger)
	srv := ws.NewServer(hub, collector, cfg.WSConfig(), logger)

	logger.Info("starting engine",
		"markets", len(markets),
		"ws_addr", cfg.WSConfig().Addr,
		"book", cfg.Engine.BookImpl,
	)

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	spawn(eng.Run)
	spawn(riskEng.Run)
	spawn(settler.Run)
	spawn(pusher.Run)
	spawn(func(ctx context.Context) { liqSvc.Run(ctx, riskEng.Candidates()) })

	if dev {
		faucet := chain.NewFaucet(devAccounts, fixedpoint.PriceScale.MulRaw(10_000), 30*time.Second)
		bridge := chain.NewBridge(repos, journal, locker, keys, chain.NopProofSink{}, logger)
		spawn(faucet.Run)
		spawn(func(ctx context.Context) { bridge.Run(ctx, faucet) })
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("websocket shutdown", "err", err)
	}
	wg.Wait()
	logger.Info("engine stopped")
	return nil
}
