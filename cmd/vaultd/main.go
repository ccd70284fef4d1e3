package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"Protego-Vault/internal/agent"
	"Protego-Vault/internal/api"
	"Protego-Vault/internal/config"
	"Protego-Vault/internal/events"
	"Protego-Vault/internal/harvest"
	"Protego-Vault/internal/observability/alerting"
	"Protego-Vault/internal/observability/metrics"
	"Protego-Vault/internal/vault"
	"Protego-Vault/pkg/logger"
)

// main 是金库守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("vaultd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PROTEGO_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "vaultd.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var closers closeStack
	defer closers.closeAll()

	journal, err := openJournal(ctx, cfg.Storage.Journal, cfg.Runtime.DataDir)
	if err != nil {
		return err
	}
	closers.push("journal", journal.Close)

	snapshot, err := journal.Latest(ctx)
	if err != nil {
		return err
	}

	chains, err := openChains(ctx, cfg)
	if err != nil {
		return err
	}
	if chains != nil {
		closers.push("chains", func() error { chains.registry.Close(); return nil })
	}

	assetBackend, err := openAsset(ctx, cfg, chains)
	if err != nil {
		return err
	}
	if err := rehydrateMemoryCustody(assetBackend, snapshot); err != nil {
		return err
	}

	publishers, err := openPublishers(ctx, cfg.Events)
	if err != nil {
		return err
	}
	fanout := events.NewFanout(publishers...)
	closers.push("events", fanout.Close)

	m := metrics.New()
	m.SetSnapshot(snapshot)

	dispatcher := buildDispatcher(cfg.Alerting)
	alertObserver := alerting.NewVaultObserver(dispatcher, cfg.Alerting.Buffer)

	opts := []vault.Option{
		vault.WithSink(events.Chain{journal, m, fanout}),
		vault.WithObserver(m),
		vault.WithObserver(alertObserver),
		vault.WithLogger(logger.Named("vault")),
	}
	if snapshot != nil {
		opts = append(opts, vault.WithSnapshot(snapshot))
	}
	if cfg.Vault.Decimals > 0 {
		opts = append(opts, vault.WithDecimals(uint8(cfg.Vault.Decimals)))
	}
	v, err := vault.New(ctx, assetBackend.asset, vault.Params{
		Name:         cfg.Vault.Name,
		Symbol:       cfg.Vault.Symbol,
		Account:      assetBackend.account,
		AssetAddress: assetBackend.address,
		Custodian:    hexAddress(cfg.Vault.Custodian),
		AIAgent:      hexAddress(cfg.Vault.AIAgent),
	}, opts...)
	if err != nil {
		return err
	}
	logger.L().Info("金库已启动",
		slog.String("name", v.Name()),
		slog.String("account", v.Account().Hex()),
		slog.String("state", string(v.State(ctx))),
		slog.Bool("restored", snapshot != nil),
	)

	harvestStore, err := openHarvestStore(ctx, cfg.Harvest, journal)
	if err != nil {
		return err
	}
	closers.push("harvest store", harvestStore.Close)

	harvestQueue, err := openHarvestQueue(ctx, cfg.Harvest)
	if err != nil {
		return err
	}
	closers.push("harvest queue", harvestQueue.Close)

	strategy, err := buildStrategy(cfg.Harvest, v.Symbol())
	if err != nil {
		return err
	}
	agentOpts := []agent.Option{
		agent.WithStrategy(strategy),
		agent.WithTimeout(cfg.Harvest.Timeout()),
	}
	if chains != nil {
		agentOpts = append(agentOpts, agent.WithChainReader(chains.client))
	}
	ag := agent.New(v, hexAddress(cfg.Vault.AIAgent), agentOpts...)

	harvestService := harvest.NewService(harvestStore, harvestQueue, cfg.Harvest.MaxRetries)
	processor := harvest.NewProcessor(ag, harvestStore, harvestQueue, harvestQueue,
		harvest.WithWorkerCount(cfg.Harvest.Workers),
		harvest.WithProcessorLogger(logger.Named("harvest")),
		harvest.WithRecoveryHandler(harvest.SkipWhenPaused()),
		harvest.WithAlertDispatcher(dispatcher),
		harvest.WithOutcomeObserver(func(status harvest.Status) { m.ObserveHarvestJob(string(status)) }),
	)
	scheduler := harvest.NewScheduler(harvestService, cfg.Harvest.Interval(), "scheduler")

	authService, err := openAuth(ctx, cfg.Auth, journal)
	if err != nil {
		return err
	}

	serverOpts := []api.Option{
		api.WithHarvestService(harvestService),
		api.WithEventSource(journal),
		api.WithAuth(authService),
		api.WithRateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		serverOpts = append(serverOpts, api.WithMetrics(m))
	}
	server := api.NewServer(cfg.Server.Address, v, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return alertObserver.Run(gctx) })
	g.Go(func() error { return processor.Start(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error { return m.StartServer(gctx, cfg.Metrics.Address) })
	}
	if chains != nil && cfg.Web3.WatchTransfers {
		watcher := harvest.NewTransferWatcher(chains.client, assetBackend.address, assetBackend.account, harvestService)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	logger.L().Info("API 服务监听中", slog.String("address", cfg.Server.Address))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
