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

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"Lifeline-Treasury/internal/api"
	"Lifeline-Treasury/internal/auth"
	"Lifeline-Treasury/internal/balance"
	"Lifeline-Treasury/internal/config"
	"Lifeline-Treasury/internal/heartbeat"
	"Lifeline-Treasury/internal/identity"
	"Lifeline-Treasury/internal/ledger"
	"Lifeline-Treasury/internal/ledger/provider"
	"Lifeline-Treasury/internal/lifesupport"
	"Lifeline-Treasury/internal/observability/metrics"
	"Lifeline-Treasury/internal/quote"
	"Lifeline-Treasury/internal/quote/httpprovider"
	redisstore "Lifeline-Treasury/internal/storage/redis"
	"Lifeline-Treasury/internal/submit"
	"Lifeline-Treasury/internal/txbuilder"
	"Lifeline-Treasury/pkg/logger"
)

// main 是 Lifeline 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("lifelined 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = filepath.Join("configs", "lifeline.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("lifelined")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var redisClient goredis.UniversalClient
	if cfg.Redis.Configured() {
		client, err := redisstore.Open(ctx, redisstore.Config{
			URL:      cfg.Redis.URL,
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client
	}

	defs, err := ledger.LoadDefinitions(cfg.Ledgers.DefinitionsPath)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(ctx, defs, provider.Overrides(cfg.Ledgers.Overrides))
	if err != nil {
		return err
	}
	defer registry.Close()

	identityPath := cfg.Identity.Path
	if identityPath == "" {
		identityPath, err = identity.DefaultPath()
		if err != nil {
			return err
		}
	}
	identities := identity.NewStore(identityPath, identity.WithFallbackAddress(cfg.Identity.FallbackAddress))
	if _, err := identities.Load(); err != nil {
		appLog.Warn("启动时加载签名身份失败，将在下次检查时重试", slog.Any("error", err))
	}

	aggregator, err := buildAggregator(cfg, redisClient)
	if err != nil {
		return err
	}

	assembler := txbuilder.NewAssembler(registry, aggregator, txbuilder.Config{
		GasHeadroomPercent: cfg.Submission.GasHeadroomPercent,
		MaxGasLimit:        cfg.Submission.MaxGasLimit,
	})
	engine := submit.NewEngine(registry, submit.Config{
		MaxAttempts:         cfg.Submission.MaxAttempts,
		RetryDelay:          config.Millis(cfg.Submission.RetryDelayMillis),
		ConfirmationTimeout: config.Seconds(cfg.Submission.ConfirmationTimeoutSeconds),
		PollInitial:         config.Millis(cfg.Submission.PollInitialMillis),
		PollMax:             config.Seconds(cfg.Submission.PollMaxSeconds),
		PollMultiplier:      cfg.Submission.PollMultiplier,
	})

	guard, err := buildGuard(cfg, redisClient)
	if err != nil {
		return err
	}
	results, closeSinks, err := buildSinks(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeSinks()

	collector := metrics.Default()
	controller, err := lifesupport.NewController(lifesupport.Dependencies{
		Identity:  identities,
		Balances:  balance.NewOracle(registry),
		Assets:    registry,
		Quotes:    aggregator,
		Assembler: assembler,
		Engine:    engine,
		Guard:     guard,
		Sink:      results,
		Alerts:    buildAlerts(cfg),
		Metrics:   collector,
	}, policyFrom(cfg))
	if err != nil {
		return err
	}

	queue, err := buildQueue(cfg, redisClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			appLog.Warn("关闭触发队列失败", slog.Any("error", err))
		}
	}()

	authService, err := auth.NewService(cfg.Auth)
	if err != nil {
		return err
	}

	processor := heartbeat.NewProcessor(controller, queue,
		heartbeat.WithWorkerCount(cfg.Heartbeat.Workers),
		heartbeat.WithMaxAge(config.Seconds(cfg.Heartbeat.MaxAgeSeconds)),
		heartbeat.WithProcessorLogger(logger.Named("heartbeat")),
	)

	appLog.Info("Lifeline 已就绪",
		slog.String("identity_path", identities.Path()),
		slog.Any("ledgers", registry.Ledgers()),
		slog.String("queue", cfg.Heartbeat.Queue.Driver),
		slog.Any("sinks", cfg.Sink.Drivers),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return processor.Start(groupCtx)
	})
	if cfg.Heartbeat.Enabled {
		scheduler := heartbeat.NewScheduler(queue, config.Seconds(cfg.Heartbeat.IntervalSeconds), cfg.Heartbeat.RunOnStart)
		group.Go(func() error {
			return scheduler.Run(groupCtx)
		})
	}
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error {
			return metrics.StartServer(groupCtx, cfg.Server.MetricsAddress)
		})
	}
	server := api.NewServer(cfg.Server.Address, controller, results, api.WithMetrics(collector), api.WithAuth(authService))
	group.Go(func() error {
		return server.Start(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func policyFrom(cfg *config.Config) lifesupport.Policy {
	ls := cfg.LifeSupport
	return lifesupport.Policy{
		OperatingLedger:   ls.OperatingLedger,
		OperatingAsset:    ls.OperatingAsset,
		ReserveLedger:     ls.ReserveLedger,
		ReserveAsset:      ls.ReserveAsset,
		Threshold:         ls.Threshold,
		ReserveMinimum:    ls.ReserveMinimum,
		TransferAmount:    ls.TransferAmount,
		FeeReserve:        ls.FeeReserve,
		MinOut:            ls.MinOut,
		SlippageBps:       ls.SlippageBps,
		Destination:       ls.Destination,
		IdempotencyWindow: config.Seconds(ls.IdempotencyWindowSeconds),
	}
}

func buildAggregator(cfg *config.Config, client goredis.UniversalClient) (*quote.Aggregator, error) {
	var rates quote.FailureRates
	switch cfg.Quotes.FailureRates {
	case "redis":
		rates = quote.NewRedisFailureRates(client, cfg.Sink.Prefix+":quote:stats")
	default:
		rates = quote.NewMemoryFailureRates()
	}

	aggregator, err := quote.NewAggregator(quote.Config{
		CollectTimeout: config.Seconds(cfg.Quotes.CollectTimeoutSeconds),
		Rule:           cfg.Quotes.AcceptRule,
	}, quote.WithFailureRates(rates))
	if err != nil {
		return nil, err
	}

	defs, err := httpprovider.LoadDefinitions(cfg.Ledgers.DefinitionsPath)
	if err != nil {
		return nil, err
	}
	installed, err := httpprovider.RegisterAll(aggregator, defs)
	if err != nil {
		return nil, err
	}
	if installed == 0 {
		logger.Named("lifelined").Warn("未配置任何报价源，补给将返回 no_quote")
	}
	return aggregator, nil
}
