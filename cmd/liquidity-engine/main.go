package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/liquidity-engine/internal/allocator"
	"github.com/Checker-Finance/liquidity-engine/internal/api"
	"github.com/Checker-Finance/liquidity-engine/internal/commission"
	"github.com/Checker-Finance/liquidity-engine/internal/config"
	"github.com/Checker-Finance/liquidity-engine/internal/engine"
	"github.com/Checker-Finance/liquidity-engine/internal/feed"
	"github.com/Checker-Finance/liquidity-engine/internal/httpclient"
	"github.com/Checker-Finance/liquidity-engine/internal/jobs"
	"github.com/Checker-Finance/liquidity-engine/internal/notifier"
	"github.com/Checker-Finance/liquidity-engine/internal/publisher"
	"github.com/Checker-Finance/liquidity-engine/internal/rabbitmq"
	"github.com/Checker-Finance/liquidity-engine/internal/rate"
	internalsecrets "github.com/Checker-Finance/liquidity-engine/internal/secrets"
	"github.com/Checker-Finance/liquidity-engine/internal/store"
	"github.com/Checker-Finance/liquidity-engine/pkg/logger"
	"github.com/Checker-Finance/liquidity-engine/pkg/secrets"
	"github.com/Checker-Finance/liquidity-engine/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	logg := logger.S()
	logg.Info("starting [liquidity-engine]...")
	logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))

	// --- Store (Redis + Postgres hybrid) ---
	st, err := store.NewHybrid(cfg.RedisAddr, cfg.RedisDB, cfg.DatabaseURL, store.PGPoolConfig{
		MaxConns:          int32(cfg.PGMaxConns),
		MinConns:          int32(cfg.PGMinConns),
		MaxConnLifetime:   cfg.PGMaxConnLifetime,
		MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
		HealthCheckPeriod: cfg.PGHealthCheckPeriod,
	}, cfg.CacheTTL, logger.L())
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}

	// --- Connect to NATS ---
	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logg.Fatalw("failed to connect to NATS", "error", err)
	}

	// --- Publisher ---
	pub, err := publisher.New(nc, cfg.ServiceName, logger.L())
	if err != nil {
		logg.Fatalw("failed to init publisher", "error", err)
	}

	// --- Allocation engine ---
	alloc := allocator.New(st, st, logger.L())
	resolver := commission.NewResolver(st)
	eng := engine.New(alloc, st, st, resolver, st, pub, logger.L())

	// --- RabbitMQ command consumer ---
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.Env, eng, logger.L())
	if err != nil {
		logg.Fatalw("failed to init RabbitMQ consumer", "error", err)
	}
	if err := consumer.Start(ctx); err != nil {
		logg.Fatalw("failed to start RabbitMQ consumer", "error", err)
	}

	// --- Counterparty liquidity feeds (optional) ---
	var feedClients []*feed.Client
	if cfg.FeedURL != "" {
		awsProvider, err := secrets.NewAWSProvider(cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		credResolver := internalsecrets.NewResolver(awsProvider, cfg.SecretPrefix, cfg.CacheTTL, logger.L())

		// FEED_COUNTERPARTY pins a single feed; when unset, every
		// counterparty with provisioned credentials gets a connection.
		counterparties := []string{cfg.FeedCounterparty}
		if cfg.FeedCounterparty == "" {
			counterparties, err = credResolver.Counterparties(ctx)
			if err != nil {
				logg.Fatalw("failed to list feed counterparties", "error", err)
			}
		}
		if len(counterparties) == 0 {
			logg.Warnw("no feed counterparties provisioned", "prefix", cfg.SecretPrefix)
		}

		mapper := feed.NewMapper(st, cfg.Currencies(), logger.L())
		for _, cp := range counterparties {
			creds, err := credResolver.FeedCredentials(ctx, cp)
			if err != nil {
				logg.Fatalw("failed to resolve feed credentials",
					"counterparty", cp, "error", err)
			}
			client := feed.NewClient(cfg.FeedURL, creds, cfg.TrackedCurrencies, logger.L())
			client.AddHandler(mapper.Handler(ctx))
			if err := client.Connect(ctx); err != nil {
				logg.Fatalw("failed to connect to liquidity feed",
					"counterparty", cp, "error", err)
			}
			feedClients = append(feedClients, client)
		}
	} else {
		logg.Warn("FEED_URL not configured; requisites come from the API only")
	}

	// --- Pool sweeper ---
	sweeper := jobs.NewPoolSweeper(logger.L(), eng, st, pub, cfg.TrackedCurrencies, cfg.SweepInterval)
	go sweeper.Start(ctx)

	// --- Completion webhooks ---
	exec := httpclient.New(logger.L(), nil, cfg.WebhookRetryMax)
	hook := notifier.NewWebhook(exec, logger.L())

	// --- Rate limiter ---
	rateMgr := rate.NewManager(rate.Config{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})

	// --- Fiber HTTP Server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})

	handler := api.NewHandler(logger.L(), eng, st, cfg.Currencies())
	handler.SetNotifier(hook)
	api.RegisterRoutes(app, nc, st, handler, rateMgr)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[liquidity-engine] running",
		"nats", cfg.NATSURL,
		"env", cfg.Env,
		"currencies", cfg.TrackedCurrencies,
		"sweep_interval", cfg.SweepInterval)

	<-ctx.Done()
	logg.Info("shutting down [liquidity-engine]...")

	sweeper.Stop()
	if err := consumer.Close(); err != nil {
		logg.Warnw("rabbitmq.close_failed", "error", err)
	}
	for _, client := range feedClients {
		if err := client.Close(); err != nil {
			logg.Warnw("feed.close_failed", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if err := nc.Drain(); err != nil {
		logg.Warnw("nats.drain_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}
