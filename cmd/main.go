/**
 * @description
 * Entry point for the funding-service. It loads configuration, opens storage,
 * builds the payment processor client, the rate limiter, the outbox dispatcher,
 * the brokerage consumer and the pending-contribution janitor, then serves HTTP
 * until it receives SIGINT or SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: loads a local .env into the process environment.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: rate limiting store.
 * - github.com/stripe/stripe-go/v82: payment processor.
 * - internal/api, internal/app, internal/config, internal/store, pkg/rabbitmq.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/giftstock/funding-service/internal/api"
	"github.com/giftstock/funding-service/internal/app"
	"github.com/giftstock/funding-service/internal/config"
	"github.com/giftstock/funding-service/internal/store"
	"github.com/giftstock/funding-service/pkg/paymentclient"
	rmrabbit "github.com/giftstock/funding-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

type repository interface {
	store.Repository
	store.OutboxRepository
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=bootstrap msg=\"failed to load .env\" err=%v", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Println("level=warn component=bootstrap msg=\"internal api key not configured; internal routes are unauthenticated\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting funding-service\" port=%s storage=%s", cfg.ServerPort, cfg.StorageDriver)

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	repo, closeRepo := openRepository(rootCtx, cfg)
	defer closeRepo()

	var processor app.PaymentProcessor = paymentclient.Unconfigured{}
	if cfg.StripeSecretKey != "" {
		processor = paymentclient.NewStripeClient(cfg.StripeSecretKey, nil)
		log.Println("level=info component=bootstrap msg=\"stripe client configured\"")
	} else {
		log.Println("level=warn component=bootstrap msg=\"stripe secret key missing; payment intents disabled\" env=STRIPE_SECRET_KEY")
	}
	if cfg.StripeWebhookSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"stripe webhook secret missing; webhooks will be rejected\" env=STRIPE_WEBHOOK_SECRET")
	}

	fundingService := app.NewService(repo, processor, app.Options{
		Currency:                        cfg.Currency,
		Exchange:                        cfg.EventsExchange,
		Fees:                            cfg.FeeSchedule(),
		Limits:                          cfg.AmountLimits(),
		PendingTTL:                      cfg.PendingTTL(),
		PaymentIntentRateLimitPerMinute: cfg.PaymentIntentRateLimitPerMinute,
		EventIntentRateLimitPerMinute:   cfg.EventIntentRateLimitPerMinute,
		WebhookSecret:                   cfg.StripeWebhookSecret,
	})

	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		fundingService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	dispatcher := app.NewOutboxDispatcher(repo, cfg.RabbitMQURL, cfg.OutboxPollInterval())
	go dispatcher.Run(rootCtx)

	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; brokerage updates only via internal api\" env=RABBITMQ_URL")
	} else {
		rabbitConsumer, consumerErr := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if consumerErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", consumerErr)
		}
		defer rabbitConsumer.Close()

		brokerage := app.NewBrokerageConsumer(fundingService)
		if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.BrokerageEventQueue, brokerage.Bindings()); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"brokerage consumer start failed\" err=%v", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(fundingService, cfg.PendingTTL(), logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.PendingSweepSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewFundingHandlers(fundingService)
	router := api.FundingRoutes(handlers, api.RouterConfig{
		ClerkJWKSURL:   cfg.ClerkJWKSURL,
		InternalAPIKey: cfg.InternalAPIKey,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	<-scheduler.Stop().Done()
	stopRoot()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func openRepository(ctx context.Context, cfg config.Config) (repository, func()) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory storage; data is lost on restart\"")
		return store.NewMemoryRepository(), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching so the service works behind PgBouncer.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if cfg.DatabaseAutoMigrate {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := store.Migrate(migrateCtx, dbpool); err != nil {
			dbpool.Close()
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"schema migrated\"")
	}

	return store.NewPostgresRepository(dbpool), dbpool.Close
}

func connectRedis(cfg config.Config) *redis.Client {
	if cfg.PaymentIntentRateLimitPerMinute <= 0 && cfg.EventIntentRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; payment intent rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; payment intent rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; payment intent rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
