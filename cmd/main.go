/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, message brokers, repositories, the core application service, the
 * batch scheduler, and the HTTP server. It wires everything together and starts
 * the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/pointgrid/ledger-service/internal/api"
	"github.com/pointgrid/ledger-service/internal/app"
	"github.com/pointgrid/ledger-service/internal/config"
	"github.com/pointgrid/ledger-service/internal/domain"
	"github.com/pointgrid/ledger-service/internal/store"
	rmrabbit "github.com/pointgrid/ledger-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Pool sizing follows the sibling services so a reward burst cannot
	// exhaust shared database capacity.
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the data access layer (repository) and apply the schema.
	repository := store.NewPostgresRepository(dbpool)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err := repository.EnsureSchema(schemaCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema setup failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer to publish ledger events. The producer
	// is optional; ledger events are advisory.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Optional Redis client for distributed spend rate limiting.
	var redisClient *redis.Client
	if cfg.SpendRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; spend rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; spend rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; spend rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	rewards := domain.RewardConfig{
		RegistrationBonus:     cfg.RegistrationBonus,
		DailyCheckinBonus:     cfg.DailyCheckinBonus,
		MerchantRegisterBonus: cfg.MerchantRegisterBonus,
		InviterReward:         cfg.InviterReward,
		InviteeReward:         cfg.InviteeReward,
		ContactViewCost:       cfg.ContactViewCost,
		MerchantEditCost:      cfg.MerchantEditCost,
		MerchantTopCost:       cfg.MerchantTopCost,
	}

	// Initialize the core application service with its dependencies.
	ledgerService := app.NewService(repository, producer, rewards)
	ledgerService.ConfigureRetries(cfg.ApplyRetryAttempts, time.Duration(cfg.ApplyRetryBackoffMs)*time.Millisecond)
	ledgerService.ConfigureBatchChunkSize(cfg.BatchChunkSize)
	if redisClient != nil {
		ledgerService.SetSpendRateLimiter(
			app.NewRedisSpendRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.SpendRateLimitPerMinute,
		)
	}

	// Wire up the batch execute consumer when a broker is available; the
	// scheduler publishes execute commands and this consumer runs them.
	var schedulerPublisher rmrabbit.Publisher
	if eventProducer != nil {
		rabbitConsumer, consumerErr := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if consumerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; scheduler will execute jobs inline\" err=%v", consumerErr)
		} else {
			defer rabbitConsumer.Close()
			batchConsumer := app.NewBatchExecuteConsumer(ledgerService)
			bindings := map[string]func([]byte) bool{
				app.RoutingKeyBatchExecute: batchConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(app.LedgerEventsExchange, cfg.LedgerEventQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"batch consumer start failed\" err=%v", err)
			}
			schedulerPublisher = producer
			log.Println("level=info component=bootstrap msg=\"batch consumer started\"")
		}
	}

	// Start the batch scheduler.
	scheduler := app.NewBatchScheduler(ledgerService, schedulerPublisher, time.Duration(cfg.SchedulerIntervalSeconds)*time.Second)
	scheduler.Start()
	defer scheduler.Stop()

	// Initialize the API handlers and set up the HTTP router.
	ledgerHandlers := api.NewLedgerHandlers(ledgerService)
	router := chi.NewRouter()
	router.Mount("/ledger", api.LedgerRoutes(ledgerHandlers, api.AuthConfig{
		JWKSURL:        cfg.AuthJWKSURL,
		Issuer:         cfg.AuthIssuer,
		Audience:       cfg.AuthAudience,
		InternalAPIKey: cfg.InternalAPIKey,
	}))

	// Start the HTTP server.
	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
