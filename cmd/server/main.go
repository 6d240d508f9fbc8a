package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	syncapi "github.com/pulseline/fitsync/api/echo"
	cacheredis "github.com/pulseline/fitsync/cache/redis"
	"github.com/pulseline/fitsync/config"
	"github.com/pulseline/fitsync/dedup"
	"github.com/pulseline/fitsync/internal/server"
	"github.com/pulseline/fitsync/mongodb"
	"github.com/pulseline/fitsync/oauthflow"
	"github.com/pulseline/fitsync/providers"
	"github.com/pulseline/fitsync/ratelimit"
	"github.com/pulseline/fitsync/scheduler"
	"github.com/pulseline/fitsync/tokens"
	"github.com/pulseline/fitsync/webhooks"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, db, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer mongodb.Close(context.Background(), mongoClient)
	if err := mongodb.EnsureIndexes(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure indexes")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisClient.Close()

	registry := buildRegistry(cfg)

	integrations := mongodb.NewIntegrationRepository(db)
	records := mongodb.NewRecordRepository(db)
	cursors := mongodb.NewCursorRepository(db)
	subscriptions := mongodb.NewSubscriptionRepository(db)

	locker := cacheredis.NewLocker(redisClient, "fitsync:lock")
	states := cacheredis.NewStateStore(redisClient, "fitsync:oauth-state")
	idempotency := cacheredis.NewIdempotencyStore(redisClient, "fitsync:webhook-seen")
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisCounterStore(redisClient, "fitsync:rl"))

	tokenManager := tokens.NewManager(integrations, registry, locker)
	deduplicator := dedup.New(records, cfg.SourcePriority)

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	enqueuer := scheduler.NewEnqueuer(redisOpt)
	defer enqueuer.Close()

	worker := scheduler.NewWorker(scheduler.WorkerParams{
		Registry:      registry,
		Tokens:        tokenManager,
		Limiter:       limiter,
		Integrations:  integrations,
		Records:       records,
		Cursors:       cursors,
		Subscriptions: subscriptions,
		Dedup:         deduplicator,
		Locker:        locker,
		Enqueuer:      enqueuer,
		BackfillDays:  cfg.BackfillDays,
		PageSize:      cfg.SyncPageSize,
		MaxPages:      cfg.SyncMaxPages,
	})

	taskServer := scheduler.NewServer(redisOpt, cfg.WorkerConcurrency, worker)
	if err := taskServer.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker pool")
	}

	periodic, err := scheduler.NewPeriodic(redisOpt, scheduler.PeriodicSpecs{
		SyncSweep:         cfg.SyncSweepSpec,
		TokenSweep:        cfg.TokenSweepSpec,
		SubscriptionRenew: cfg.SubscriptionRenewSpec,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build periodic scheduler")
	}
	if err := periodic.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start periodic scheduler")
	}

	flow := oauthflow.NewService(registry, tokenManager, integrations, subscriptions, states, enqueuer,
		cfg.PublicBaseURL+"/integrations/callback", cfg.PublicBaseURL, cfg.BackfillDays)

	verifyTokens := make(map[string]string, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		verifyTokens[name] = pc.VerifyToken
	}
	gateway := webhooks.NewGateway(registry, tokenManager, integrations, subscriptions, idempotency, enqueuer, verifyTokens)

	api := syncapi.NewSyncAPI(flow, gateway, cfg.WebhookTimeout, healthCheck(mongoClient, redisClient))
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, api)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}
	periodic.Shutdown()
	taskServer.Shutdown()
	log.Info().Msg("shutdown complete")
}

func buildRegistry(cfg config.Config) *providers.Registry {
	registry := providers.NewRegistry()
	for name, pc := range cfg.Providers {
		creds := providers.Credentials{
			ClientID:      pc.ClientID,
			ClientSecret:  pc.ClientSecret,
			Scopes:        pc.Scopes,
			VerifyToken:   pc.VerifyToken,
			WebhookSecret: pc.WebhookSecret,
			CallbackURL:   cfg.PublicBaseURL + "/webhooks/" + name,
		}
		switch name {
		case "strava":
			registry.Register(providers.NewStravaAdapter(creds))
		case "fitbit":
			registry.Register(providers.NewFitbitAdapter(creds))
		case "withings":
			registry.Register(providers.NewWithingsAdapter(creds))
		default:
			log.Warn().Str("provider", name).Msg("unknown provider in configuration, skipping")
		}
	}
	log.Info().Strs("providers", registry.Names()).Msg("provider registry built")
	return registry
}

func healthCheck(mongoClient *mongo.Client, redisClient *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := mongodb.Ping(ctx, mongoClient); err != nil {
			return err
		}
		return redisClient.Ping(ctx).Err()
	}
}
