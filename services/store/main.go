package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	cfg, err := LoadConfig()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	tp, err := initTracer(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize tracer")
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			zlog.Error().Err(err).Msg("Error shutting down tracer")
		}
	}()

	mp, err := initMetrics(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize metrics")
	}
	defer func() {
		if err := mp.Shutdown(context.Background()); err != nil {
			zlog.Error().Err(err).Msg("Error shutting down meter")
		}
	}()

	metrics, err := NewStoreMetrics(mp.Meter(cfg.ServiceName))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register metrics")
	}

	// Initialize database
	dbPool, err := initDB(ctx, cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer dbPool.Close()

	if err := runMigrations(cfg.DSN()); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to migrate database")
	}

	events := initPaymentEvents(ctx, cfg)
	rates := initRateCache(ctx, cfg)

	var mailer Mailer = NoopMailer{}
	if cfg.Email.APIKey != "" {
		mailer = NewEmailAPIMailer(cfg)
	}

	var google GoogleVerifier
	if cfg.Auth.GoogleClientID != "" {
		google = NewGoogleTokenInfoVerifier(cfg.Auth.GoogleInfoURL, cfg.Auth.GoogleClientID)
	}

	if cfg.MercadoPago.AccessToken == "" {
		zlog.Warn().Msg("⚠️ MP_ACCESS_TOKEN is empty, checkout preferences will fail")
	}

	// Initialize dependencies
	repository := NewPostgresRepository(dbPool)
	validator := NewCheckoutValidator(cfg.CheckoutRules())
	authUseCase := NewAuthUseCase(repository, google, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	checkoutUseCase := NewCheckoutUseCase(
		repository,
		validator,
		NewMercadoPagoClient(cfg),
		mailer,
		events,
		metrics,
		cfg.Checkout.ReservationTTL,
	)

	if cfg.Auth.AdminEmail != "" && cfg.Auth.AdminPassword != "" {
		if err := authUseCase.EnsureAdmin(zlog.Logger.WithContext(ctx), cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to ensure admin user")
		}
	}

	handler := NewHandler(Dependencies{
		Products: NewProductUseCase(repository),
		Sales:    NewSaleUseCase(repository, metrics),
		Checkout: checkoutUseCase,
		Expenses: NewExpenseUseCase(repository),
		Reports:  NewReportUseCase(repository),
		Auth:     authUseCase,
		Quotes:   NewQuoteService(NewCoinGeckoFeed(cfg.PriceFeedURL), rates, cfg.QuoteTTL),
		Events:   events,
		Health:   dbPool.Ping,
	})

	limiter := NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	router := NewRouter(cfg.ServiceName, handler, limiter)

	scheduler, err := newScheduler(checkoutUseCase, limiter)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to schedule jobs")
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Msg("🚀 Store service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("🛑 Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Error shutting down server")
	}
}

func setupLogger(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zlog.Logger = zlog.With().Str("service", cfg.ServiceName).Logger()
}

func initDB(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConns = cfg.Database.MaxConns
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			zlog.Info().Str("database", cfg.Database.Name).Msg("✅ Connected to database")
			return pool, nil
		}
		zlog.Info().Msgf("⏳ Waiting for database... (%d/30)", i+1)
		time.Sleep(1 * time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

// initPaymentEvents returns the Mongo event log, or a no-op store when
// Mongo is not configured or unreachable.
func initPaymentEvents(ctx context.Context, cfg *Config) PaymentEventStore {
	if cfg.MongoURI == "" {
		zlog.Info().Msg("ℹ️  MONGO_URI not set, payment events are not stored")
		return NoopPaymentEventStore{}
	}

	client, err := connectMongo(ctx, cfg.MongoURI)
	if err != nil {
		zlog.Error().Err(err).Msg("❌ Payment event log disabled")
		return NoopPaymentEventStore{}
	}

	store := NewMongoPaymentEventStore(client.Database(cfg.MongoDatabase))
	if err := store.EnsureIndexes(ctx); err != nil {
		zlog.Warn().Err(err).Msg("⚠️ Failed to create payment event indexes")
	}
	zlog.Info().Str("database", cfg.MongoDatabase).Msg("✅ Connected to mongo")
	return store
}

// initRateCache returns a Redis backed cache, or nil for the in-process one.
func initRateCache(ctx context.Context, cfg *Config) RateCache {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zlog.Warn().Err(err).Msg("⚠️ Redis unreachable, using in-process quote cache")
		_ = client.Close()
		return nil
	}

	zlog.Info().Str("addr", cfg.RedisAddr).Msg("✅ Connected to redis")
	return NewRedisRateCache(client)
}
