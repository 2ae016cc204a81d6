package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/layer-3/tollgate/adapters/chain"
	"github.com/layer-3/tollgate/adapters/events"
	"github.com/layer-3/tollgate/adapters/store"
	"github.com/layer-3/tollgate/adapters/tokenizer"
	"github.com/layer-3/tollgate/adapters/wallet"
	"github.com/layer-3/tollgate/config"
	"github.com/layer-3/tollgate/ports"
	"github.com/layer-3/tollgate/service"
	tollgatehttp "github.com/layer-3/tollgate/transport/http"
)

const auditConsumerGroup = "tollgate-audit"

// counterStore is the shared state behind challenges, sessions and counters
type counterStore interface {
	ports.ChallengeStore
	ports.SessionStore
	ports.UsageStore
	ports.RateLimitStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, syncLogger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer syncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("tollgate stopped", zap.Error(err))
	}
	logger.Info("tollgate stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var redisClient *redis.Client
	if cfg.Store.Backend == config.BackendRedis || cfg.Events.Backend == config.BackendRedis {
		opts, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	// Shared counters and sessions
	var (
		counters counterStore
		health   func(ctx context.Context) error
	)
	if cfg.Store.Backend == config.BackendRedis {
		redisStore := store.NewRedisStore(redisClient, cfg.Store.UsageRetention)
		if err := redisStore.Ping(ctx); err != nil {
			return err
		}
		counters, health = redisStore, redisStore.Ping
	} else {
		logger.Warn("using in-memory store; state is lost on restart and not shared between instances")
		counters = store.NewMemoryStore()
	}

	users, err := store.NewSQLUserStore(ctx, cfg.Database.Driver, cfg.Database.URL, cfg.Tiers.Lowest().Name)
	if err != nil {
		return err
	}
	defer users.Close()

	// Events
	wmLogger := events.NewZapLoggerAdapter(logger.Named("watermill"))
	var (
		publisher  message.Publisher
		subscriber message.Subscriber
	)
	if cfg.Events.Backend == config.BackendRedis {
		publisher, err = redisstream.NewPublisher(redisstream.PublisherConfig{Client: redisClient}, wmLogger)
		if err != nil {
			return err
		}
		subscriber, err = redisstream.NewSubscriber(redisstream.SubscriberConfig{
			Client:        redisClient,
			ConsumerGroup: auditConsumerGroup,
		}, wmLogger)
		if err != nil {
			return err
		}
	} else {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger)
		publisher, subscriber = pubsub, pubsub
	}
	defer publisher.Close()

	sink, err := events.NewAuditSink(subscriber, users, logger)
	if err != nil {
		return err
	}
	eventPub := events.NewWatermillPublisher(publisher)

	// Ledgers
	ledgers, err := dialLedgers(ctx, cfg.Chain, logger)
	if err != nil {
		return err
	}

	// Services
	signKey, generated, err := tokenizer.LoadSigningKey(cfg.Auth.SigningKeyFile)
	if err != nil {
		return err
	}
	if generated {
		logger.Warn("SIGNING_KEY_FILE not set; generated an ephemeral key, sessions will not survive a restart")
	}

	authService := service.NewAuthService(service.AuthServiceConfig{
		Verifier:     wallet.NewVerifier(),
		Tokenizer:    tokenizer.NewJWTTokenizer(signKey, cfg.Auth.Issuer),
		Challenges:   counters,
		Sessions:     counters,
		Users:        users,
		Events:       eventPub,
		Logger:       logger,
		ChallengeTTL: cfg.Auth.ChallengeTTL,
		SessionTTL:   cfg.Auth.SessionTTL,
	})
	tiers := service.NewTierResolver(ledgers, users, cfg.Tiers, cfg.Chain.OracleTimeout, logger)
	quota := service.NewQuotaTracker(counters, cfg.Tiers, logger, nil)
	registration := service.NewRegistrationCoordinator(service.RegistrationCoordinatorConfig{
		Users:  users,
		Oracle: ledgers,
		Burns:  ledgers,
		Events: eventPub,
		Logger: logger,
		Policy: service.RegistrationPolicy{
			RequiredBalance:     cfg.Registration.RequiredBalance,
			BurnAmount:          cfg.Registration.BurnAmount,
			AllowUnverifiedBurn: cfg.Registration.AllowUnverifiedBurn,
			OracleTimeout:       cfg.Chain.OracleTimeout,
			BurnVerifyTimeout:   cfg.Chain.BurnVerifyTimeout,
		},
	})
	limiter := service.NewRateLimiter(counters, cfg.RateLimits, eventPub, logger, nil)

	router := tollgatehttp.SetupRouter(tollgatehttp.Dependencies{
		Auth:         authService,
		Access:       service.NewAccessService(tiers, quota),
		Registration: registration,
		Limiter:      limiter,
		Users:        users,
		Cookies: tollgatehttp.CookieConfig{
			Name:     cfg.Cookie.Name,
			AnonName: cfg.Cookie.AnonName,
			Domain:   cfg.Cookie.Domain,
			Secure:   cfg.Cookie.Secure,
		},
		Health: health,
		Logger: logger,
	})

	var handler http.Handler = router
	if len(cfg.CORS.AllowedOrigins) > 0 {
		handler = cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
			AllowCredentials: true,
			MaxAge:           300,
		})(router)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sink.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("starting server",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.Store.Backend),
			zap.String("events", cfg.Events.Backend),
			zap.String("database", cfg.Database.Driver))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		authService.Wait()
		registration.Wait()
		if closeErr := sink.Close(); closeErr != nil {
			logger.Warn("failed to close audit sink", zap.Error(closeErr))
		}
		return err
	})

	return g.Wait()
}

// dialLedgers connects the configured chains. A chain without an RPC URL is
// left out, and balances for its wallets resolve to the lowest tier.
func dialLedgers(ctx context.Context, cfg config.ChainConfig, logger *zap.Logger) (*chain.Dispatcher, error) {
	dispatcher := chain.NewDispatcher()

	if cfg.SolanaRPCURL != "" {
		client, err := chain.Dial(ctx, cfg.SolanaRPCURL)
		if err != nil {
			return nil, err
		}
		dispatcher.Register(wallet.ChainSolana, chain.NewSolana(client, cfg.SolanaTokenMint, cfg.SolanaDecimals))
	}

	if cfg.EVMRPCURL != "" {
		client, err := chain.Dial(ctx, cfg.EVMRPCURL)
		if err != nil {
			return nil, err
		}
		dispatcher.Register(wallet.ChainEVM, chain.NewEVM(client, cfg.EVMTokenContract, cfg.EVMDecimals))
	}

	if len(dispatcher.Chains()) == 0 {
		logger.Warn("no ledger RPC configured; every wallet resolves to the lowest tier")
	}

	return dispatcher, nil
}
