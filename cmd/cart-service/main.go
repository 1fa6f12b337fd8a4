package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fjod/go_cart/cart-session/internal/cache"
	"github.com/fjod/go_cart/cart-session/internal/catalog"
	"github.com/fjod/go_cart/cart-session/internal/config"
	h "github.com/fjod/go_cart/cart-session/internal/http"
	"github.com/fjod/go_cart/cart-session/internal/lock"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/fjod/go_cart/cart-session/internal/notifier"
	"github.com/fjod/go_cart/cart-session/internal/poller"
	"github.com/fjod/go_cart/cart-session/internal/repository"
	"github.com/fjod/go_cart/cart-session/internal/service"
	"github.com/fjod/go_cart/cart-session/internal/session"
)

func main() {
	cfg := config.Load()

	lg, err := logger.New(cfg.LogMode, cfg.LogSalt)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guests, users, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open cart store: %v", err)
	}
	defer closeStore()
	lg.Info("cart store ready", "backend", cfg.StoreBackend)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// sessions degrade to ephemeral carts until redis is back
		lg.Warn("redis ping failed", "addr", cfg.RedisAddr, "error", err)
	}

	products, err := catalog.Open(cfg.CatalogDriver, cfg.CatalogDSN)
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer products.Close()
	if err := products.RunMigrations(); err != nil {
		log.Fatalf("Failed to migrate catalog: %v", err)
	}
	guarded := catalog.NewBreakerCatalog(products, "catalog", 30*time.Second)

	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(redisClient, cfg.LockLease)
	}

	events := notifier.New(lg, cfg.NotifierQueueSize)
	events.Subscribe("redis", notifier.NewRedisSink(redisClient, notifier.DefaultRedisChannel, lg).Handle)
	if len(cfg.KafkaBrokers) > 0 {
		sink := notifier.NewKafkaSink(notifier.NewKafkaWriter(cfg.CartEventTopic, cfg.KafkaBrokers...), lg)
		defer sink.Close()
		events.Subscribe("kafka", sink.Handle)
	}
	events.Start(ctx)
	defer events.Close()

	carts := service.NewCartService(service.Dependencies{
		Guests:   guests,
		Users:    users,
		Catalog:  guarded,
		Cache:    cache.NewRedisCache(redisClient),
		Locker:   locker,
		Notifier: events,
		Logger:   lg,
	}, service.Options{
		StoreTimeout:   cfg.StoreTimeout,
		MutationBudget: cfg.MutationBudget,
	})

	resolver := session.NewResolver(
		session.NewJWTAuthenticator(cfg.JWTSecret),
		session.NewRedisMarkerStore(redisClient),
		cfg.GuestCartTTL,
		cfg.LogoutMarkerTTL,
	)
	merger := service.NewMergeEngine(carts, resolver)

	if len(cfg.KafkaBrokers) > 0 {
		p := poller.NewPoller(carts, poller.NewKafkaReader(cfg.CheckoutTopic, cfg.CheckoutGroup, cfg.KafkaBrokers...), lg)
		defer p.Close()
		go p.Run(ctx)
	}

	limiter := h.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go limiter.Cleanup(ctx)

	cartHandler := h.NewCartHandler(carts, merger, guarded, resolver, lg, cfg.RequestTimeout)
	sessions := h.NewSessionMiddleware(resolver, h.SessionConfig{
		Header:       cfg.SessionHeader,
		Cookie:       cfg.SessionCookie,
		CookieMaxAge: cfg.GuestCartTTL,
		SecureCookie: cfg.LogMode == "production",
	}, lg)
	router := h.NewRouter(h.RouterConfig{
		RequestTimeout:     cfg.RequestTimeout,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
	}, cartHandler, sessions, limiter)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(router, "cart-session"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("cart session service listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	lg.Info("shutting down cart session service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("server forced to shutdown", "error", err)
	}
	lg.Info("cart session service stopped")
}

// openStore returns the guest and user repositories for the configured
// backend and a function releasing the underlying connection.
func openStore(ctx context.Context, cfg *config.Config) (repository.GuestCartRepository, repository.UserCartRepository, func(), error) {
	if cfg.StoreBackend == "memory" {
		return repository.NewMemoryGuestRepository(cfg.GuestCartTTL), repository.NewMemoryUserRepository(), func() {}, nil
	}

	db, err := repository.ConnectMongoDB(ctx, cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		return nil, nil, nil, err
	}
	closeFn := func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Client().Disconnect(disconnectCtx)
	}

	guests := repository.NewMongoGuestRepository(db, cfg.GuestCartTTL)
	if err := repository.EnsureIndexes(ctx, guests); err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return guests, repository.NewMongoUserRepository(db), closeFn, nil
}
