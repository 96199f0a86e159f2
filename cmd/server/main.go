package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/api"
	"github.com/xtrntr/volumegate/internal/auth"
	"github.com/xtrntr/volumegate/internal/config"
	"github.com/xtrntr/volumegate/internal/db"
	"github.com/xtrntr/volumegate/internal/exchange"
	"github.com/xtrntr/volumegate/internal/logger"
)

// Main entry point: sets up database, sessions, exchange client and HTTP server
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.IsDevelopment(),
	})
	defer log.Sync()

	if err := cfg.ValidateServer(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}

	// Initialize exchange client
	httpCfg := exchange.DefaultHTTPClientConfig()
	httpCfg.TotalTimeout = cfg.Exchange.HTTPTimeout
	httpClient := exchange.NewHTTPClient(httpCfg)

	oracle := exchange.NewOracle(exchange.OracleConfig{
		Source:      cfg.Exchange.PriceSource,
		StaticPrice: cfg.Exchange.BTCPrice,
		TickerURL:   cfg.Exchange.PriceURL,
		CacheTTL:    cfg.Exchange.PriceCacheTTL,
		HTTPClient:  httpClient,
		Logger:      log.Named("price"),
	}, rdb)
	if _, static := oracle.(exchange.StaticPrice); static {
		log.Warn("using static BTC price for BTC-denominated balances", zap.Float64("btc_price", cfg.Exchange.BTCPrice))
	}
	if missing := cfg.MissingAPIKeys(); len(missing) > 0 {
		log.Warn("exchanges without API key", zap.Any("exchanges", missing))
	}

	client := exchange.NewClient(cfg.Registry(), oracle,
		exchange.WithHTTPClient(httpClient),
		exchange.WithLogger(log.Named("exchange")),
	)

	// Initialize auth service
	authService := auth.NewAuthService(database, auth.NewRedisSessionStore(rdb), cfg.Security.SecretKey,
		auth.WithSessionTTL(cfg.Security.SessionTTL),
		auth.WithBcryptCost(cfg.Security.BcryptCost),
		auth.WithLogger(log.Named("auth")),
	)

	// Initialize API handlers
	handler := api.NewHandler(authService, client, database, database, []byte(cfg.Security.EncryptionKey), log.Named("api"))
	handler.SecureCookie = cfg.Security.SecureCookie

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(handler, api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RequestTimeout: cfg.Server.RequestTimeout,
			StaticDir:      cfg.Server.StaticDir,
		}),
	}

	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
