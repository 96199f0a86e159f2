package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xtrntr/volumegate/internal/channel"
	"github.com/xtrntr/volumegate/internal/config"
	"github.com/xtrntr/volumegate/internal/db"
	"github.com/xtrntr/volumegate/internal/exchange"
	"github.com/xtrntr/volumegate/internal/logger"
	"github.com/xtrntr/volumegate/internal/pruner"
	"github.com/xtrntr/volumegate/internal/volume"
)

// Runs the membership pruning job once, or on PRUNE_SCHEDULE when set
func main() {
	once := flag.Bool("once", false, "run a single pass even if PRUNE_SCHEDULE is set")
	logFile := flag.String("log-file", "", "also write logs to this file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.IsDevelopment(),
		OutputPath:  *logFile,
	})
	defer log.Sync()

	if err := cfg.ValidatePruner(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Fatal("failed to migrate database", zap.Error(err))
	}

	var priceCache redis.Cmdable
	if cfg.Exchange.PriceSource == "binance" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable, btc price will not be cached", zap.Error(err))
		} else {
			priceCache = rdb
		}
	}

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
	}, priceCache)
	if _, static := oracle.(exchange.StaticPrice); static {
		log.Warn("using static BTC price for BTC-denominated balances", zap.Float64("btc_price", cfg.Exchange.BTCPrice))
	}

	client := exchange.NewClient(cfg.Registry(), oracle,
		exchange.WithHTTPClient(httpClient),
		exchange.WithLogger(log.Named("exchange")),
	)
	aggregator := volume.NewAggregator(client,
		volume.WithConcurrency(cfg.Pruner.Concurrent),
		volume.WithLogger(log.Named("volume")),
	)

	tg := channel.NewTelegram(cfg.Telegram.APIURL, cfg.Telegram.BotToken, cfg.Telegram.ChannelID, database, nil, log.Named("telegram"))
	if me, err := tg.GetMe(ctx); err != nil {
		log.Fatal("telegram bot token rejected", zap.Error(err))
	} else {
		log.Info("connected to telegram", zap.String("bot", me.Username), zap.String("channel", cfg.Telegram.ChannelID))
	}

	job := pruner.New(tg, database, aggregator, pruner.Config{
		MinVolume: cfg.Pruner.MinVolume,
		PageSize:  cfg.Pruner.PageSize,
	}, log.Named("pruner"))

	if cfg.Pruner.Schedule == "" || *once {
		if _, err := job.Run(ctx); err != nil {
			log.Fatal("pruning failed", zap.Error(err))
		}
		return
	}

	cronLog := cronLogger{log.Named("cron").Sugar()}
	c := cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))
	if _, err := c.AddFunc(cfg.Pruner.Schedule, func() {
		if _, err := job.Run(ctx); err != nil {
			log.Error("pruning failed", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("invalid PRUNE_SCHEDULE", zap.String("schedule", cfg.Pruner.Schedule), zap.Error(err))
	}
	// chat_member updates are only kept by Telegram for 24h, so drain them
	// between pruning passes too
	if cfg.Pruner.SyncSchedule != "" {
		if _, err := c.AddFunc(cfg.Pruner.SyncSchedule, func() {
			if applied, err := tg.SyncMembers(ctx); err != nil {
				log.Error("member sync failed", zap.Error(err))
			} else if applied > 0 {
				log.Info("synced channel members", zap.Int("changes", applied))
			}
		}); err != nil {
			log.Fatal("invalid MEMBER_SYNC_SCHEDULE", zap.String("schedule", cfg.Pruner.SyncSchedule), zap.Error(err))
		}
	}

	log.Info("pruner scheduled", zap.String("schedule", cfg.Pruner.Schedule), zap.String("member_sync", cfg.Pruner.SyncSchedule))
	c.Start()
	<-ctx.Done()
	log.Info("shutting down, waiting for running pass")
	<-c.Stop().Done()
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
