package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blertbank/internal/config"
	"blertbank/internal/db"
	"blertbank/internal/feed"
	httpServer "blertbank/internal/http"
	"blertbank/internal/http/handlers"
	"blertbank/internal/logger"
	"blertbank/internal/repository"
	"blertbank/internal/service"
	"blertbank/internal/ws"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogJSON)
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	static, err := service.ParseStaticTokens(cfg.ServiceTokens)
	if err != nil {
		logger.Fatal("invalid SERVICE_TOKENS", "error", err)
	}
	auth := service.NewServiceAuth(static, cfg.JWTSecret)

	dbPool := db.Connect(cfg)
	defer dbPool.Close()
	store := repository.NewPgStore(dbPool, repository.WithTxTimeout(cfg.TxTimeout))

	rdb := db.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if rdb != nil {
		defer rdb.Close()
	}

	accounts := service.NewAccountService(store, service.SystemAccountNames{
		Treasury: cfg.TreasuryAccount,
		Sink:     cfg.SinkAccount,
	})
	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	if err := accounts.RequireSystemAccounts(startCtx); err != nil {
		logger.Fatal("system accounts missing, run seed_accounts first", "error", err)
	}
	cancelStart()

	txns := service.NewTransactionService(store,
		service.WithIsolation(repository.Isolation(cfg.Isolation)),
		service.WithRetryPolicy(service.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		}),
	)
	history := service.NewHistoryService(store)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		hub   *ws.Hub
		relay *feed.Relay
	)
	relayDone := make(chan struct{})
	if cfg.FeedEnabled {
		hub = ws.NewHub()
		sinks := []feed.Sink{hub}

		if len(cfg.KafkaBrokers) > 0 {
			producer, err := feed.NewKafkaProducer(cfg.KafkaBrokers)
			if err != nil {
				logger.Fatal("failed to create kafka producer", "brokers", cfg.KafkaBrokers, "error", err)
			}
			kafka := feed.NewKafkaSink(producer, cfg.KafkaTopic)
			defer kafka.Close()
			sinks = append(sinks, kafka)
		}

		var cursor feed.Cursor = feed.NewMemoryCursor()
		if rdb != nil {
			cursor = feed.NewRedisCursor(rdb, "")
		}

		relay = feed.NewRelay(history, cursor, feed.Options{
			PollInterval: cfg.FeedPollInterval,
			SettleDelay:  cfg.FeedSettleDelay,
			GapGrace:     cfg.FeedGapGrace,
			GapTimeout:   cfg.FeedGapTimeout,
			BatchSize:    cfg.FeedBatchSize,
		}, sinks...)
		go func() {
			defer close(relayDone)
			_ = relay.Run(ctx)
		}()
	} else {
		close(relayDone)
	}

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	feedCfg := handlers.FeedConfig{
		AllowedOrigin: cfg.AllowedOrigin,
		SettleDelay:   cfg.FeedSettleDelay,
		MaxBacklog:    10000,
	}
	if relay != nil {
		feedCfg.Position = relay.Position
	}

	httpServer.RegisterRoutes(r, httpServer.Deps{
		Accounts:        accounts,
		Transactions:    txns,
		History:         history,
		Auth:            auth,
		Store:           store,
		Redis:           rdb,
		Hub:             hub,
		Version:         cfg.Version,
		RateLimit:       cfg.RateLimit,
		RateLimitWindow: cfg.RateLimitWindow,
		Feed:            feedCfg,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server started", "port", cfg.AppPort, "version", cfg.Version, "isolation", cfg.Isolation)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if hub != nil {
		hub.Close()
	}
	<-relayDone

	logger.Info("server exited")
}
