package main

import (
	"context"
	"time"

	"blertbank/internal/config"
	"blertbank/internal/db"
	"blertbank/internal/logger"
	"blertbank/internal/repository"
	"blertbank/internal/service"
)

// Creates the treasury and sink accounts. Safe to run repeatedly.
func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogJSON)

	pool := db.Connect(cfg)
	defer pool.Close()

	accounts := service.NewAccountService(repository.NewPgStore(pool), service.SystemAccountNames{
		Treasury: cfg.TreasuryAccount,
		Sink:     cfg.SinkAccount,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	treasury, sink, err := accounts.SeedSystemAccounts(ctx)
	if err != nil {
		logger.Fatal("seed system accounts", "error", err)
	}
	logger.Info("system accounts ready",
		"treasury", cfg.TreasuryAccount, "treasury_id", treasury.ID, "treasury_balance", treasury.Balance,
		"sink", cfg.SinkAccount, "sink_id", sink.ID, "sink_balance", sink.Balance,
	)
}
