package http

import (
	"context"
	"time"

	"blertbank/internal/http/handlers"
	"blertbank/internal/http/middleware"
	"blertbank/internal/service"
	"blertbank/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
)

// Deps is everything the router needs. Redis and Hub may be nil.
type Deps struct {
	Accounts     *service.AccountService
	Transactions *service.TransactionService
	History      *service.HistoryService
	Auth         middleware.Authenticator
	Store        handlers.Pinger
	Redis        *redis.Client
	Hub          *ws.Hub
	Version      string

	RateLimit       int
	RateLimitWindow time.Duration
	Feed            handlers.FeedConfig
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.Use(middleware.RequestID(), middleware.AccessLog(), middleware.Metrics())

	h := handlers.NewHandler(d.Accounts, d.Transactions, d.History)
	healthHandler := handlers.NewHealthHandler(d.Store, d.Version)
	if d.Redis != nil {
		rdb := d.Redis
		healthHandler.WithOptional("redis", handlers.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	// Health checks and metrics (no auth, no rate limiting)
	r.GET("/health", healthHandler.Health)
	r.GET("/healthz", healthHandler.Liveness)
	r.GET("/ping", healthHandler.Liveness)
	r.GET("/readyz", healthHandler.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/")
	api.Use(middleware.ServiceAuth(d.Auth))
	if d.Redis != nil {
		api.Use(middleware.RedisRateLimit(d.Redis, d.RateLimit, d.RateLimitWindow))
	} else {
		api.Use(middleware.LocalRateLimit(d.RateLimit, d.RateLimitWindow))
	}
	{
		api.POST("/accounts", h.CreateAccount)
		api.GET("/accounts/:userId", h.GetAccount)
		api.GET("/accounts/:userId/balance", h.GetBalance)
		api.GET("/system-accounts/:name", h.GetSystemAccount)

		api.POST("/transactions", h.CreateTransaction)
		api.GET("/transactions/:id", h.GetTransaction)
	}

	if d.Hub != nil {
		r.GET("/ws/transactions", middleware.ServiceAuth(d.Auth), handlers.Feed(d.Hub, d.History, d.Feed))
	}
}
