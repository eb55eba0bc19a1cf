// Package client is a Go client for the Blertbank ledger service.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"blertbank/internal/logger"

	redis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const (
	tokenHeader = "X-Service-Token"
	nameHeader  = "X-Service-Name"

	defaultTimeout  = 5 * time.Second
	defaultCacheTTL = 10 * time.Minute
)

var ErrTokenRequired = errors.New("blertbank: service token is required")

type Config struct {
	// BaseURL of the ledger, e.g. http://localhost:3013
	BaseURL      string
	ServiceToken string
	ServiceName  string
	HTTPClient   *http.Client

	// Cache keeps last known balances for GetBalanceOrDefault. Optional.
	Cache    *redis.Client
	CacheTTL time.Duration

	// Breaker opens after this many consecutive transient failures
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
}

type Client struct {
	baseURL  string
	token    string
	name     string
	http     *http.Client
	cache    *redis.Client
	cacheTTL time.Duration
	breaker  *gobreaker.CircuitBreaker
}

func New(cfg Config) (*Client, error) {
	if cfg.ServiceToken == "" {
		return nil, ErrTokenRequired
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "blertbank",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// client errors mean the ledger is up
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("blertbank circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.ServiceToken,
		name:     cfg.ServiceName,
		http:     httpClient,
		cache:    cfg.Cache,
		cacheTTL: ttl,
		breaker:  breaker,
	}, nil
}

// GetOrCreateAccount returns the user's account, creating it if needed
func (c *Client) GetOrCreateAccount(ctx context.Context, userID int64) (*Account, error) {
	var acc Account
	if err := c.do(ctx, http.MethodPost, "/accounts", map[string]int64{"userId": userID}, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccount returns the user's account without creating one. A missing
// account is reported as ACCOUNT_NOT_FOUND.
func (c *Client) GetAccount(ctx context.Context, userID int64) (*Account, error) {
	var acc Account
	path := "/accounts/" + strconv.FormatInt(userID, 10) + "?create=false"
	if err := c.do(ctx, http.MethodGet, path, nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetBalance returns the user's balance. Users without an account get one
// with a zero balance.
func (c *Client) GetBalance(ctx context.Context, userID int64) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	path := "/accounts/" + strconv.FormatInt(userID, 10) + "/balance"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	c.remember(ctx, userID, out.Balance)
	return out.Balance, nil
}

// PostTransaction submits a balanced transaction. Result.Idempotent is set
// when the idempotency key matched an earlier transaction.
func (c *Client) PostTransaction(ctx context.Context, req TransactionRequest) (*TransactionResult, error) {
	var res TransactionResult
	if err := c.do(ctx, http.MethodPost, "/transactions", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping reports whether the ledger and its database are up
func (c *Client) Ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// GetBalanceOrDefault is for read paths that must not fail when the ledger
// does. On any error it returns the last cached balance, or def.
func (c *Client) GetBalanceOrDefault(ctx context.Context, userID, def int64) int64 {
	balance, err := c.GetBalance(ctx, userID)
	if err == nil {
		return balance
	}

	if !IsTransient(err) {
		logger.Warn("blertbank balance lookup failed", "user_id", userID, "error", err)
		return def
	}
	if cached, ok := c.cached(ctx, userID); ok {
		return cached
	}
	return def
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("blertbank unavailable: %w", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("blertbank: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("blertbank: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.token)
	if c.name != "" {
		req.Header.Set(nameHeader, c.name)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("blertbank: failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
			return &APIError{
				Status:  resp.StatusCode,
				Code:    CodeUnknown,
				Message: "request failed with status " + strconv.Itoa(resp.StatusCode),
			}
		}
		return &APIError{Status: resp.StatusCode, Code: eb.Error, Message: eb.Message, Details: eb.Details}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("blertbank: decode response: %w", err)
	}
	return nil
}

func cacheKey(userID int64) string {
	return "blertbank:balance:" + strconv.FormatInt(userID, 10)
}

func (c *Client) remember(ctx context.Context, userID, balance int64) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, cacheKey(userID), balance, c.cacheTTL).Err(); err != nil {
		logger.Debug("blertbank balance cache write failed", "user_id", userID, "error", err)
	}
}

func (c *Client) cached(ctx context.Context, userID int64) (int64, bool) {
	if c.cache == nil {
		return 0, false
	}
	v, err := c.cache.Get(ctx, cacheKey(userID)).Int64()
	if err != nil {
		return 0, false
	}
	return v, true
}
