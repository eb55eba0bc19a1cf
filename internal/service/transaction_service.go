package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/logger"
	"blertbank/internal/repository"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a unit of work aborted by the store is re-run
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

// newBackOff builds a jittered exponential schedule allowing MaxAttempts runs
func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	if p.MaxAttempts > 1 {
		retries = p.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// TransactionService posts balanced transactions to the ledger
type TransactionService struct {
	store     repository.Store
	idem      *IdempotencyResolver
	isolation repository.Isolation
	retry     RetryPolicy
	timer     backoff.Timer
}

type TransactionOption func(*TransactionService)

func WithIsolation(iso repository.Isolation) TransactionOption {
	return func(s *TransactionService) { s.isolation = iso }
}

func WithRetryPolicy(p RetryPolicy) TransactionOption {
	return func(s *TransactionService) { s.retry = p }
}

func NewTransactionService(store repository.Store, opts ...TransactionOption) *TransactionService {
	s := &TransactionService{
		store:     store,
		idem:      NewIdempotencyResolver(),
		isolation: repository.ReadCommitted,
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry.MaxAttempts < 1 {
		s.retry.MaxAttempts = 1
	}
	return s
}

// PostTransaction validates and atomically applies a balanced set of entries.
// A request carrying an already-used idempotency key returns the original
// result with Idempotent set and changes nothing.
func (s *TransactionService) PostTransaction(ctx context.Context, callerService string, req domain.PostTransactionRequest) (*domain.PostTransactionResult, error) {
	start := time.Now()
	res, err := s.post(ctx, callerService, req)
	PostDuration.Observe(time.Since(start).Seconds())

	outcome := "posted"
	switch {
	case err != nil:
		outcome = CodeOf(err)
	case res.Idempotent:
		outcome = "replayed"
	}
	TransactionsPosted.WithLabelValues(outcome).Inc()

	log := logger.WithContext(ctx)
	switch {
	case err == nil:
		log.Info("transaction posted",
			"service", callerService,
			"transaction_id", res.TransactionID,
			"reason", req.Reason,
			"idempotent", res.Idempotent)
	case outcome == CodeInternal || outcome == CodeServiceUnavailable:
		log.Error("post transaction failed", "service", callerService, "reason", req.Reason, "error", err)
	default:
		log.Debug("transaction rejected", "service", callerService, "reason", req.Reason, "code", outcome)
	}

	return res, err
}

func (s *TransactionService) post(ctx context.Context, callerService string, req domain.PostTransactionRequest) (*domain.PostTransactionResult, error) {
	if err := ValidateEntries(req.Entries); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, newLedgerError(CodeBadRequest, "reason is required")
	}
	if req.IdempotencyKey != nil && *req.IdempotencyKey == "" {
		return nil, newLedgerError(CodeBadRequest, "idempotencyKey must not be empty")
	}
	if req.Source != nil && req.Source.Table == "" {
		return nil, newLedgerError(CodeBadRequest, "source.table is required")
	}
	if req.ReversesTransactionID != nil && *req.ReversesTransactionID <= 0 {
		return nil, newLedgerError(CodeBadRequest, "reversesTransactionId must be a positive integer")
	}
	if req.Metadata != nil {
		if _, err := json.Marshal(req.Metadata); err != nil {
			return nil, newLedgerError(CodeBadRequest, "metadata must be JSON encodable: %v", err)
		}
	}

	var (
		res     *domain.PostTransactionResult
		attempt int
	)
	op := func() error {
		attempt++
		r, err := s.attempt(ctx, callerService, req)
		if err != nil {
			if errors.Is(err, repository.ErrRetryable) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	notify := func(err error, delay time.Duration) {
		StoreRetries.Inc()
		logger.WithContext(ctx).Warn("retrying transaction", "attempt", attempt, "delay", delay, "error", err)
	}

	if err := backoff.RetryNotifyWithTimer(op, s.retry.newBackOff(ctx), notify, s.timer); err != nil {
		return nil, postErr(err)
	}
	return res, nil
}

// attempt runs one unit of work: replay, claim, lock, check, apply
func (s *TransactionService) attempt(ctx context.Context, callerService string, req domain.PostTransactionRequest) (*domain.PostTransactionResult, error) {
	var result *domain.PostTransactionResult

	err := s.store.InTx(ctx, repository.TxOptions{Isolation: s.isolation}, func(tx repository.LedgerTx) error {
		if req.IdempotencyKey != nil {
			prior, found, err := s.idem.Lookup(ctx, tx, *req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				result = prior
				return nil
			}
		}

		if id := req.ReversesTransactionID; id != nil {
			if _, err := tx.GetTransaction(ctx, *id); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					return newLedgerError(CodeTransactionNotFound, "transaction %d not found", *id).with("transactionId", *id)
				}
				return err
			}
		}

		txn := &domain.Transaction{
			CreatedBy:             req.CreatedBy,
			CreatedByService:      callerService,
			Reason:                req.Reason,
			IdempotencyKey:        req.IdempotencyKey,
			Source:                req.Source,
			Metadata:              req.Metadata,
			ReversesTransactionID: req.ReversesTransactionID,
		}
		if txn.Metadata == nil {
			txn.Metadata = map[string]any{}
		}

		claimed, err := tx.ClaimTransaction(ctx, txn)
		if errors.Is(err, repository.ErrAlreadyReversed) {
			id := *req.ReversesTransactionID
			return newLedgerError(CodeAlreadyReversed, "transaction %d has already been reversed", id).with("transactionId", id)
		}
		if err != nil {
			return err
		}
		if !claimed {
			// a concurrent request with the same key committed first
			prior, found, err := s.idem.Lookup(ctx, tx, *req.IdempotencyKey)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%w: idempotency key %q taken but not visible", repository.ErrRetryable, *req.IdempotencyKey)
			}
			result = prior
			return nil
		}

		entries, err := applyEntries(ctx, tx, txn.ID, req.Entries)
		if err != nil {
			return err
		}
		result = buildResult(txn, entries, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyEntries locks every referenced account in ascending id order, computes
// running balances in request order, checks the final balance of every
// account and writes entries and balances.
func applyEntries(ctx context.Context, tx repository.LedgerTx, txnID int64, inputs []domain.EntryInput) ([]domain.Entry, error) {
	ids := make([]int64, 0, len(inputs))
	seen := make(map[int64]bool, len(inputs))
	for _, in := range inputs {
		if !seen[in.AccountID] {
			seen[in.AccountID] = true
			ids = append(ids, in.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	accounts := make(map[int64]*domain.Account, len(ids))
	balances := make(map[int64]int64, len(ids))
	for _, id := range ids {
		acc, err := tx.LockAccount(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newLedgerError(CodeAccountNotFound, "account %d not found", id).with("accountId", id)
		}
		if err != nil {
			return nil, err
		}
		accounts[id] = acc
		balances[id] = acc.Balance
	}

	entries := make([]domain.Entry, 0, len(inputs))
	for _, in := range inputs {
		next, ok := addInt64(balances[in.AccountID], in.Amount)
		if !ok {
			return nil, newLedgerError(CodeInvalidAmount, "amount overflows balance of account %d", in.AccountID).
				with("accountId", in.AccountID)
		}
		balances[in.AccountID] = next
		entries = append(entries, domain.Entry{
			TransactionID: txnID,
			AccountID:     in.AccountID,
			Amount:        in.Amount,
			BalanceAfter:  next,
		})
	}

	// intermediate balances may dip below zero; only the net effect counts
	for _, id := range ids {
		acc := accounts[id]
		if balances[id] < 0 && !acc.Kind.MayGoNegative() {
			return nil, newLedgerError(CodeInsufficientFunds, "account %d has insufficient funds", id).
				with("accountId", id).
				with("balance", acc.Balance).
				with("amount", balances[id]-acc.Balance)
		}
	}

	if err := tx.InsertEntries(ctx, entries); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := tx.SetBalance(ctx, id, balances[id]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// ValidateEntries runs the checks that need no store access
func ValidateEntries(entries []domain.EntryInput) error {
	for i, e := range entries {
		if e.Amount == 0 {
			return newLedgerError(CodeInvalidAmount, "entry %d has a zero amount", i).with("index", i)
		}
	}

	if len(entries) < 2 {
		return newLedgerError(CodeUnbalanced, "a transaction needs at least two entries, got %d", len(entries))
	}

	var sum int64
	for _, e := range entries {
		next, ok := addInt64(sum, e.Amount)
		if !ok {
			return newLedgerError(CodeUnbalanced, "entry amounts overflow")
		}
		sum = next
	}
	if sum != 0 {
		return newLedgerError(CodeUnbalanced, "entries sum to %d, expected 0", sum).with("sum", sum)
	}
	return nil
}

func addInt64(a, b int64) (int64, bool) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, false
	}
	return a + b, true
}

// postErr maps what is left after retries onto the caller-facing taxonomy
func postErr(err error) error {
	var le *LedgerError
	switch {
	case errors.As(err, &le):
		return err
	case errors.Is(err, ErrMissingSnapshot):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	return storeErr(err)
}
