package service

import (
	"context"
	"errors"
	"fmt"

	"blertbank/internal/domain"
	"blertbank/internal/logger"
	"blertbank/internal/repository"
)

// IdempotencyResolver replays transactions that were already committed under
// the same idempotency key. Keys are unique across all calling services.
type IdempotencyResolver struct{}

func NewIdempotencyResolver() *IdempotencyResolver {
	return &IdempotencyResolver{}
}

// Lookup returns the stored result for key with Idempotent set. Balances come
// from the entries' balance_after snapshots, never from current balances.
func (r *IdempotencyResolver) Lookup(ctx context.Context, q repository.Queries, key string) (*domain.PostTransactionResult, bool, error) {
	txn, err := q.FindTransactionByKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entries, err := q.ListEntries(ctx, txn.ID)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		logger.WithContext(ctx).Error("blertcoin_missing_snapshot",
			"transaction_id", txn.ID,
			"idempotency_key", key)
		return nil, false, fmt.Errorf("transaction %d: %w", txn.ID, ErrMissingSnapshot)
	}

	idempotentReplays.Inc()
	return buildResult(txn, entries, true), true, nil
}

func buildResult(txn *domain.Transaction, entries []domain.Entry, idempotent bool) *domain.PostTransactionResult {
	out := make([]domain.ResultEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, domain.ResultEntry{
			AccountID:    e.AccountID,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
		})
	}
	return &domain.PostTransactionResult{
		TransactionID: txn.ID,
		CreatedAt:     txn.CreatedAt,
		Idempotent:    idempotent,
		Entries:       out,
	}
}
