package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blertbank/internal/domain"

	"github.com/jackc/pgx/v5"
)

const transactionSelect = `SELECT id, created_by, created_by_svc, reason, idempotency_key,
	        source_table, source_id, reverses_txn_id, metadata, created_at
	 FROM blertcoin_transactions`

const reversedOnceIndex = "uix_blertcoin_transactions_reversed_once"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t           domain.Transaction
		sourceTable *string
		sourceID    *int64
		metaJSON    []byte
	)
	if err := row.Scan(&t.ID, &t.CreatedBy, &t.CreatedByService, &t.Reason, &t.IdempotencyKey,
		&sourceTable, &sourceID, &t.ReversesTransactionID, &metaJSON, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}

	if sourceTable != nil && sourceID != nil {
		t.Source = &domain.TransactionSource{Table: *sourceTable, ID: *sourceID}
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of transaction %d: %w", t.ID, err)
		}
	}
	return &t, nil
}

// FindTransactionByKey returns the committed transaction holding key
func (r pgQueries) FindTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return scanTransaction(r.q.QueryRow(ctx, transactionSelect+` WHERE idempotency_key = $1`, key))
}

// GetTransaction returns a transaction header by id
func (r pgQueries) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return scanTransaction(r.q.QueryRow(ctx, transactionSelect+` WHERE id = $1`, id))
}

// ListEntries returns a transaction's entries in insertion order
func (r pgQueries) ListEntries(ctx context.Context, transactionID int64) ([]domain.Entry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT txn_id, account_id, amount, balance_after
		 FROM blertcoin_transaction_entries
		 WHERE txn_id = $1
		 ORDER BY id`,
		transactionID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]domain.Entry, error) {
	var result []domain.Entry
	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.TransactionID, &e.AccountID, &e.Amount, &e.BalanceAfter); err != nil {
			return nil, classify(err)
		}
		result = append(result, e)
	}
	return result, classify(rows.Err())
}

// ListTransactionsAfter pages through the ledger in id order
func (r pgQueries) ListTransactionsAfter(ctx context.Context, afterID int64, committedBefore time.Time, limit int) ([]domain.PostedTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.q.Query(ctx,
		transactionSelect+`
		 WHERE id > $1 AND created_at <= $2
		 ORDER BY id
		 LIMIT $3`,
		afterID, committedBefore, limit,
	)
	if err != nil {
		return nil, classify(err)
	}

	var (
		result []domain.PostedTransaction
		ids    []int64
		byID   = make(map[int64]int)
	)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byID[t.ID] = len(result)
		ids = append(ids, t.ID)
		result = append(result, domain.PostedTransaction{Transaction: *t})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	entryRows, err := r.q.Query(ctx,
		`SELECT txn_id, account_id, amount, balance_after
		 FROM blertcoin_transaction_entries
		 WHERE txn_id = ANY($1)
		 ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer entryRows.Close()

	entries, err := scanEntries(entryRows)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		i := byID[e.TransactionID]
		result[i].Entries = append(result[i].Entries, e)
	}
	return result, nil
}

// LatestTransactionID returns the highest transaction id, 0 on an empty ledger
func (r pgQueries) LatestTransactionID(ctx context.Context) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM blertcoin_transactions`).Scan(&id)
	return id, classify(err)
}

// ClaimTransaction inserts the header row. A unique idempotency key held by
// a concurrent writer blocks here until that writer commits or rolls back.
func (r pgQueries) ClaimTransaction(ctx context.Context, t *domain.Transaction) (bool, error) {
	metaJSON := []byte("{}")
	if t.Metadata != nil {
		var err error
		if metaJSON, err = json.Marshal(t.Metadata); err != nil {
			return false, fmt.Errorf("encode metadata: %w", err)
		}
	}

	var (
		sourceTable *string
		sourceID    *int64
	)
	if t.Source != nil {
		sourceTable = &t.Source.Table
		sourceID = &t.Source.ID
	}

	err := r.q.QueryRow(ctx,
		`INSERT INTO blertcoin_transactions
		   (created_by, created_by_svc, reason, idempotency_key, source_table, source_id, reverses_txn_id, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		 RETURNING id, created_at`,
		t.CreatedBy, t.CreatedByService, t.Reason, t.IdempotencyKey, sourceTable, sourceID, t.ReversesTransactionID, metaJSON,
	).Scan(&t.ID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if violates(err, reversedOnceIndex) {
			return false, fmt.Errorf("%w: %d", ErrAlreadyReversed, *t.ReversesTransactionID)
		}
		return false, classify(err)
	}
	return true, nil
}

// InsertEntries writes all entries of one transaction in a single batch
func (r pgQueries) InsertEntries(ctx context.Context, entries []domain.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{e.TransactionID, e.AccountID, e.Amount, e.BalanceAfter})
	}

	tx, ok := r.q.(pgx.Tx)
	if !ok {
		return errors.New("InsertEntries requires a transaction")
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"blertcoin_transaction_entries"},
		[]string{"txn_id", "account_id", "amount", "balance_after"},
		pgx.CopyFromRows(rows),
	)
	return classify(err)
}
