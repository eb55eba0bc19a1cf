package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/repository"
	"blertbank/internal/repository/memstore"

	"github.com/stretchr/testify/require"
)

type ledger struct {
	store    *memstore.Store
	accounts *AccountService
	txns     *TransactionService
	history  *HistoryService
	treasury *domain.Account
	sink     *domain.Account
}

func newLedger(t *testing.T, opts ...TransactionOption) *ledger {
	t.Helper()

	store := memstore.New()
	accounts := NewAccountService(store, DefaultSystemAccountNames())
	treasury, sink, err := accounts.SeedSystemAccounts(context.Background())
	require.NoError(t, err)

	return &ledger{
		store:    store,
		accounts: accounts,
		txns:     NewTransactionService(store, opts...),
		history:  NewHistoryService(store),
		treasury: treasury,
		sink:     sink,
	}
}

func (l *ledger) user(t *testing.T, userID int64) *domain.Account {
	t.Helper()
	acc, _, err := l.accounts.GetOrCreate(context.Background(), userID)
	require.NoError(t, err)
	return acc
}

// fund mints amount from the treasury into accountID
func (l *ledger) fund(t *testing.T, accountID, amount int64) {
	t.Helper()
	_, err := l.txns.PostTransaction(context.Background(), "test", transfer(l.treasury.ID, accountID, amount))
	require.NoError(t, err)
}

func (l *ledger) balance(t *testing.T, accountID int64) int64 {
	t.Helper()
	b, err := l.accounts.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func (l *ledger) latestID(t *testing.T) int64 {
	t.Helper()
	id, err := l.history.LatestID(context.Background())
	require.NoError(t, err)
	return id
}

func transfer(from, to, amount int64) domain.PostTransactionRequest {
	return domain.PostTransactionRequest{
		CreatedBy: domain.SystemActor,
		Reason:    "test_transfer",
		Entries: []domain.EntryInput{
			{AccountID: from, Amount: -amount},
			{AccountID: to, Amount: amount},
		},
	}
}

func withKey(req domain.PostTransactionRequest, key string) domain.PostTransactionRequest {
	req.IdempotencyKey = &key
	return req
}

// missFirstLookup hides committed idempotency keys from the first in-tx
// lookup, reproducing the window where two identical requests both miss
// the lookup and race on the insert.
type missFirstLookup struct {
	repository.Store
	missed atomic.Bool
}

func (m *missFirstLookup) InTx(ctx context.Context, opts repository.TxOptions, fn func(tx repository.LedgerTx) error) error {
	return m.Store.InTx(ctx, opts, func(tx repository.LedgerTx) error {
		return fn(&blindTx{LedgerTx: tx, parent: m})
	})
}

type blindTx struct {
	repository.LedgerTx
	parent *missFirstLookup
}

func (b *blindTx) FindTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	if b.parent.missed.CompareAndSwap(false, true) {
		return nil, repository.ErrNotFound
	}
	return b.LedgerTx.FindTransactionByKey(ctx, key)
}

// failingStore fails the first n units of work with err before running them
type failingStore struct {
	repository.Store
	err   error
	n     int32
	calls atomic.Int32
}

func (f *failingStore) InTx(ctx context.Context, opts repository.TxOptions, fn func(tx repository.LedgerTx) error) error {
	if f.calls.Add(1) <= f.n {
		return f.err
	}
	return f.Store.InTx(ctx, opts, fn)
}

// instantTimer fires immediately and counts how often a retry waited
type instantTimer struct {
	starts  int
	onStart func()
	c       chan time.Time
}

func (t *instantTimer) Start(time.Duration) {
	t.starts++
	if t.onStart != nil {
		t.onStart()
		t.c = make(chan time.Time)
		return
	}
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }
