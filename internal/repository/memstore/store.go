// Package memstore is an in-process repository.Store. Units of work are
// serialized by one mutex and applied by swapping in a modified copy of the
// state, so a failed unit leaves nothing behind.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/repository"
)

type state struct {
	nextAccountID int64
	nextTxnID     int64

	accounts map[int64]domain.Account
	users    map[int64]int64  // owner user id -> account id
	system   map[string]int64 // name -> account id
	txns     map[int64]domain.Transaction
	keys     map[string]int64 // idempotency key -> txn id
	reversed map[int64]int64  // reversed txn id -> reversing txn id
	entries  map[int64][]domain.Entry
}

func newState() *state {
	return &state{
		accounts: make(map[int64]domain.Account),
		users:    make(map[int64]int64),
		system:   make(map[string]int64),
		txns:     make(map[int64]domain.Transaction),
		keys:     make(map[string]int64),
		reversed: make(map[int64]int64),
		entries:  make(map[int64][]domain.Entry),
	}
}

func (s *state) clone() *state {
	return &state{
		nextAccountID: s.nextAccountID,
		nextTxnID:     s.nextTxnID,
		accounts:      maps.Clone(s.accounts),
		users:         maps.Clone(s.users),
		system:        maps.Clone(s.system),
		txns:          maps.Clone(s.txns),
		keys:          maps.Clone(s.keys),
		reversed:      maps.Clone(s.reversed),
		entries:       maps.Clone(s.entries),
	}
}

// Store implements repository.Store in memory
type Store struct {
	mu      sync.Mutex
	st      *state
	now     func() time.Time
	pingErr error
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// SetClock replaces the time source used for CreatedAt/UpdatedAt
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPingError makes Ping fail with err (nil restores health)
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pingErr != nil {
		return fmt.Errorf("%w: %w", repository.ErrUnavailable, s.pingErr)
	}
	return ctx.Err()
}

func (s *Store) InTx(ctx context.Context, _ repository.TxOptions, fn func(tx repository.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.st.clone()
	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.st = work
	return nil
}

// autocommit runs a single query against the committed state
func (s *Store) autocommit(fn func(t *tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&tx{st: work, now: s.now}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) read(fn func(t *tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{st: s.st, now: s.now})
}

func (s *Store) FindAccountByID(ctx context.Context, accountID int64) (acc *domain.Account, err error) {
	err = s.read(func(t *tx) error {
		acc, err = t.FindAccountByID(ctx, accountID)
		return err
	})
	return acc, err
}

func (s *Store) FindUserAccount(ctx context.Context, userID int64) (acc *domain.Account, err error) {
	err = s.read(func(t *tx) error {
		acc, err = t.FindUserAccount(ctx, userID)
		return err
	})
	return acc, err
}

func (s *Store) FindSystemAccount(ctx context.Context, name string) (acc *domain.Account, err error) {
	err = s.read(func(t *tx) error {
		acc, err = t.FindSystemAccount(ctx, name)
		return err
	})
	return acc, err
}

func (s *Store) CreateUserAccount(ctx context.Context, userID int64) (acc *domain.Account, created bool, err error) {
	err = s.autocommit(func(t *tx) error {
		acc, created, err = t.CreateUserAccount(ctx, userID)
		return err
	})
	return acc, created, err
}

func (s *Store) CreateSystemAccount(ctx context.Context, name string, kind domain.AccountKind) (acc *domain.Account, err error) {
	err = s.autocommit(func(t *tx) error {
		acc, err = t.CreateSystemAccount(ctx, name, kind)
		return err
	})
	return acc, err
}

func (s *Store) FindTransactionByKey(ctx context.Context, key string) (txn *domain.Transaction, err error) {
	err = s.read(func(t *tx) error {
		txn, err = t.FindTransactionByKey(ctx, key)
		return err
	})
	return txn, err
}

func (s *Store) GetTransaction(ctx context.Context, id int64) (txn *domain.Transaction, err error) {
	err = s.read(func(t *tx) error {
		txn, err = t.GetTransaction(ctx, id)
		return err
	})
	return txn, err
}

func (s *Store) ListEntries(ctx context.Context, transactionID int64) (entries []domain.Entry, err error) {
	err = s.read(func(t *tx) error {
		entries, err = t.ListEntries(ctx, transactionID)
		return err
	})
	return entries, err
}

func (s *Store) ListTransactionsAfter(ctx context.Context, afterID int64, committedBefore time.Time, limit int) (out []domain.PostedTransaction, err error) {
	err = s.read(func(t *tx) error {
		out, err = t.ListTransactionsAfter(ctx, afterID, committedBefore, limit)
		return err
	})
	return out, err
}

func (s *Store) LatestTransactionID(ctx context.Context) (id int64, err error) {
	err = s.read(func(t *tx) error {
		id, err = t.LatestTransactionID(ctx)
		return err
	})
	return id, err
}

// tx is the LedgerTx view over one working copy of the state
type tx struct {
	st  *state
	now func() time.Time
}

var _ repository.LedgerTx = (*tx)(nil)

func (t *tx) FindAccountByID(_ context.Context, accountID int64) (*domain.Account, error) {
	acc, ok := t.st.accounts[accountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &acc, nil
}

func (t *tx) FindUserAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	id, ok := t.st.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t.FindAccountByID(ctx, id)
}

func (t *tx) FindSystemAccount(ctx context.Context, name string) (*domain.Account, error) {
	id, ok := t.st.system[name]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t.FindAccountByID(ctx, id)
}

func (t *tx) CreateUserAccount(ctx context.Context, userID int64) (*domain.Account, bool, error) {
	if acc, err := t.FindUserAccount(ctx, userID); err == nil {
		return acc, false, nil
	}

	owner := userID
	acc := t.insertAccount(domain.AccountKindUser, &owner)
	t.st.users[userID] = acc.ID
	return &acc, true, nil
}

func (t *tx) CreateSystemAccount(ctx context.Context, name string, kind domain.AccountKind) (*domain.Account, error) {
	if kind != domain.AccountKindTreasury && kind != domain.AccountKindSink {
		return nil, fmt.Errorf("system account %q: invalid kind %q", name, kind)
	}

	if existing, err := t.FindSystemAccount(ctx, name); err == nil {
		if existing.Kind != kind {
			return nil, fmt.Errorf("system account %q already registered with kind %q", name, existing.Kind)
		}
		return existing, nil
	}

	for _, acc := range t.st.accounts {
		if acc.Kind == kind {
			return nil, fmt.Errorf("a %s account already exists under another name", kind)
		}
	}

	acc := t.insertAccount(kind, nil)
	t.st.system[name] = acc.ID
	return &acc, nil
}

func (t *tx) insertAccount(kind domain.AccountKind, owner *int64) domain.Account {
	t.st.nextAccountID++
	now := t.now()
	acc := domain.Account{
		ID:          t.st.nextAccountID,
		OwnerUserID: owner,
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.st.accounts[acc.ID] = acc
	return acc
}

func (t *tx) FindTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error) {
	id, ok := t.st.keys[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t.GetTransaction(ctx, id)
}

func (t *tx) GetTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	txn, ok := t.st.txns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &txn, nil
}

func (t *tx) ListEntries(_ context.Context, transactionID int64) ([]domain.Entry, error) {
	return append([]domain.Entry(nil), t.st.entries[transactionID]...), nil
}

func (t *tx) ListTransactionsAfter(ctx context.Context, afterID int64, committedBefore time.Time, limit int) ([]domain.PostedTransaction, error) {
	if limit <= 0 {
		limit = 100
	}

	ids := make([]int64, 0)
	for id, txn := range t.st.txns {
		if id > afterID && !txn.CreatedAt.After(committedBefore) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]domain.PostedTransaction, 0, len(ids))
	for _, id := range ids {
		entries, _ := t.ListEntries(ctx, id)
		out = append(out, domain.PostedTransaction{Transaction: t.st.txns[id], Entries: entries})
	}
	return out, nil
}

func (t *tx) LatestTransactionID(context.Context) (int64, error) {
	return t.st.nextTxnID, nil
}

func (t *tx) ClaimTransaction(_ context.Context, txn *domain.Transaction) (bool, error) {
	if txn.IdempotencyKey != nil {
		if _, taken := t.st.keys[*txn.IdempotencyKey]; taken {
			return false, nil
		}
	}
	if r := txn.ReversesTransactionID; r != nil {
		if _, ok := t.st.txns[*r]; !ok {
			return false, fmt.Errorf("reversed transaction %d does not exist", *r)
		}
		if _, taken := t.st.reversed[*r]; taken {
			return false, fmt.Errorf("%w: %d", repository.ErrAlreadyReversed, *r)
		}
	}

	t.st.nextTxnID++
	txn.ID = t.st.nextTxnID
	txn.CreatedAt = t.now()

	stored := *txn
	if txn.Metadata != nil {
		stored.Metadata = maps.Clone(txn.Metadata)
	} else {
		stored.Metadata = map[string]any{}
	}
	t.st.txns[txn.ID] = stored
	if txn.IdempotencyKey != nil {
		t.st.keys[*txn.IdempotencyKey] = txn.ID
	}
	if r := txn.ReversesTransactionID; r != nil {
		t.st.reversed[*r] = txn.ID
	}
	return true, nil
}

// LockAccount is a plain read: the store mutex already serializes units of work
func (t *tx) LockAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return t.FindAccountByID(ctx, accountID)
}

func (t *tx) InsertEntries(_ context.Context, entries []domain.Entry) error {
	for _, e := range entries {
		if e.Amount == 0 {
			return errors.New("entry amount must be nonzero")
		}
		if _, ok := t.st.txns[e.TransactionID]; !ok {
			return fmt.Errorf("entry references unknown transaction %d", e.TransactionID)
		}
		if _, ok := t.st.accounts[e.AccountID]; !ok {
			return fmt.Errorf("entry references unknown account %d", e.AccountID)
		}
		t.st.entries[e.TransactionID] = append(t.st.entries[e.TransactionID], e)
	}
	return nil
}

func (t *tx) SetBalance(_ context.Context, accountID, balance int64) error {
	acc, ok := t.st.accounts[accountID]
	if !ok {
		return repository.ErrNotFound
	}
	if balance < 0 && !acc.Kind.MayGoNegative() {
		return fmt.Errorf("account %d cannot have negative balance", accountID)
	}
	acc.Balance = balance
	acc.UpdatedAt = t.now()
	t.st.accounts[accountID] = acc
	return nil
}
