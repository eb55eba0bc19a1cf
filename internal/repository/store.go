package repository

import (
	"context"
	"errors"
	"time"

	"blertbank/internal/domain"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrRetryable marks store aborts (serialization failure, deadlock) that are safe to retry
	ErrRetryable = errors.New("transaction aborted by store, retry")
	// ErrUnavailable marks connection loss and timeouts
	ErrUnavailable = errors.New("store unavailable")
	// ErrAlreadyReversed is returned when a second transaction claims to reverse the same one
	ErrAlreadyReversed = errors.New("transaction already reversed")
)

// Isolation selects the isolation level for a unit of work
type Isolation string

const (
	ReadCommitted Isolation = "read_committed"
	Serializable  Isolation = "serializable"
)

// TxOptions configures Store.InTx
type TxOptions struct {
	Isolation Isolation
}

// Queries is the set of ledger reads and writes. Every method is usable both
// on a Store directly (autocommit) and on a LedgerTx inside InTx.
type Queries interface {
	FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error)
	FindUserAccount(ctx context.Context, userID int64) (*domain.Account, error)
	FindSystemAccount(ctx context.Context, name string) (*domain.Account, error)

	// CreateUserAccount inserts a zero-balance user account. It returns
	// created=false and the existing row if another caller created it first.
	CreateUserAccount(ctx context.Context, userID int64) (acc *domain.Account, created bool, err error)
	// CreateSystemAccount registers name -> account of the given kind if the
	// name is not registered yet, and returns the registered account.
	CreateSystemAccount(ctx context.Context, name string, kind domain.AccountKind) (*domain.Account, error)

	FindTransactionByKey(ctx context.Context, key string) (*domain.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	ListEntries(ctx context.Context, transactionID int64) ([]domain.Entry, error)
	// ListTransactionsAfter returns committed transactions with id > afterID
	// created no later than committedBefore, in id order.
	ListTransactionsAfter(ctx context.Context, afterID int64, committedBefore time.Time, limit int) ([]domain.PostedTransaction, error)
	LatestTransactionID(ctx context.Context) (int64, error)
}

// LedgerTx is the view of the store inside one atomic unit of work
type LedgerTx interface {
	Queries

	// ClaimTransaction inserts the transaction row. If the idempotency key is
	// already taken by a committed transaction it returns claimed=false and
	// writes nothing. On success t.ID and t.CreatedAt are populated. A
	// reversal of an already reversed transaction fails with ErrAlreadyReversed.
	ClaimTransaction(ctx context.Context, t *domain.Transaction) (claimed bool, err error)
	// LockAccount reads an account and its balance with a write-intent lock
	// held until the unit of work ends.
	LockAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	InsertEntries(ctx context.Context, entries []domain.Entry) error
	SetBalance(ctx context.Context, accountID, balance int64) error
}

// Store opens atomic units of work against the ledger tables
type Store interface {
	Queries

	// InTx runs fn in one atomic unit. fn's error rolls everything back and is
	// returned unchanged. A nil return commits.
	InTx(ctx context.Context, opts TxOptions, fn func(tx LedgerTx) error) error
	Ping(ctx context.Context) error
}

// HorizonReader is implemented by stores whose writers can interleave. It
// reports the oldest writer transaction still running (xmin) and the first
// writer id not handed out yet (xmax).
type HorizonReader interface {
	TxHorizon(ctx context.Context) (xmin, xmax uint64, err error)
}

// ErrNoHorizon is returned by stores that cannot report running writers
var ErrNoHorizon = errors.New("store does not report running writers")
