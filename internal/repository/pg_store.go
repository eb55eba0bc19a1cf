package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"blertbank/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres SQLSTATE codes the ledger reacts to
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgQueryCanceled        = "57014"
	pgLockNotAvailable     = "55P03"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgQueries implements Queries on top of any querier
type pgQueries struct {
	q querier
}

// PgStore is the Postgres-backed ledger store
type PgStore struct {
	pgQueries
	pool      *pgxpool.Pool
	txTimeout time.Duration
}

type PgStoreOption func(*PgStore)

// WithTxTimeout caps how long one unit of work may run. The feed relay
// relies on this bound to tell a slow writer from a rolled back one.
func WithTxTimeout(d time.Duration) PgStoreOption {
	return func(s *PgStore) { s.txTimeout = d }
}

func NewPgStore(pool *pgxpool.Pool, opts ...PgStoreOption) *PgStore {
	s := &PgStore{pgQueries: pgQueries{q: pool}, pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// pgTx is the LedgerTx handed to InTx callbacks
type pgTx struct {
	pgQueries
}

var (
	_ Store         = (*PgStore)(nil)
	_ HorizonReader = (*PgStore)(nil)
	_ LedgerTx      = (*pgTx)(nil)
)

func (s *PgStore) Ping(ctx context.Context) error {
	return classify(s.pool.Ping(ctx))
}

// InTx runs fn inside a pgx transaction
func (s *PgStore) InTx(ctx context.Context, opts TxOptions, fn func(tx LedgerTx) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(opts.Isolation)})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{pgQueries{q: tx}}); err != nil {
		return err
	}

	return classify(tx.Commit(ctx))
}

// CreateUserAccount needs the account and balance rows written together, so
// outside InTx it opens its own unit of work.
func (s *PgStore) CreateUserAccount(ctx context.Context, userID int64) (*domain.Account, bool, error) {
	var (
		acc     *domain.Account
		created bool
	)
	err := s.InTx(ctx, TxOptions{Isolation: ReadCommitted}, func(tx LedgerTx) error {
		var err error
		acc, created, err = tx.CreateUserAccount(ctx, userID)
		return err
	})
	return acc, created, err
}

func (s *PgStore) CreateSystemAccount(ctx context.Context, name string, kind domain.AccountKind) (*domain.Account, error) {
	var acc *domain.Account
	err := s.InTx(ctx, TxOptions{Isolation: ReadCommitted}, func(tx LedgerTx) error {
		var err error
		acc, err = tx.CreateSystemAccount(ctx, name, kind)
		return err
	})
	return acc, err
}

// TxHorizon reads the running-writer window from the current snapshot
func (s *PgStore) TxHorizon(ctx context.Context) (uint64, uint64, error) {
	var xmin, xmax int64
	err := s.pool.QueryRow(ctx,
		`SELECT pg_snapshot_xmin(pg_current_snapshot())::text::bigint,
		        pg_snapshot_xmax(pg_current_snapshot())::text::bigint`,
	).Scan(&xmin, &xmax)
	if err != nil {
		return 0, 0, classify(err)
	}
	return uint64(xmin), uint64(xmax), nil
}

func isoLevel(iso Isolation) pgx.TxIsoLevel {
	if iso == Serializable {
		return pgx.Serializable
	}
	return pgx.ReadCommitted
}

// classify maps driver errors onto ErrRetryable / ErrUnavailable while
// keeping the original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		case pgQueryCanceled, pgLockNotAvailable:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		// class 08: connection exception, class 57P: operator intervention
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// violates reports a unique violation of the named index
func violates(err error, index string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == index
}
