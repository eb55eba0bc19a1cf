package repository

import (
	"context"
	"errors"
	"fmt"

	"blertbank/internal/domain"

	"github.com/jackc/pgx/v5"
)

const accountSelect = `SELECT a.id, a.owner_user_id, a.kind, b.balance, a.created_at, b.updated_at
	 FROM blertcoin_accounts a
	 JOIN blertcoin_account_balances b ON b.account_id = a.id`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc  domain.Account
		kind string
	)
	if err := row.Scan(&acc.ID, &acc.OwnerUserID, &kind, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	acc.Kind = domain.AccountKind(kind)
	return &acc, nil
}

// FindAccountByID returns an account with its current balance
func (r pgQueries) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	return scanAccount(r.q.QueryRow(ctx, accountSelect+` WHERE a.id = $1`, accountID))
}

// FindUserAccount returns the account owned by userID
func (r pgQueries) FindUserAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	return scanAccount(r.q.QueryRow(ctx,
		accountSelect+` WHERE a.owner_user_id = $1 AND a.kind = 'user'`, userID))
}

// FindSystemAccount resolves a registered system account name
func (r pgQueries) FindSystemAccount(ctx context.Context, name string) (*domain.Account, error) {
	return scanAccount(r.q.QueryRow(ctx,
		accountSelect+` JOIN blertcoin_system_accounts s ON s.account_id = a.id WHERE s.name = $1`, name))
}

// LockAccount takes a row lock on the balance row. Callers lock in ascending
// id order to avoid deadlocks.
func (r pgQueries) LockAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return scanAccount(r.q.QueryRow(ctx,
		accountSelect+` WHERE a.id = $1 FOR UPDATE OF b`, accountID))
}

// SetBalance writes a new balance for an account locked by LockAccount
func (r pgQueries) SetBalance(ctx context.Context, accountID, balance int64) error {
	tag, err := r.q.Exec(ctx,
		`UPDATE blertcoin_account_balances
		 SET balance = $2, updated_at = NOW()
		 WHERE account_id = $1`,
		accountID, balance,
	)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUserAccount must run inside a transaction: the account row and its
// balance row are inserted together.
func (r pgQueries) CreateUserAccount(ctx context.Context, userID int64) (*domain.Account, bool, error) {
	var accountID int64
	err := r.q.QueryRow(ctx,
		`INSERT INTO blertcoin_accounts (owner_user_id, kind)
		 VALUES ($1, 'user')
		 ON CONFLICT (owner_user_id) WHERE kind = 'user' DO NOTHING
		 RETURNING id`,
		userID,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		// another caller won the race, its row is visible now
		acc, err := r.FindUserAccount(ctx, userID)
		return acc, false, err
	}
	if err != nil {
		return nil, false, classify(err)
	}

	if _, err := r.q.Exec(ctx,
		`INSERT INTO blertcoin_account_balances (account_id, balance) VALUES ($1, 0)`,
		accountID,
	); err != nil {
		return nil, false, classify(err)
	}

	acc, err := r.FindAccountByID(ctx, accountID)
	return acc, true, err
}

// CreateSystemAccount must run inside a transaction. Seeding is serialized
// with an advisory lock so a name is registered at most once.
func (r pgQueries) CreateSystemAccount(ctx context.Context, name string, kind domain.AccountKind) (*domain.Account, error) {
	if kind != domain.AccountKindTreasury && kind != domain.AccountKindSink {
		return nil, fmt.Errorf("system account %q: invalid kind %q", name, kind)
	}

	if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('blertcoin_system_accounts'))`); err != nil {
		return nil, classify(err)
	}

	existing, err := r.FindSystemAccount(ctx, name)
	if err == nil {
		if existing.Kind != kind {
			return nil, fmt.Errorf("system account %q already registered with kind %q", name, existing.Kind)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var accountID int64
	if err := r.q.QueryRow(ctx,
		`INSERT INTO blertcoin_accounts (kind) VALUES ($1) RETURNING id`,
		string(kind),
	).Scan(&accountID); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("a %s account already exists under another name: %w", kind, err)
		}
		return nil, classify(err)
	}

	if _, err := r.q.Exec(ctx,
		`INSERT INTO blertcoin_account_balances (account_id, balance) VALUES ($1, 0)`,
		accountID,
	); err != nil {
		return nil, classify(err)
	}

	if _, err := r.q.Exec(ctx,
		`INSERT INTO blertcoin_system_accounts (name, account_id) VALUES ($1, $2)`,
		name, accountID,
	); err != nil {
		return nil, classify(err)
	}

	return r.FindAccountByID(ctx, accountID)
}
