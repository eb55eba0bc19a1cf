package service

import (
	"context"
	"errors"
	"fmt"

	"blertbank/internal/domain"
	"blertbank/internal/logger"
	"blertbank/internal/repository"
)

// SystemAccountNames maps the well-known roles to their registered names
type SystemAccountNames struct {
	Treasury string
	Sink     string
}

func DefaultSystemAccountNames() SystemAccountNames {
	return SystemAccountNames{
		Treasury: domain.SystemAccountTreasury,
		Sink:     domain.SystemAccountSink,
	}
}

// AccountService resolves user and system accounts and their balances
type AccountService struct {
	store repository.Store
	names SystemAccountNames
}

func NewAccountService(store repository.Store, names SystemAccountNames) *AccountService {
	if names.Treasury == "" {
		names.Treasury = domain.SystemAccountTreasury
	}
	if names.Sink == "" {
		names.Sink = domain.SystemAccountSink
	}
	return &AccountService{store: store, names: names}
}

// Names returns the configured system account names
func (s *AccountService) Names() SystemAccountNames {
	return s.names
}

// GetOrCreate returns the user's account, creating a zero-balance one on first use
func (s *AccountService) GetOrCreate(ctx context.Context, userID int64) (*domain.Account, bool, error) {
	if userID <= 0 {
		return nil, false, newLedgerError(CodeBadRequest, "userId must be positive")
	}

	acc, err := s.store.FindUserAccount(ctx, userID)
	if err == nil {
		return acc, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, storeErr(err)
	}

	acc, created, err := s.store.CreateUserAccount(ctx, userID)
	if err != nil {
		return nil, false, storeErr(err)
	}
	if created {
		logger.WithContext(ctx).Info("blertcoin account created", "user_id", userID, "account_id", acc.ID)
	}
	return acc, created, nil
}

// FindByUserID looks up a user's account without creating it
func (s *AccountService) FindByUserID(ctx context.Context, userID int64) (*domain.Account, error) {
	acc, err := s.store.FindUserAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newLedgerError(CodeAccountNotFound, "no account for user %d", userID).with("userId", userID)
		}
		return nil, storeErr(err)
	}
	return acc, nil
}

func (s *AccountService) FindByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	acc, err := s.store.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newLedgerError(CodeAccountNotFound, "account %d not found", accountID).with("accountId", accountID)
		}
		return nil, storeErr(err)
	}
	return acc, nil
}

// GetSystemAccount resolves a registered system account. A configured
// treasury or sink name that is missing means the deployment was never seeded.
func (s *AccountService) GetSystemAccount(ctx context.Context, name string) (*domain.Account, error) {
	acc, err := s.store.FindSystemAccount(ctx, name)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeErr(err)
	}
	if name == s.names.Treasury || name == s.names.Sink {
		return nil, fmt.Errorf("%w: %q is missing", ErrSystemAccountsNotSeeded, name)
	}
	return nil, newLedgerError(CodeAccountNotFound, "system account %q not found", name).with("name", name)
}

func (s *AccountService) Treasury(ctx context.Context) (*domain.Account, error) {
	return s.GetSystemAccount(ctx, s.names.Treasury)
}

func (s *AccountService) Sink(ctx context.Context) (*domain.Account, error) {
	return s.GetSystemAccount(ctx, s.names.Sink)
}

// RequireSystemAccounts checks that treasury and sink exist with the right kinds.
// The server refuses to start when it fails.
func (s *AccountService) RequireSystemAccounts(ctx context.Context) error {
	want := []struct {
		name string
		kind domain.AccountKind
	}{
		{s.names.Treasury, domain.AccountKindTreasury},
		{s.names.Sink, domain.AccountKindSink},
	}
	for _, w := range want {
		acc, err := s.GetSystemAccount(ctx, w.name)
		if err != nil {
			return err
		}
		if acc.Kind != w.kind {
			return fmt.Errorf("system account %q has kind %q, want %q", w.name, acc.Kind, w.kind)
		}
	}
	return nil
}

// SeedSystemAccounts creates the treasury and sink if they do not exist yet
func (s *AccountService) SeedSystemAccounts(ctx context.Context) (treasury, sink *domain.Account, err error) {
	treasury, err = s.store.CreateSystemAccount(ctx, s.names.Treasury, domain.AccountKindTreasury)
	if err != nil {
		return nil, nil, fmt.Errorf("seed treasury: %w", storeErr(err))
	}
	sink, err = s.store.CreateSystemAccount(ctx, s.names.Sink, domain.AccountKindSink)
	if err != nil {
		return nil, nil, fmt.Errorf("seed sink: %w", storeErr(err))
	}

	logger.WithContext(ctx).Info("system accounts ready",
		"treasury", s.names.Treasury, "treasury_id", treasury.ID,
		"sink", s.names.Sink, "sink_id", sink.ID)
	return treasury, sink, nil
}

func (s *AccountService) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	acc, err := s.FindByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// GetUserBalance returns the balance for a user, creating the account if needed
func (s *AccountService) GetUserBalance(ctx context.Context, userID int64) (int64, error) {
	acc, _, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// storeErr turns store-level failures into ledger errors
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrUnavailable),
		errors.Is(err, repository.ErrRetryable),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	return err
}
