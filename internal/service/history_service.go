package service

import (
	"context"
	"errors"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/repository"
)

// HistoryService reads the append-only ledger
type HistoryService struct {
	store repository.Store
}

func NewHistoryService(store repository.Store) *HistoryService {
	return &HistoryService{store: store}
}

// GetTransaction returns a committed transaction with its entries
func (s *HistoryService) GetTransaction(ctx context.Context, id int64) (*domain.PostedTransaction, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newLedgerError(CodeTransactionNotFound, "transaction %d not found", id).with("transactionId", id)
		}
		return nil, storeErr(err)
	}

	entries, err := s.store.ListEntries(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return &domain.PostedTransaction{Transaction: *txn, Entries: entries}, nil
}

// ListAfter pages committed transactions with id > afterID, oldest first.
// Rows newer than committedBefore are left for a later call.
func (s *HistoryService) ListAfter(ctx context.Context, afterID int64, committedBefore time.Time, limit int) ([]domain.PostedTransaction, error) {
	out, err := s.store.ListTransactionsAfter(ctx, afterID, committedBefore, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// LatestID returns the newest transaction id, 0 when the ledger is empty
func (s *HistoryService) LatestID(ctx context.Context) (int64, error) {
	id, err := s.store.LatestTransactionID(ctx)
	if err != nil {
		return 0, storeErr(err)
	}
	return id, nil
}

// TxHorizon reports the window of ledger writers still running. Stores that
// serialize their writers return repository.ErrNoHorizon.
func (s *HistoryService) TxHorizon(ctx context.Context) (uint64, uint64, error) {
	h, ok := s.store.(repository.HorizonReader)
	if !ok {
		return 0, 0, repository.ErrNoHorizon
	}
	xmin, xmax, err := h.TxHorizon(ctx)
	if err != nil {
		return 0, 0, storeErr(err)
	}
	return xmin, xmax, nil
}
