package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/repository"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostTransaction_TreasuryIssuesToUser(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	res, err := l.txns.PostTransaction(context.Background(), "challenge-server", transfer(l.treasury.ID, user.ID, 100))
	require.NoError(t, err)

	assert.Greater(t, res.TransactionID, int64(0))
	assert.False(t, res.Idempotent)
	assert.False(t, res.CreatedAt.IsZero())
	assert.Equal(t, []domain.ResultEntry{
		{AccountID: l.treasury.ID, Amount: -100, BalanceAfter: -100},
		{AccountID: user.ID, Amount: 100, BalanceAfter: 100},
	}, res.Entries)

	assert.Equal(t, int64(100), l.balance(t, user.ID))
	assert.Equal(t, int64(-100), l.balance(t, l.treasury.ID))

	stored, err := l.history.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "challenge-server", stored.CreatedByService)
	assert.Equal(t, "test_transfer", stored.Reason)
	assert.Len(t, stored.Entries, 2)
}

func TestPostTransaction_ReplayReturnsOriginalResult(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	ctx := context.Background()

	req := withKey(transfer(l.treasury.ID, user.ID, 100), "k1")

	first, err := l.txns.PostTransaction(ctx, "svc", req)
	require.NoError(t, err)
	assert.False(t, first.Idempotent)

	second, err := l.txns.PostTransaction(ctx, "svc", req)
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.Entries, second.Entries)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	assert.Equal(t, int64(100), l.balance(t, user.ID))
	assert.Equal(t, int64(-100), l.balance(t, l.treasury.ID))
	assert.Equal(t, first.TransactionID, l.latestID(t))
}

func TestPostTransaction_ReplayIgnoresLaterActivity(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	ctx := context.Background()

	req := withKey(transfer(l.treasury.ID, user.ID, 100), "k1")
	first, err := l.txns.PostTransaction(ctx, "svc", req)
	require.NoError(t, err)

	// unrelated activity on the same accounts
	l.fund(t, user.ID, 25)
	_, err = l.txns.PostTransaction(ctx, "svc", transfer(user.ID, l.sink.ID, 60))
	require.NoError(t, err)
	require.Equal(t, int64(65), l.balance(t, user.ID))

	replay, err := l.txns.PostTransaction(ctx, "svc", req)
	require.NoError(t, err)
	assert.True(t, replay.Idempotent)
	assert.Equal(t, first.TransactionID, replay.TransactionID)
	assert.Equal(t, int64(100), replay.Entries[1].BalanceAfter)
	assert.Equal(t, int64(-100), replay.Entries[0].BalanceAfter)
	assert.Equal(t, int64(65), l.balance(t, user.ID))
}

func TestPostTransaction_ReplayIgnoresDifferentPayload(t *testing.T) {
	l := newLedger(t)
	a := l.user(t, 1)
	b := l.user(t, 2)
	ctx := context.Background()

	first, err := l.txns.PostTransaction(ctx, "svc-a", withKey(transfer(l.treasury.ID, a.ID, 10), "shared"))
	require.NoError(t, err)

	// keys are global: another service reusing the key gets the stored result
	second, err := l.txns.PostTransaction(ctx, "svc-b", withKey(transfer(l.treasury.ID, b.ID, 99), "shared"))
	require.NoError(t, err)
	assert.True(t, second.Idempotent)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, int64(0), l.balance(t, b.ID))
}

func TestPostTransaction_InsufficientFundsChangesNothing(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	l.fund(t, user.ID, 50)
	before := l.latestID(t)

	_, err := l.txns.PostTransaction(context.Background(), "svc", withKey(transfer(user.ID, l.sink.ID, 100), "spend"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, CodeInsufficientFunds, CodeOf(err))

	assert.Equal(t, int64(50), l.balance(t, user.ID))
	assert.Equal(t, int64(0), l.balance(t, l.sink.ID))
	assert.Equal(t, before, l.latestID(t))

	// the key was not consumed by the failed attempt
	l.fund(t, user.ID, 50)
	res, err := l.txns.PostTransaction(context.Background(), "svc", withKey(transfer(user.ID, l.sink.ID, 100), "spend"))
	require.NoError(t, err)
	assert.False(t, res.Idempotent)
	assert.Equal(t, int64(0), l.balance(t, user.ID))
	assert.Equal(t, int64(100), l.balance(t, l.sink.ID))
}

func TestPostTransaction_SinkCannotGoNegative(t *testing.T) {
	l := newLedger(t)
	before := l.latestID(t)

	_, err := l.txns.PostTransaction(context.Background(), "svc", transfer(l.sink.ID, l.treasury.ID, 100))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(0), l.balance(t, l.treasury.ID))
	assert.Equal(t, int64(0), l.balance(t, l.sink.ID))
	assert.Equal(t, before, l.latestID(t))
}

func TestPostTransaction_Validation(t *testing.T) {
	l := newLedger(t)
	a := l.user(t, 1)
	b := l.user(t, 2)

	tests := []struct {
		name    string
		entries []domain.EntryInput
		want    error
	}{
		{
			name:    "single entry",
			entries: []domain.EntryInput{{AccountID: a.ID, Amount: 100}},
			want:    ErrUnbalanced,
		},
		{
			name:    "no entries",
			entries: nil,
			want:    ErrUnbalanced,
		},
		{
			name:    "zero amounts",
			entries: []domain.EntryInput{{AccountID: a.ID, Amount: 0}, {AccountID: b.ID, Amount: 0}},
			want:    ErrInvalidAmount,
		},
		{
			name:    "zero amount checked before count",
			entries: []domain.EntryInput{{AccountID: a.ID, Amount: 0}},
			want:    ErrInvalidAmount,
		},
		{
			name:    "nonzero sum",
			entries: []domain.EntryInput{{AccountID: a.ID, Amount: -10}, {AccountID: b.ID, Amount: 9}},
			want:    ErrUnbalanced,
		},
		{
			name: "sum overflow",
			entries: []domain.EntryInput{
				{AccountID: a.ID, Amount: math.MaxInt64},
				{AccountID: b.ID, Amount: math.MaxInt64},
				{AccountID: l.treasury.ID, Amount: 2},
			},
			want: ErrUnbalanced,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := l.latestID(t)
			_, err := l.txns.PostTransaction(context.Background(), "svc", domain.PostTransactionRequest{
				Reason:  "test",
				Entries: tc.entries,
			})
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, before, l.latestID(t))
		})
	}
}

func TestPostTransaction_RequiresReason(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	req := transfer(l.treasury.ID, user.ID, 1)
	req.Reason = "  "
	_, err := l.txns.PostTransaction(context.Background(), "svc", req)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPostTransaction_UnknownAccount(t *testing.T) {
	l := newLedger(t)
	before := l.latestID(t)

	_, err := l.txns.PostTransaction(context.Background(), "svc", transfer(l.treasury.ID, 9999, 10))
	require.ErrorIs(t, err, ErrAccountNotFound)

	var le *LedgerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, int64(9999), le.Details["accountId"])
	assert.Equal(t, int64(0), l.balance(t, l.treasury.ID))
	assert.Equal(t, before, l.latestID(t))
}

func TestPostTransaction_PartialFailureRollsBackAllEntries(t *testing.T) {
	l := newLedger(t)
	rich := l.user(t, 1)
	poor := l.user(t, 2)
	l.fund(t, rich.ID, 100)
	l.fund(t, poor.ID, 10)

	_, err := l.txns.PostTransaction(context.Background(), "svc", domain.PostTransactionRequest{
		Reason: "bundle",
		Entries: []domain.EntryInput{
			{AccountID: rich.ID, Amount: -50},
			{AccountID: poor.ID, Amount: -50},
			{AccountID: l.sink.ID, Amount: 100},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(100), l.balance(t, rich.ID))
	assert.Equal(t, int64(10), l.balance(t, poor.ID))
	assert.Equal(t, int64(0), l.balance(t, l.sink.ID))
}

func TestPostTransaction_RepeatedAccountRunningBalance(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	res, err := l.txns.PostTransaction(context.Background(), "svc", domain.PostTransactionRequest{
		Reason: "split",
		Entries: []domain.EntryInput{
			{AccountID: user.ID, Amount: 50},
			{AccountID: user.ID, Amount: 30},
			{AccountID: l.treasury.ID, Amount: -80},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Entries[0].BalanceAfter)
	assert.Equal(t, int64(80), res.Entries[1].BalanceAfter)
	assert.Equal(t, int64(-80), res.Entries[2].BalanceAfter)
	assert.Equal(t, int64(80), l.balance(t, user.ID))
}

func TestPostTransaction_NetEffectDecidesSufficiency(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	res, err := l.txns.PostTransaction(context.Background(), "svc", domain.PostTransactionRequest{
		Reason: "round_trip",
		Entries: []domain.EntryInput{
			{AccountID: user.ID, Amount: -50},
			{AccountID: l.treasury.ID, Amount: 50},
			{AccountID: l.treasury.ID, Amount: -50},
			{AccountID: user.ID, Amount: 50},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-50), res.Entries[0].BalanceAfter)
	assert.Equal(t, int64(0), res.Entries[3].BalanceAfter)
	assert.Equal(t, int64(0), l.balance(t, user.ID))
	assert.Equal(t, int64(0), l.balance(t, l.treasury.ID))
}

func TestPostTransaction_NegativeNetEffectRejected(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	l.fund(t, user.ID, 30)
	before := l.latestID(t)

	_, err := l.txns.PostTransaction(context.Background(), "svc", domain.PostTransactionRequest{
		Reason: "overspend",
		Entries: []domain.EntryInput{
			{AccountID: user.ID, Amount: 20},
			{AccountID: user.ID, Amount: -60},
			{AccountID: l.sink.ID, Amount: 40},
		},
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)

	var le *LedgerError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, user.ID, le.Details["accountId"])
	assert.Equal(t, int64(30), le.Details["balance"])
	assert.Equal(t, int64(-40), le.Details["amount"])

	assert.Equal(t, int64(30), l.balance(t, user.ID))
	assert.Equal(t, before, l.latestID(t))
}

func TestPostTransaction_ConcurrentTransfersNoLostUpdates(t *testing.T) {
	const (
		n      = 20
		amount = 7
	)
	l := newLedger(t)
	source := l.user(t, 1)
	l.fund(t, source.ID, n*amount)

	targets := make([]*domain.Account, n)
	for i := range targets {
		targets[i] = l.user(t, int64(100+i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(to int64) {
			defer wg.Done()
			_, err := l.txns.PostTransaction(context.Background(), "svc", transfer(source.ID, to, amount))
			errs <- err
		}(targets[i].ID)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(0), l.balance(t, source.ID))
	for _, acc := range targets {
		assert.Equal(t, int64(amount), l.balance(t, acc.ID))
	}
}

func TestPostTransaction_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	const n = 10
	l := newLedger(t)
	user := l.user(t, 1)
	req := withKey(transfer(l.treasury.ID, user.ID, 5), "dup")

	var wg sync.WaitGroup
	results := make(chan *domain.PostTransactionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.txns.PostTransaction(context.Background(), "svc", req)
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	var (
		fresh int
		ids   = make(map[int64]bool)
	)
	for res := range results {
		require.NotNil(t, res)
		ids[res.TransactionID] = true
		if !res.Idempotent {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, ids, 1)
	assert.Equal(t, int64(5), l.balance(t, user.ID))
}

func TestPostTransaction_LostKeyRaceReplaysWinner(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	req := withKey(transfer(l.treasury.ID, user.ID, 40), "race")

	winner, err := l.txns.PostTransaction(context.Background(), "svc", req)
	require.NoError(t, err)

	loser := NewTransactionService(&missFirstLookup{Store: l.store})
	res, err := loser.PostTransaction(context.Background(), "svc", req)
	require.NoError(t, err)
	assert.True(t, res.Idempotent)
	assert.Equal(t, winner.TransactionID, res.TransactionID)
	assert.Equal(t, winner.Entries, res.Entries)
	assert.Equal(t, int64(40), l.balance(t, user.ID))
}

func TestPostTransaction_RetriesRetryableAborts(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	fs := &failingStore{Store: l.store, err: fmt.Errorf("%w: deadlock", repository.ErrRetryable), n: 2}
	svc := NewTransactionService(fs, WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}))

	timer := &instantTimer{}
	svc.timer = timer

	res, err := svc.PostTransaction(context.Background(), "svc", transfer(l.treasury.ID, user.ID, 10))
	require.NoError(t, err)
	assert.False(t, res.Idempotent)
	assert.Equal(t, int32(3), fs.calls.Load())
	assert.Equal(t, 2, timer.starts)
	assert.Equal(t, int64(10), l.balance(t, user.ID))
}

func TestPostTransaction_RetryBudgetExhausted(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	fs := &failingStore{Store: l.store, err: fmt.Errorf("%w: serialization", repository.ErrRetryable), n: 10}
	svc := NewTransactionService(fs, WithRetryPolicy(RetryPolicy{MaxAttempts: 2}))
	svc.timer = &instantTimer{}

	_, err := svc.PostTransaction(context.Background(), "svc", transfer(l.treasury.ID, user.ID, 10))
	require.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(2), fs.calls.Load())
	assert.Equal(t, int64(0), l.balance(t, user.ID))
}

func TestPostTransaction_UnavailableIsNotRetried(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	fs := &failingStore{Store: l.store, err: fmt.Errorf("%w: connection refused", repository.ErrUnavailable), n: 1}
	svc := NewTransactionService(fs)

	_, err := svc.PostTransaction(context.Background(), "svc", transfer(l.treasury.ID, user.ID, 10))
	require.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, CodeServiceUnavailable, CodeOf(err))
	assert.Equal(t, int32(1), fs.calls.Load())
}

func TestPostTransaction_MissingSnapshot(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	ctx := context.Background()

	// a keyed header with no entries cannot be replayed
	key := "orphan"
	err := l.store.InTx(ctx, repository.TxOptions{}, func(tx repository.LedgerTx) error {
		_, err := tx.ClaimTransaction(ctx, &domain.Transaction{Reason: "test", IdempotencyKey: &key})
		return err
	})
	require.NoError(t, err)

	_, err = l.txns.PostTransaction(ctx, "svc", withKey(transfer(l.treasury.ID, user.ID, 10), key))
	require.ErrorIs(t, err, ErrMissingSnapshot)
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, int64(0), l.balance(t, user.ID))
}

func TestPostTransaction_StoresSourceAndMetadata(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	req := transfer(l.treasury.ID, user.ID, 10)
	req.CreatedBy = 77
	req.Source = &domain.TransactionSource{Table: "challenges", ID: 12345}
	req.Metadata = map[string]any{"challenge": "tob"}

	res, err := l.txns.PostTransaction(context.Background(), "svc", req)
	require.NoError(t, err)

	stored, err := l.history.GetTransaction(context.Background(), res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(77), stored.CreatedBy)
	require.NotNil(t, stored.Source)
	assert.Equal(t, "challenges", stored.Source.Table)
	assert.Equal(t, int64(12345), stored.Source.ID)
	assert.Equal(t, "tob", stored.Metadata["challenge"])
}

func TestPostTransaction_ReversalLinksOnce(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	ctx := context.Background()

	original, err := l.txns.PostTransaction(ctx, "svc", transfer(l.treasury.ID, user.ID, 25))
	require.NoError(t, err)

	undo := transfer(user.ID, l.treasury.ID, 25)
	undo.ReversesTransactionID = &original.TransactionID
	reversal, err := l.txns.PostTransaction(ctx, "svc", undo)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.balance(t, user.ID))

	stored, err := l.history.GetTransaction(ctx, reversal.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReversesTransactionID)
	assert.Equal(t, original.TransactionID, *stored.ReversesTransactionID)

	again := transfer(l.treasury.ID, user.ID, 5)
	again.ReversesTransactionID = &original.TransactionID
	_, err = l.txns.PostTransaction(ctx, "svc", again)
	require.ErrorIs(t, err, ErrAlreadyReversed)
	assert.Equal(t, int64(0), l.balance(t, user.ID))

	missing := int64(404)
	again.ReversesTransactionID = &missing
	_, err = l.txns.PostTransaction(ctx, "svc", again)
	assert.Equal(t, CodeTransactionNotFound, CodeOf(err))

	zero := int64(0)
	again.ReversesTransactionID = &zero
	_, err = l.txns.PostTransaction(ctx, "svc", again)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPostTransaction_RejectsUnencodableMetadata(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)
	before := l.latestID(t)

	req := transfer(l.treasury.ID, user.ID, 10)
	req.Metadata = map[string]any{"ratio": math.NaN()}
	_, err := l.txns.PostTransaction(context.Background(), "svc", req)
	require.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, int64(0), l.balance(t, user.ID))
	assert.Equal(t, before, l.latestID(t))
}

func TestRetryPolicyBackOff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	b := p.newBackOff(context.Background())
	for i := 0; i < 3; i++ {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		// randomization spreads each interval by half either way
		assert.LessOrEqual(t, d, 75*time.Millisecond)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	single := RetryPolicy{MaxAttempts: 1}.newBackOff(context.Background())
	assert.Equal(t, backoff.Stop, single.NextBackOff())
}

func TestPostTransaction_CanceledDuringBackOff(t *testing.T) {
	l := newLedger(t)
	user := l.user(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	fs := &failingStore{Store: l.store, err: fmt.Errorf("%w: serialization", repository.ErrRetryable), n: 10}
	svc := NewTransactionService(fs, WithRetryPolicy(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}))
	svc.timer = &instantTimer{onStart: cancel}

	_, err := svc.PostTransaction(ctx, "svc", transfer(l.treasury.ID, user.ID, 10))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), l.balance(t, user.ID))
}

func TestAddInt64(t *testing.T) {
	_, ok := addInt64(math.MaxInt64, 1)
	assert.False(t, ok)
	_, ok = addInt64(math.MinInt64, -1)
	assert.False(t, ok)
	v, ok := addInt64(-5, 3)
	assert.True(t, ok)
	assert.Equal(t, int64(-2), v)
}
