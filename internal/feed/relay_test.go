package feed

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/repository/memstore"
	"blertbank/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	name    string
	batches [][]int64
	failN   int
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, txns []domain.PostedTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failN > 0 {
		s.failN--
		return errors.New("sink down")
	}
	ids := make([]int64, len(txns))
	for i, t := range txns {
		ids[i] = t.ID
	}
	s.batches = append(s.batches, ids)
	return nil
}

func (s *recordingSink) ids() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type fixture struct {
	store   *memstore.Store
	txns    *service.TransactionService
	history *service.HistoryService
	user    int64
	treas   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	accounts := service.NewAccountService(store, service.DefaultSystemAccountNames())
	treasury, _, err := accounts.SeedSystemAccounts(context.Background())
	require.NoError(t, err)
	user, _, err := accounts.GetOrCreate(context.Background(), 1)
	require.NoError(t, err)

	return &fixture{
		store:   store,
		txns:    service.NewTransactionService(store),
		history: service.NewHistoryService(store),
		user:    user.ID,
		treas:   treasury.ID,
	}
}

func (f *fixture) mint(t *testing.T, amount int64) int64 {
	t.Helper()
	res, err := f.txns.PostTransaction(context.Background(), "test", domain.PostTransactionRequest{
		Reason: "mint",
		Entries: []domain.EntryInput{
			{AccountID: f.treas, Amount: -amount},
			{AccountID: f.user, Amount: amount},
		},
	})
	require.NoError(t, err)
	return res.TransactionID
}

func TestRelay_StartsAtHead(t *testing.T) {
	f := newFixture(t)
	f.mint(t, 1)
	f.mint(t, 2)

	sink := &recordingSink{name: "rec"}
	r := NewRelay(f.history, nil, Options{SettleDelay: 0}, sink)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(2), r.Position())

	id := f.mint(t, 3)
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{id}, sink.ids())
}

func TestRelay_ResumesFromStoredCursor(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		f.mint(t, 1)
	}

	cursor := NewMemoryCursor()
	require.NoError(t, cursor.Save(context.Background(), 1))

	sink := &recordingSink{name: "rec"}
	r := NewRelay(f.history, cursor, Options{BatchSize: 2}, sink)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][]int64{{2, 3}, {4}}, sink.batches)

	id, ok, _ := cursor.Load(context.Background())
	assert.True(t, ok)
	assert.Equal(t, int64(4), id)
}

func TestRelay_SettleDelayHoldsBackFreshRows(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	f.store.SetClock(func() time.Time { return base })

	sink := &recordingSink{name: "rec"}
	r := NewRelay(f.history, nil, Options{SettleDelay: 2 * time.Second}, sink)
	r.now = func() time.Time { return base }
	require.NoError(t, r.Start(context.Background()))

	f.mint(t, 5)

	r.now = func() time.Time { return base.Add(time.Second) }
	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	r.now = func() time.Time { return base.Add(3 * time.Second) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRelay_FailedSinkHoldsCursor(t *testing.T) {
	f := newFixture(t)
	ok := &recordingSink{name: "ok"}
	flaky := &recordingSink{name: "flaky", failN: 1}
	r := NewRelay(f.history, nil, Options{}, ok, flaky)
	require.NoError(t, r.Start(context.Background()))

	id := f.mint(t, 7)

	_, err := r.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky")
	assert.Equal(t, id-1, r.Position())

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, id, r.Position())

	// at least once: the healthy sink saw the batch twice
	assert.Equal(t, []int64{id, id}, ok.ids())
	assert.Equal(t, []int64{id}, flaky.ids())
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sink := &recordingSink{name: "rec"}
	r := NewRelay(f.history, nil, Options{PollInterval: 5 * time.Millisecond}, sink)
	require.NoError(t, r.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	id := f.mint(t, 1)
	assert.Eventually(t, func() bool { return len(sink.ids()) == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, []int64{id}, sink.ids())
}

// scriptedSource serves hand-placed committed rows and a writer horizon
type scriptedSource struct {
	mu         sync.Mutex
	rows       []domain.PostedTransaction
	xmin, xmax uint64
}

func (s *scriptedSource) commit(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.rows = append(s.rows, domain.PostedTransaction{Transaction: domain.Transaction{ID: id, Reason: "test"}})
	}
	sort.Slice(s.rows, func(i, j int) bool { return s.rows[i].ID < s.rows[j].ID })
}

func (s *scriptedSource) setHorizon(xmin, xmax uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.xmin, s.xmax = xmin, xmax
}

func (s *scriptedSource) ListAfter(_ context.Context, afterID int64, _ time.Time, limit int) ([]domain.PostedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PostedTransaction
	for _, r := range s.rows {
		if r.ID > afterID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *scriptedSource) LatestID(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) == 0 {
		return 0, nil
	}
	return s.rows[len(s.rows)-1].ID, nil
}

func (s *scriptedSource) TxHorizon(context.Context) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.xmin, s.xmax, nil
}

func gapRelay(t *testing.T, src Source, base time.Time, sink Sink) *Relay {
	t.Helper()
	cursor := NewMemoryCursor()
	require.NoError(t, cursor.Save(context.Background(), 9))
	r := NewRelay(src, cursor, Options{GapGrace: time.Second, GapTimeout: 15 * time.Second}, sink)
	r.now = func() time.Time { return base }
	return r
}

func TestRelay_WaitsForLateCommitBelowCursor(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.setHorizon(100, 105)
	// 10 is held by a writer still waiting on a lock; 11 committed first
	src.commit(11)

	sink := &recordingSink{name: "rec"}
	r := gapRelay(t, src, base, sink)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(9), r.Position())

	r.now = func() time.Time { return base.Add(3 * time.Second) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	src.commit(10)
	r.now = func() time.Time { return base.Add(4 * time.Second) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]int64{{10, 11}}, sink.batches)
	assert.Equal(t, int64(11), r.Position())
}

func TestRelay_SkipsRolledBackIdOnceWritersFinish(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.setHorizon(100, 105)
	src.commit(11, 12)

	sink := &recordingSink{name: "rec"}
	r := gapRelay(t, src, base, sink)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// inside the grace period the horizon is not consulted
	src.setHorizon(200, 200)
	r.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// past the grace period: writers that could own id 10 are still running
	src.setHorizon(100, 105)
	r.now = func() time.Time { return base.Add(2 * time.Second) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// they finished and 10 never showed up, so it rolled back
	src.setHorizon(105, 107)
	r.now = func() time.Time { return base.Add(3 * time.Second) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{11, 12}, sink.ids())
	assert.Equal(t, int64(12), r.Position())
}

func TestRelay_GapTimeoutWithoutHorizon(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.commit(11)

	sink := &recordingSink{name: "rec"}
	r := gapRelay(t, struct{ Source }{src}, base, sink)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	r.now = func() time.Time { return base.Add(14 * time.Second) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	r.now = func() time.Time { return base.Add(16 * time.Second) }
	n, err = r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{11}, sink.ids())
}

func TestRelay_DeliversPrefixBeforeGap(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &scriptedSource{}
	src.setHorizon(100, 105)
	src.commit(10, 11, 13)

	sink := &recordingSink{name: "rec"}
	r := gapRelay(t, src, base, sink)

	n, err := r.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{10, 11}, sink.ids())
	assert.Equal(t, int64(11), r.Position())
}
