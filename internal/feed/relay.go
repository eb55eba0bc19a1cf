package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"blertbank/internal/domain"
	"blertbank/internal/logger"
)

// Source reads committed ledger history
type Source interface {
	ListAfter(ctx context.Context, afterID int64, committedBefore time.Time, limit int) ([]domain.PostedTransaction, error)
	LatestID(ctx context.Context) (int64, error)
}

// Sink receives committed transactions in id order. Delivery is at least
// once: a batch is re-sent to every sink if any of them fails.
type Sink interface {
	Name() string
	Publish(ctx context.Context, txns []domain.PostedTransaction) error
}

// Cursor persists the id of the last relayed transaction
type Cursor interface {
	Load(ctx context.Context) (id int64, ok bool, err error)
	Save(ctx context.Context, id int64) error
}

// Horizon is implemented by sources that can report which writer
// transactions are still running. xmin is the oldest running writer and
// xmax the first writer id not yet handed out.
type Horizon interface {
	TxHorizon(ctx context.Context) (xmin, xmax uint64, err error)
}

type Options struct {
	PollInterval time.Duration
	// SettleDelay holds back rows younger than this
	SettleDelay time.Duration
	// GapGrace is how long a missing id is watched, on top of SettleDelay,
	// before the source is asked whether its writer may still commit.
	GapGrace time.Duration
	// GapTimeout is the longest the cursor waits on a missing id. It must
	// exceed the longest a ledger transaction may run.
	GapTimeout time.Duration
	BatchSize  int
}

func DefaultOptions() Options {
	return Options{
		PollInterval: 500 * time.Millisecond,
		SettleDelay:  2 * time.Second,
		GapGrace:     time.Second,
		GapTimeout:   15 * time.Second,
		BatchSize:    200,
	}
}

// gap is an id below a relayed row that is not visible yet. Ids are handed
// out before a writer takes its locks, so a gap is either a transaction
// still in flight or one that rolled back.
type gap struct {
	seen   time.Time
	mark   uint64
	marked bool
}

// Relay tails the ledger and fans committed transactions out to its sinks
type Relay struct {
	src    Source
	cursor Cursor
	sinks  []Sink
	opts   Options
	now    func() time.Time

	after    int64
	position atomic.Int64
	started  bool
	gaps     map[int64]*gap
}

func NewRelay(src Source, cursor Cursor, opts Options, sinks ...Sink) *Relay {
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.GapGrace <= 0 {
		opts.GapGrace = def.GapGrace
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = def.GapTimeout
	}
	if cursor == nil {
		cursor = NewMemoryCursor()
	}
	return &Relay{src: src, cursor: cursor, sinks: sinks, opts: opts, now: time.Now, gaps: make(map[int64]*gap)}
}

// Position is the id of the last transaction handed to every sink. Every
// committed transaction at or below it has been relayed. Safe to call from
// any goroutine.
func (r *Relay) Position() int64 { return r.position.Load() }

// Start loads the stored cursor. Without one the relay begins at the
// current head and does not replay history.
func (r *Relay) Start(ctx context.Context) error {
	id, ok, err := r.cursor.Load(ctx)
	if err != nil {
		return fmt.Errorf("load feed cursor: %w", err)
	}
	if !ok {
		if id, err = r.src.LatestID(ctx); err != nil {
			return fmt.Errorf("read ledger head: %w", err)
		}
		if err := r.cursor.Save(ctx, id); err != nil {
			return fmt.Errorf("save feed cursor: %w", err)
		}
	}
	r.after = id
	r.position.Store(id)
	r.started = true
	feedCursor.Set(float64(id))
	logger.Info("feed relay starting", "after", id, "sinks", len(r.sinks))
	return nil
}

// Poll relays every settled transaction after the cursor and returns how
// many were delivered. The cursor never moves past a missing id until that
// id has been resolved as rolled back.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !r.started {
		if err := r.Start(ctx); err != nil {
			return 0, err
		}
	}

	now := r.now()
	cutoff := now.Add(-r.opts.SettleDelay)
	total := 0
	for {
		page, err := r.src.ListAfter(ctx, r.after, cutoff, r.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list transactions after %d: %w", r.after, err)
		}
		if len(page) == 0 {
			return total, nil
		}

		batch, held := r.contiguous(ctx, page, now)
		if len(batch) == 0 {
			return total, nil
		}
		if err := r.publish(ctx, batch); err != nil {
			return total, err
		}

		last := batch[len(batch)-1].ID
		if err := r.cursor.Save(ctx, last); err != nil {
			// the batch went out; a restart may resend it
			logger.Warn("feed cursor save failed", "id", last, "error", err)
		}
		r.after = last
		r.position.Store(last)
		feedCursor.Set(float64(last))
		total += len(batch)
		for id := range r.gaps {
			if id <= last {
				delete(r.gaps, id)
			}
		}

		if held || len(page) < r.opts.BatchSize {
			return total, nil
		}
	}
}

// contiguous returns the prefix of page that can be relayed without leaving
// an unresolved id behind the cursor, and whether a gap cut it short.
func (r *Relay) contiguous(ctx context.Context, page []domain.PostedTransaction, now time.Time) ([]domain.PostedTransaction, bool) {
	next := r.after + 1
	for _, txn := range page {
		for id := next; id < txn.ID; id++ {
			if _, ok := r.gaps[id]; !ok {
				r.gaps[id] = &gap{seen: now}
			}
		}
		next = txn.ID + 1
	}

	var (
		xmin, xmax uint64
		read       bool
		horizonOK  bool
	)
	horizon := func() (uint64, uint64, bool) {
		if !read {
			read = true
			if h, ok := r.src.(Horizon); ok {
				var err error
				xmin, xmax, err = h.TxHorizon(ctx)
				if err != nil {
					logger.Debug("feed horizon read failed", "error", err)
				} else {
					horizonOK = true
				}
			}
		}
		return xmin, xmax, horizonOK
	}

	next = r.after + 1
	for i, txn := range page {
		for id := next; id < txn.ID; id++ {
			if !r.resolveGap(id, now, horizon) {
				return page[:i], true
			}
		}
		next = txn.ID + 1
	}
	return page, false
}

// resolveGap reports whether the missing id can be skipped
func (r *Relay) resolveGap(id int64, now time.Time, horizon func() (uint64, uint64, bool)) bool {
	g := r.gaps[id]
	age := now.Sub(g.seen)
	if age >= r.opts.GapTimeout {
		logger.Warn("feed skipping missing transaction id", "id", id, "waited", age)
		feedGapsSkipped.WithLabelValues("timeout").Inc()
		return true
	}
	if age < r.opts.SettleDelay+r.opts.GapGrace {
		return false
	}

	xmin, xmax, ok := horizon()
	if !ok {
		return false
	}
	if !g.marked {
		g.mark = xmax
		g.marked = true
	}
	// every writer that could own the id has finished without committing it
	if xmin >= g.mark {
		logger.Debug("feed skipping rolled back transaction id", "id", id)
		feedGapsSkipped.WithLabelValues("rolled_back").Inc()
		return true
	}
	return false
}

func (r *Relay) publish(ctx context.Context, batch []domain.PostedTransaction) error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Publish(ctx, batch); err != nil {
			feedErrors.WithLabelValues(s.Name()).Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		feedPublished.WithLabelValues(s.Name()).Add(float64(len(batch)))
	}
	return errors.Join(errs...)
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on
// the next tick from the same cursor.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("feed poll failed", "after", r.after, "error", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("feed relay stopped", "after", r.after)
			return nil
		case <-ticker.C:
		}
	}
}
