// Package auction implements the confidential uniform-price auction
// engine: registering auctions, collecting sealed bids, computing the
// encrypted clearing rate and settling escrow through the ledger.
//
// Bid rates and quantities stay encrypted end to end. The engine only
// learns public facts: who bid, how many bids an auction holds and
// whether the ledger accepted a transfer batch.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/limits"
	"github.com/sealbid/clearing-engine/internal/metrics"
	"github.com/sealbid/clearing-engine/internal/model"
	"github.com/sealbid/clearing-engine/internal/store"
)

// DefaultMinFillFraction is the share of inventory recorded as the
// minimum acceptable fill when none is configured.
var DefaultMinFillFraction = decimal.New(1, -2)

// Publisher receives lifecycle events after each successful mutation.
type Publisher interface {
	Publish(ev model.Event)
}

// Options tunes an Engine. The zero value is usable.
type Options struct {
	// Custodian is the ledger account holding escrow. Defaults to "engine".
	Custodian string
	// MinFillFraction defaults to DefaultMinFillFraction.
	MinFillFraction decimal.Decimal
	// Limiter is optional.
	Limiter *limits.BidLimiter
	// Publisher is optional.
	Publisher Publisher
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine serializes every state-changing operation behind one mutex, so
// the duplicate scan, the status guard and the ledger batch of a call are
// never interleaved with another call. For horizontal scaling, replace
// with a per-auction distributed lock.
type Engine struct {
	store   store.Store
	ev      fhe.Evaluator
	ledger  ledger.Ledger
	limiter *limits.BidLimiter
	events  Publisher
	now     func() time.Time

	custodian   string
	minFillFrac decimal.Decimal

	mu     sync.Mutex
	nextID uint64
}

// NewEngine creates an engine and resumes the auction ID counter from the
// store. A fresh store starts at 1.
func NewEngine(ctx context.Context, st store.Store, ev fhe.Evaluator, l ledger.Ledger, opts Options) (*Engine, error) {
	last, err := st.LastAuctionID(ctx)
	if err != nil {
		return nil, fmt.Errorf("load auction counter: %w", err)
	}
	e := &Engine{
		store:       st,
		ev:          ev,
		ledger:      l,
		limiter:     opts.Limiter,
		events:      opts.Publisher,
		now:         opts.Clock,
		custodian:   opts.Custodian,
		minFillFrac: opts.MinFillFraction,
		nextID:      last + 1,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.custodian == "" {
		e.custodian = "engine"
	}
	if e.minFillFrac.IsZero() {
		e.minFillFrac = DefaultMinFillFraction
	}
	return e, nil
}

// Custodian returns the ledger account that holds escrow.
func (e *Engine) Custodian() string { return e.custodian }

// GetAuction returns the public auction record.
func (e *Engine) GetAuction(ctx context.Context, id uint64) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrAuctionNotFound, id)
	}
	return a, err
}

// openAuction loads an auction and requires it to be Open. A missing
// auction satisfies both ErrAuctionNotFound and ErrAuctionNotActive.
func (e *Engine) openAuction(ctx context.Context, id uint64) (*model.Auction, error) {
	a, err := e.store.GetAuction(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %w: %d", ErrAuctionNotActive, ErrAuctionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if a.Status != model.StatusOpen {
		return nil, fmt.Errorf("%w: auction %d is %s", ErrAuctionNotActive, id, a.Status)
	}
	return a, nil
}

func (e *Engine) execute(ctx context.Context, op string, batch []ledger.Instruction) error {
	if err := e.ledger.Execute(ctx, batch); err != nil {
		metrics.LedgerBatches.WithLabelValues(op, "rejected").Inc()
		return fmt.Errorf("%w: %s: %w", ErrLedgerTransfer, op, err)
	}
	metrics.LedgerBatches.WithLabelValues(op, "ok").Inc()
	return nil
}

// compensate reverses a batch that succeeded before a persistence failure.
// It runs even when the request context is already cancelled: the
// persistence failure may be that cancellation.
func (e *Engine) compensate(ctx context.Context, op string, batch []ledger.Instruction) {
	if err := e.execute(context.WithoutCancel(ctx), op+"_compensation", batch); err != nil {
		slog.Error("compensating transfer failed", "operation", op, "error", err)
	}
}

// setStatus moves an auction between lifecycle states in the store. A
// stored status other than from surfaces as ErrAuctionNotActive.
func (e *Engine) setStatus(ctx context.Context, id uint64, from, to model.Status) error {
	err := e.store.UpdateAuctionStatus(ctx, id, from, to)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrAuctionNotActive, err)
	}
	return err
}

// evaluate runs fn and turns an evaluator panic, such as a ciphertext
// handle the backend no longer knows, into an error.
func evaluate(fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if rerr, ok := r.(error); ok {
			err = fmt.Errorf("encrypted evaluation failed: %w", rerr)
			return
		}
		err = fmt.Errorf("encrypted evaluation failed: %v", r)
	}()
	return fn()
}

func (e *Engine) publish(ev model.Event) {
	if e.events == nil {
		return
	}
	ev.Timestamp = e.now()
	e.events.Publish(ev)
}
