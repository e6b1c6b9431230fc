package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/metrics"
	"github.com/sealbid/clearing-engine/internal/model"
	"github.com/sealbid/clearing-engine/internal/oblivious"
	"github.com/sealbid/clearing-engine/internal/store"
)

// ComputeClearingPrice sorts the auction's bids by encrypted rate, walks
// them against inventory and stores the resulting encrypted clearing rate,
// replacing any earlier result. The caller is granted decryption rights.
func (e *Engine) ComputeClearingPrice(ctx context.Context, caller string, auctionID uint64) (fhe.Uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.openAuction(ctx, auctionID)
	if err != nil {
		return fhe.Uint64{}, err
	}
	bids, err := e.store.ListBids(ctx, auctionID)
	if err != nil {
		return fhe.Uint64{}, fmt.Errorf("list bids: %w", err)
	}
	r, err := e.clear(ctx, caller, a, bids)
	if err != nil {
		return fhe.Uint64{}, err
	}
	e.publish(model.Event{Type: model.EventClearingComputed, AuctionID: auctionID, BidCount: len(bids)})
	return r.Rate, nil
}

// clear runs sort plus clearing and persists the result, replacing and
// releasing any earlier rate. Only the new rate outlives the call.
// Callers hold e.mu.
func (e *Engine) clear(ctx context.Context, caller string, a *model.Auction, bids []model.Bid) (*model.ClearingResult, error) {
	start := time.Now()
	prev, err := e.store.GetClearingResult(ctx, a.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load clearing result: %w", err)
	}

	scope := fhe.NewScope(e.ev)
	var rate fhe.Uint64
	err = evaluate(func() error {
		sorted := oblivious.SortDescending(scope, entries(bids))
		rate = oblivious.ClearingRate(scope, sorted, scope.Encrypt(a.TotalUnits))
		return nil
	})
	if err != nil {
		scope.Close()
		return nil, err
	}
	scope.Close(rate)
	e.ev.Grant(rate, caller)

	r := &model.ClearingResult{
		AuctionID:  a.ID,
		Rate:       rate,
		ComputedBy: caller,
		ComputedAt: e.now(),
	}
	if err := e.store.PutClearingResult(ctx, r); err != nil {
		e.ev.Release(rate)
		return nil, fmt.Errorf("store clearing result: %w", err)
	}
	if prev != nil && prev.Rate != rate {
		e.ev.Release(prev.Rate)
	}

	elapsed := time.Since(start)
	metrics.ClearingDuration.Observe(elapsed.Seconds())
	metrics.SorterComparisons.Add(float64(oblivious.Comparisons(len(bids))))
	slog.Info("clearing price computed",
		"auction_id", a.ID,
		"caller", caller,
		"bid_count", len(bids),
		"comparisons", oblivious.Comparisons(len(bids)),
		"duration", elapsed,
	)
	return r, nil
}

// ReadClearingPrice returns the stored encrypted clearing rate and grants
// the caller decryption rights on it.
func (e *Engine) ReadClearingPrice(ctx context.Context, caller string, auctionID uint64) (fhe.Uint64, error) {
	if _, err := e.GetAuction(ctx, auctionID); err != nil {
		return fhe.Uint64{}, err
	}
	r, err := e.store.GetClearingResult(ctx, auctionID)
	if errors.Is(err, store.ErrNotFound) {
		return fhe.Uint64{}, fmt.Errorf("%w: auction %d", ErrClearingNotComputed, auctionID)
	}
	if err != nil {
		return fhe.Uint64{}, err
	}
	e.ev.Grant(r.Rate, caller)
	return r.Rate, nil
}

func entries(bids []model.Bid) []oblivious.Entry {
	out := make([]oblivious.Entry, len(bids))
	for i, b := range bids {
		out[i] = oblivious.Entry{Rate: b.Rate, Quantity: b.Quantity}
	}
	return out
}
