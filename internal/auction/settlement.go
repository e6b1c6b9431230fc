package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/metrics"
	"github.com/sealbid/clearing-engine/internal/model"
	"github.com/sealbid/clearing-engine/internal/oblivious"
	"github.com/sealbid/clearing-engine/internal/store"
)

// Settlement summarizes a finalized auction. Sold and Proceeds are
// decryptable by the owner.
type Settlement struct {
	AuctionID    uint64
	ClearingRate fhe.Uint64
	Sold         fhe.Uint64
	Proceeds     fhe.Uint64
	Allocations  []model.Allocation
}

// FinalizeAuction settles an open auction: every bid receives its fill in
// item tokens and its refund in bid tokens, the owner receives the
// proceeds and any unsold inventory, and the auction closes.
//
// The auction moves Open -> Closing -> Closed. Finalizing a non-open
// auction fails with ErrAuctionNotActive. If the ledger rejects the
// payout batch the auction returns to Open with nothing transferred.
// When no clearing rate has been stored, one is computed first.
func (e *Engine) FinalizeAuction(ctx context.Context, caller string, auctionID uint64) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	a, err := e.openAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if err := e.setStatus(ctx, auctionID, model.StatusOpen, model.StatusClosing); err != nil {
		return nil, fmt.Errorf("mark closing: %w", err)
	}

	scope := fhe.NewScope(e.ev)
	var s *Settlement
	err = evaluate(func() error {
		var batch []ledger.Instruction
		var err error
		if s, batch, err = e.settle(ctx, caller, a, scope); err != nil {
			return err
		}
		return e.execute(ctx, "finalize_auction", batch)
	})
	if err != nil {
		scope.Close()
		if rerr := e.setStatus(context.WithoutCancel(ctx), auctionID, model.StatusClosing, model.StatusOpen); rerr != nil {
			slog.Error("reopen after failed finalize", "auction_id", auctionID, "error", rerr)
		}
		return nil, err
	}
	scope.Close(s.outputs()...)

	// Payouts are done. A storage failure here leaves the auction in
	// Closing, which still blocks a second settlement.
	if err := e.store.SaveSettlement(ctx, auctionID, s.Allocations); err != nil {
		slog.Error("settlement transferred but not recorded", "auction_id", auctionID, "error", err)
		return nil, fmt.Errorf("record settlement: %w", err)
	}

	metrics.ActiveAuctions.Dec()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	slog.Info("auction finalized",
		"auction_id", auctionID,
		"caller", caller,
		"bid_count", len(s.Allocations),
		"duration", time.Since(start),
	)
	e.publish(model.Event{Type: model.EventAuctionFinalized, AuctionID: auctionID, Status: model.StatusClosed, BidCount: len(s.Allocations)})
	return s, nil
}

// settle computes fills and the payout batch without touching the ledger.
// Ciphertexts are produced through scope.
func (e *Engine) settle(ctx context.Context, caller string, a *model.Auction, scope *fhe.Scope) (*Settlement, []ledger.Instruction, error) {
	bids, err := e.store.ListBids(ctx, a.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list bids: %w", err)
	}

	cr, err := e.store.GetClearingResult(ctx, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		cr, err = e.clear(ctx, caller, a, bids)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("clearing rate: %w", err)
	}

	res := oblivious.Settle(scope, entries(bids), scope.Encrypt(a.TotalUnits), cr.Rate)

	batch := make([]ledger.Instruction, 0, 2*len(bids)+2)
	allocs := make([]model.Allocation, len(bids))
	for i, b := range bids {
		f := res.Fills[i]
		batch = append(batch,
			ledger.Pay(a.ItemToken, b.Bidder, f.Units),
			ledger.Pay(a.BidToken, b.Bidder, f.Refund),
		)
		for _, p := range []string{b.Bidder, a.Owner} {
			e.ev.Grant(f.Units, p)
			e.ev.Grant(f.Refund, p)
		}
		allocs[i] = model.Allocation{
			AuctionID: a.ID,
			BidID:     b.ID,
			Bidder:    b.Bidder,
			Units:     f.Units,
			Refund:    f.Refund,
		}
	}
	batch = append(batch,
		ledger.Pay(a.BidToken, a.Owner, res.Proceeds),
		ledger.Pay(a.ItemToken, a.Owner, res.Remaining),
	)
	e.ev.Grant(res.Sold, a.Owner)
	e.ev.Grant(res.Proceeds, a.Owner)

	return &Settlement{
		AuctionID:    a.ID,
		ClearingRate: cr.Rate,
		Sold:         res.Sold,
		Proceeds:     res.Proceeds,
		Allocations:  allocs,
	}, batch, nil
}

// outputs lists the ciphertexts that outlive a settlement pass.
func (s *Settlement) outputs() []fhe.Ciphertext {
	out := make([]fhe.Ciphertext, 0, 2*len(s.Allocations)+2)
	for _, a := range s.Allocations {
		out = append(out, a.Units, a.Refund)
	}
	return append(out, s.Sold, s.Proceeds)
}

// Allocation returns the settled fill and refund of bidder on an auction.
// Only the bidder and the auction owner may read it.
func (e *Engine) Allocation(ctx context.Context, caller string, auctionID uint64, bidder string) (*model.Allocation, error) {
	a, err := e.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	if caller != bidder && caller != a.Owner {
		return nil, ErrUnauthorized
	}
	if a.Status != model.StatusClosed {
		return nil, fmt.Errorf("%w: auction %d is %s", ErrNotSettled, auctionID, a.Status)
	}
	allocs, err := e.store.ListAllocations(ctx, auctionID)
	if err != nil {
		return nil, err
	}
	for i := range allocs {
		if allocs[i].Bidder == bidder {
			return &allocs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no bid by %s on auction %d", store.ErrNotFound, bidder, auctionID)
}
