package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sealbid/clearing-engine/internal/fhe"
	"github.com/sealbid/clearing-engine/internal/ledger"
	"github.com/sealbid/clearing-engine/internal/metrics"
	"github.com/sealbid/clearing-engine/internal/model"
	"github.com/sealbid/clearing-engine/internal/oblivious"
	"github.com/sealbid/clearing-engine/internal/store"
)

// SealedBid is a bid as submitted: two encrypted inputs with their proofs.
type SealedBid struct {
	Rate     fhe.Input
	Quantity fhe.Input
}

// SubmitBid accepts one sealed bid per bidder per auction and escrows
// quantity*rate of the bid token. Checks run in this order: auction open,
// bid limits, input proofs, uniqueness, ledger debit. Nothing is stored
// unless the debit succeeds. Out-of-range inputs are stored as the zero
// bid rather than rejected, so the engine never learns which bids they
// were.
func (e *Engine) SubmitBid(ctx context.Context, bidder string, auctionID uint64, sb SealedBid) (*model.Bid, error) {
	if bidder == "" {
		return nil, fmt.Errorf("%w: bidder is required", ErrInvalidParams)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, err := e.openAuction(ctx, auctionID)
	if err != nil {
		metrics.BidRejections.WithLabelValues("not_active").Inc()
		return nil, err
	}
	existing, err := e.store.ListBids(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("list bids: %w", err)
	}
	if err := e.checkLimits(ctx, bidder, len(existing)); err != nil {
		metrics.BidRejections.WithLabelValues("limit").Inc()
		return nil, err
	}

	// Intermediates are released on return; an accepted bid keeps its
	// stored rate and quantity.
	scope := fhe.NewScope(e.ev)
	var keep []fhe.Ciphertext
	defer func() { scope.Close(keep...) }()

	entry, err := admit(scope, bidder, sb)
	if err != nil {
		metrics.BidRejections.WithLabelValues("invalid_proof").Inc()
		return nil, err
	}
	rate, qty := entry.Rate, entry.Quantity

	for _, b := range existing {
		if b.Bidder == bidder {
			metrics.BidRejections.WithLabelValues("duplicate").Inc()
			return nil, fmt.Errorf("%w: %s on auction %d", ErrDuplicateBid, bidder, auctionID)
		}
	}

	bid := &model.Bid{
		ID:          uuid.New().String(),
		AuctionID:   auctionID,
		Bidder:      bidder,
		Seq:         len(existing),
		Rate:        rate,
		Quantity:    qty,
		SubmittedAt: e.now(),
	}
	if bid.Receipt, err = Receipt(bid); err != nil {
		return nil, err
	}

	escrow := scope.Mul(qty, rate)
	debit := []ledger.Instruction{ledger.Pull(a.BidToken, bidder, escrow)}
	if err := e.execute(ctx, "submit_bid", debit); err != nil {
		metrics.BidRejections.WithLabelValues("ledger").Inc()
		return nil, err
	}
	if err := e.store.InsertBid(ctx, bid); err != nil {
		e.compensate(ctx, "submit_bid", []ledger.Instruction{ledger.Pay(a.BidToken, bidder, escrow)})
		switch {
		case errors.Is(err, store.ErrDuplicate):
			return nil, fmt.Errorf("%w: %s on auction %d", ErrDuplicateBid, bidder, auctionID)
		case errors.Is(err, store.ErrConflict):
			return nil, fmt.Errorf("%w: %w", ErrAuctionNotActive, err)
		}
		return nil, fmt.Errorf("store bid: %w", err)
	}
	keep = []fhe.Ciphertext{rate, qty}

	// The bidder may always read back their own sealed values.
	e.ev.Grant(rate, bidder)
	e.ev.Grant(qty, bidder)

	metrics.BidsSubmitted.Inc()
	slog.Info("bid accepted",
		"auction_id", auctionID,
		"bidder", bidder,
		"bid_id", bid.ID,
		"bid_count", len(existing)+1,
	)
	e.publish(model.Event{Type: model.EventBidSubmitted, AuctionID: auctionID, BidCount: len(existing) + 1})
	return bid, nil
}

// admit verifies both sealed inputs against bidder and bounds them. Rates
// or quantities of 2^32 and above turn the bid into the zero bid, which
// keeps quantity*rate from wrapping.
func admit(ev fhe.Evaluator, bidder string, sb SealedBid) (oblivious.Entry, error) {
	rate, err := ev.VerifyInput(sb.Rate, bidder)
	if err != nil {
		return oblivious.Entry{}, fmt.Errorf("rate: %w", err)
	}
	qty, err := ev.VerifyInput(sb.Quantity, bidder)
	if err != nil {
		return oblivious.Entry{}, fmt.Errorf("quantity: %w", err)
	}
	return oblivious.Bound(ev, oblivious.Entry{Rate: rate, Quantity: qty}), nil
}

func (e *Engine) checkLimits(ctx context.Context, bidder string, auctionBids int) error {
	if e.limiter == nil {
		return nil
	}
	openBids := 0
	if e.limiter.MaxOpenPerBidder > 0 {
		mine, err := e.store.ListBidsByBidder(ctx, bidder)
		if err != nil {
			return fmt.Errorf("list bidder bids: %w", err)
		}
		for _, b := range mine {
			a, err := e.store.GetAuction(ctx, b.AuctionID)
			if err != nil {
				return fmt.Errorf("load auction %d: %w", b.AuctionID, err)
			}
			if a.Status == model.StatusOpen {
				openBids++
			}
		}
	}
	if err := e.limiter.CheckLimit(auctionBids, openBids); err != nil {
		return fmt.Errorf("%w (bidder %s)", err, bidder)
	}
	return nil
}
