// Package limits bounds how many sealed bids the engine accepts.
//
// Sorting is quadratic in the number of bids on an auction, so the
// per-auction cap is what keeps a clearing computation affordable. The
// per-bidder cap limits how much escrow a single bidder can tie up across
// open auctions.
package limits

import "errors"

var (
	// ErrBidLimitExceeded is returned when an auction already holds the
	// maximum number of bids.
	ErrBidLimitExceeded = errors.New("limits: auction bid limit exceeded")

	// ErrBidderLimitExceeded is returned when a bidder already has the
	// maximum number of bids on open auctions.
	ErrBidderLimitExceeded = errors.New("limits: bidder open-bid limit exceeded")
)

// BidLimiter enforces bid-count limits. A zero limit disables that check.
type BidLimiter struct {
	// MaxPerAuction caps the number of bids on one auction.
	MaxPerAuction int

	// MaxOpenPerBidder caps a bidder's bids across auctions that are
	// still open.
	MaxOpenPerBidder int
}

// NewBidLimiter creates a limiter. Negative limits are treated as zero.
func NewBidLimiter(maxPerAuction, maxOpenPerBidder int) *BidLimiter {
	return &BidLimiter{
		MaxPerAuction:    max(maxPerAuction, 0),
		MaxOpenPerBidder: max(maxOpenPerBidder, 0),
	}
}

// CheckLimit validates one more bid against the current counts.
//
// Parameters:
//   - auctionBids: bids already stored for the target auction
//   - bidderOpenBids: the bidder's bids on auctions that are still open
func (l *BidLimiter) CheckLimit(auctionBids, bidderOpenBids int) error {
	if l.MaxPerAuction > 0 && auctionBids >= l.MaxPerAuction {
		return ErrBidLimitExceeded
	}
	if l.MaxOpenPerBidder > 0 && bidderOpenBids >= l.MaxOpenPerBidder {
		return ErrBidderLimitExceeded
	}
	return nil
}
