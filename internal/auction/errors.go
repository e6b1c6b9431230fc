package auction

import "errors"

var (
	// ErrDuplicateBid is returned when a bidder already holds a bid on the
	// auction. The existing bid is left unchanged.
	ErrDuplicateBid = errors.New("auction: bidder already placed a bid")

	// ErrAuctionNotActive is returned when an operation needs an open
	// auction and the auction is closing, closed or missing.
	ErrAuctionNotActive = errors.New("auction: auction is not active")

	// ErrAuctionNotFound is returned for unknown auction identifiers.
	ErrAuctionNotFound = errors.New("auction: auction not found")

	// ErrLedgerTransfer wraps a ledger rejection. The enclosing operation
	// left no state behind.
	ErrLedgerTransfer = errors.New("auction: ledger transfer failed")

	// ErrClearingNotComputed is returned when no clearing rate is stored.
	ErrClearingNotComputed = errors.New("auction: clearing price not computed")

	// ErrNotSettled is returned when allocations are requested before
	// the auction is finalized.
	ErrNotSettled = errors.New("auction: auction not settled")

	// ErrUnauthorized is returned when the caller may not see a record.
	ErrUnauthorized = errors.New("auction: unauthorized")

	// ErrInvalidParams is returned for malformed creation parameters.
	ErrInvalidParams = errors.New("auction: invalid parameters")
)
