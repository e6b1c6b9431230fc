// Package store defines the persistence interface for the clearing engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/sealbid/clearing-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint is violated.
	ErrDuplicate = errors.New("duplicate record")
	// ErrConflict is returned when an auction is not in the status a
	// write requires.
	ErrConflict = errors.New("auction status conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Auction registry ---

	// CreateAuction persists a new auction record.
	CreateAuction(ctx context.Context, a *model.Auction) error

	// GetAuction retrieves an auction by its ID.
	GetAuction(ctx context.Context, id uint64) (*model.Auction, error)

	// LastAuctionID returns the highest assigned auction ID, or 0.
	LastAuctionID(ctx context.Context) (uint64, error)

	// UpdateAuctionStatus moves an auction from one lifecycle state to
	// another. It fails with ErrConflict unless the stored status is from.
	UpdateAuctionStatus(ctx context.Context, id uint64, from, to model.Status) error

	// --- Bid book ---

	// InsertBid appends an immutable bid. A second bid from the same
	// bidder on the same auction is refused with ErrDuplicate, a bid on an
	// auction that is not open with ErrConflict.
	InsertBid(ctx context.Context, b *model.Bid) error

	// ListBids returns an auction's bids in submission order.
	ListBids(ctx context.Context, auctionID uint64) ([]model.Bid, error)

	// ListBidsByBidder returns every bid a bidder has placed.
	ListBidsByBidder(ctx context.Context, bidder string) ([]model.Bid, error)

	// --- Clearing and settlement ---

	// PutClearingResult stores the latest clearing rate, replacing any
	// earlier one.
	PutClearingResult(ctx context.Context, r *model.ClearingResult) error

	// GetClearingResult returns ErrNotFound until a rate has been stored.
	GetClearingResult(ctx context.Context, auctionID uint64) (*model.ClearingResult, error)

	// SaveSettlement records allocations and moves a closing auction to
	// closed in one step.
	SaveSettlement(ctx context.Context, auctionID uint64, allocs []model.Allocation) error

	// ListAllocations returns settled allocations in submission order.
	ListAllocations(ctx context.Context, auctionID uint64) ([]model.Allocation, error)
}
