// Package model defines the domain types shared across the clearing engine.
// Encrypted amounts are carried as fhe handles and never as plaintext.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sealbid/clearing-engine/internal/fhe"
)

// Status is the lifecycle state of an auction.
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosing Status = "closing" // settlement in flight
	StatusClosed  Status = "closed"
)

// Auction is the registry record of one sealed-bid auction. Inventory is
// public; everything bidders submit is encrypted.
type Auction struct {
	ID              uint64          `json:"id" db:"id"`
	Owner           string          `json:"owner" db:"owner"`
	ItemToken       string          `json:"item_token" db:"item_token"`
	BidToken        string          `json:"bid_token" db:"bid_token"`
	Description     string          `json:"description" db:"description"`
	TotalUnits      uint64          `json:"total_units" db:"total_units"`
	MinFillFraction decimal.Decimal `json:"min_fill_fraction" db:"min_fill_fraction"`
	MinimumUnits    uint64          `json:"minimum_units" db:"minimum_units"` // floor(total * fraction)
	OpensAt         time.Time       `json:"opens_at" db:"opens_at"`
	ClosesAt        time.Time       `json:"closes_at" db:"closes_at"`
	Status          Status          `json:"status" db:"status"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// Bid is an immutable sealed bid. Seq is the submission position within
// the auction and defines the tie-break order.
type Bid struct {
	ID          string     `json:"id" db:"id"`
	AuctionID   uint64     `json:"auction_id" db:"auction_id"`
	Bidder      string     `json:"bidder" db:"bidder"`
	Seq         int        `json:"seq" db:"seq"`
	Rate        fhe.Uint64 `json:"rate" db:"rate"`
	Quantity    fhe.Uint64 `json:"quantity" db:"quantity"`
	Receipt     string     `json:"receipt" db:"receipt"`
	SubmittedAt time.Time  `json:"submitted_at" db:"submitted_at"`
}

// ClearingResult holds the latest encrypted clearing rate of an auction.
type ClearingResult struct {
	AuctionID  uint64     `json:"auction_id" db:"auction_id"`
	Rate       fhe.Uint64 `json:"rate" db:"rate"`
	ComputedBy string     `json:"computed_by" db:"computed_by"`
	ComputedAt time.Time  `json:"computed_at" db:"computed_at"`
}

// Allocation is the settled outcome for one bid.
type Allocation struct {
	AuctionID uint64     `json:"auction_id" db:"auction_id"`
	BidID     string     `json:"bid_id" db:"bid_id"`
	Bidder    string     `json:"bidder" db:"bidder"`
	Units     fhe.Uint64 `json:"units" db:"units"`
	Refund    fhe.Uint64 `json:"refund" db:"refund"`
}

// Event types pushed to subscribers.
const (
	EventAuctionCreated   = "auction_created"
	EventBidSubmitted     = "bid_submitted"
	EventClearingComputed = "clearing_computed"
	EventAuctionFinalized = "auction_finalized"
)

// Event is a public lifecycle notification. It never carries bid contents.
type Event struct {
	Type      string    `json:"type"`
	AuctionID uint64    `json:"auction_id"`
	Status    Status    `json:"status,omitempty"`
	BidCount  int       `json:"bid_count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
