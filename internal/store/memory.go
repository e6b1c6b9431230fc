package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sealbid/clearing-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	auctions    map[uint64]*model.Auction
	bids        map[uint64][]model.Bid // per auction, submission order
	byBidder    map[string][]model.Bid
	clearing    map[uint64]model.ClearingResult
	allocations map[uint64][]model.Allocation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		auctions:    make(map[uint64]*model.Auction),
		bids:        make(map[uint64][]model.Bid),
		byBidder:    make(map[string][]model.Bid),
		clearing:    make(map[uint64]model.ClearingResult),
		allocations: make(map[uint64][]model.Allocation),
	}
}

func (s *MemoryStore) CreateAuction(_ context.Context, a *model.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[a.ID]; ok {
		return fmt.Errorf("auction %d: %w", a.ID, ErrDuplicate)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.auctions[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAuction(_ context.Context, id uint64) (*model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %d: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) LastAuctionID(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last uint64
	for id := range s.auctions {
		if id > last {
			last = id
		}
	}
	return last, nil
}

func (s *MemoryStore) UpdateAuctionStatus(_ context.Context, id uint64, from, to model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[id]
	if !ok {
		return fmt.Errorf("auction %d: %w", id, ErrNotFound)
	}
	if a.Status != from {
		return fmt.Errorf("auction %d is %s, not %s: %w", id, a.Status, from, ErrConflict)
	}
	a.Status = to
	return nil
}

func (s *MemoryStore) InsertBid(_ context.Context, b *model.Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[b.AuctionID]
	if !ok {
		return fmt.Errorf("auction %d: %w", b.AuctionID, ErrNotFound)
	}
	if a.Status != model.StatusOpen {
		return fmt.Errorf("auction %d is %s: %w", b.AuctionID, a.Status, ErrConflict)
	}
	for _, existing := range s.bids[b.AuctionID] {
		if existing.Bidder == b.Bidder {
			return fmt.Errorf("bid by %s on auction %d: %w", b.Bidder, b.AuctionID, ErrDuplicate)
		}
	}
	s.bids[b.AuctionID] = append(s.bids[b.AuctionID], *b)
	s.byBidder[b.Bidder] = append(s.byBidder[b.Bidder], *b)
	return nil
}

func (s *MemoryStore) ListBids(_ context.Context, auctionID uint64) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Bid(nil), s.bids[auctionID]...), nil
}

func (s *MemoryStore) ListBidsByBidder(_ context.Context, bidder string) ([]model.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Bid(nil), s.byBidder[bidder]...), nil
}

func (s *MemoryStore) PutClearingResult(_ context.Context, r *model.ClearingResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.auctions[r.AuctionID]; !ok {
		return fmt.Errorf("auction %d: %w", r.AuctionID, ErrNotFound)
	}
	s.clearing[r.AuctionID] = *r
	return nil
}

func (s *MemoryStore) GetClearingResult(_ context.Context, auctionID uint64) (*model.ClearingResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.clearing[auctionID]
	if !ok {
		return nil, fmt.Errorf("clearing result for auction %d: %w", auctionID, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) SaveSettlement(_ context.Context, auctionID uint64, allocs []model.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %d: %w", auctionID, ErrNotFound)
	}
	if a.Status != model.StatusClosing {
		return fmt.Errorf("auction %d is %s: %w", auctionID, a.Status, ErrConflict)
	}
	s.allocations[auctionID] = append([]model.Allocation(nil), allocs...)
	a.Status = model.StatusClosed
	return nil
}

func (s *MemoryStore) ListAllocations(_ context.Context, auctionID uint64) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Allocation(nil), s.allocations[auctionID]...), nil
}
